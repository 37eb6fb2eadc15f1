package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"homechat/internal/bus"
)

// Append durably writes a message. The store assigns ID, Timestamp,
// ConversationKey and Read=false; caller-set values for those fields are
// ignored. Publishes a store.changed event on success.
func (db *DB) Append(ctx context.Context, m *Message) (string, error) {
	if m.From == "" || m.To == "" {
		return "", fmt.Errorf("append: from and to are required")
	}
	if m.From == m.To {
		return "", fmt.Errorf("append: sender and recipient are the same user")
	}

	m.ID = uuid.NewString()
	m.Timestamp = time.Now().UnixMilli()
	m.Read = false
	m.Deleted = false
	m.ConversationKey = Key(m.From, m.To, m.PropertyID)

	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_key, property_id, from_id, to_id, body, read, deleted, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		m.ID, m.ConversationKey, m.PropertyID, m.From, m.To, m.Text, m.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	db.publishChange(m.ConversationKey, m.PropertyID, m.From, m.To)
	return m.ID, nil
}

// BulkSetRead transitions every live message matching the predicate (and
// still unread) to read. Idempotent: zero matches is a no-op.
func (db *DB) BulkSetRead(ctx context.Context, p Predicate) (int, error) {
	where, args := p.clauses()
	where = append(where, "read = 0", "deleted = 0")

	res, err := db.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("bulk set read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk set read affected rows: %w", err)
	}
	if n > 0 {
		db.publishChange("", p.PropertyID, p.From, p.To)
	}
	return int(n), nil
}

// CountWhere counts live messages matching the predicate.
func (db *DB) CountWhere(ctx context.Context, p Predicate) (int, error) {
	where, args := p.clauses()
	where = append(where, "deleted = 0")

	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE `+strings.Join(where, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Tombstone flags a message deleted. The row stays in the log.
func (db *DB) Tombstone(ctx context.Context, id string) error {
	var key, propertyID, from, to string
	err := db.QueryRowContext(ctx,
		`SELECT conversation_key, property_id, from_id, to_id FROM messages WHERE id = ?`, id).
		Scan(&key, &propertyID, &from, &to)
	if err != nil {
		return fmt.Errorf("tombstone lookup: %w", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("tombstone: %w", err)
	}
	db.publishChange(key, propertyID, from, to)
	return nil
}

func (db *DB) queryMessages(ctx context.Context, p Predicate, ordered bool) ([]Message, error) {
	where, args := p.clauses()
	q := `SELECT id, conversation_key, property_id, from_id, to_id, body, read, deleted, timestamp
		FROM messages WHERE ` + strings.Join(where, " AND ")
	if ordered {
		q += ` ORDER BY timestamp, id`
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.PropertyID, &m.From, &m.To, &m.Text, &m.Read, &m.Deleted, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) publishChange(key, propertyID, from, to string) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      "store.changed",
		Timestamp: time.Now(),
		Payload: bus.StoreChange{
			ConversationKey: key,
			PropertyID:      propertyID,
			From:            from,
			To:              to,
		},
	})
}

// clauses renders the predicate as SQL conditions. Always returns at least
// one condition so callers can join with AND unconditionally.
func (p Predicate) clauses() ([]string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	if p.From != "" {
		conds = append(conds, "from_id = ?")
		args = append(args, p.From)
	}
	if p.To != "" {
		conds = append(conds, "to_id = ?")
		args = append(args, p.To)
	}
	if p.PropertyID != "" {
		conds = append(conds, "property_id = ?")
		args = append(args, p.PropertyID)
	}
	if p.Unread {
		conds = append(conds, "read = 0")
	}
	return conds, args
}
