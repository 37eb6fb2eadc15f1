package store

import (
	"context"
	"fmt"
	"time"

	"homechat/internal/bus"
)

// UpsertSummary applies one best-effort update to the summary cache.
// UnreadDelta is added to the stored counter; the counter is lossy by
// contract and is never reconciled against the message log.
func (db *DB) UpsertSummary(ctx context.Context, u SummaryUpdate) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO summaries (conversation_key, property_id, participant_low, participant_high,
			last_message_text, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, MAX(?, 0), ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			last_message_text = CASE WHEN excluded.last_message_at >= summaries.last_message_at THEN excluded.last_message_text ELSE summaries.last_message_text END,
			last_message_at = MAX(summaries.last_message_at, excluded.last_message_at),
			unread_count = MAX(summaries.unread_count + ?, 0),
			updated_at = excluded.updated_at`,
		u.Key, u.PropertyID, u.Participants[0], u.Participants[1],
		u.LastMessageText, u.LastMessageTime, u.UnreadDelta, now, u.UnreadDelta)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	if db.bus != nil {
		db.bus.Publish(bus.Event{
			Kind:      "store.summary_changed",
			Timestamp: time.Now(),
			Payload:   bus.StoreChange{ConversationKey: u.Key, PropertyID: u.PropertyID},
		})
	}
	return nil
}

func (db *DB) querySummaries(ctx context.Context, participant string) ([]ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_key, property_id, participant_low, participant_high,
			last_message_text, last_message_at, unread_count
		FROM summaries
		WHERE participant_low = ? OR participant_high = ?
		ORDER BY last_message_at DESC`, participant, participant)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(&s.Key, &s.PropertyID, &s.Participants[0], &s.Participants[1],
			&s.LastMessageText, &s.LastMessageTime, &s.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
