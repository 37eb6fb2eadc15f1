package store

import (
	"context"
	"errors"
	"strings"

	"homechat/internal/bus"
)

// ErrUnsupportedQuery is returned by Subscribe when the backend cannot
// establish a server-ordered snapshot stream for the given predicate
// (typically a missing composite index). The caller is expected to retry
// once with ordered=false and sort client-side.
var ErrUnsupportedQuery = errors.New("ordered query unsupported for predicate")

// Predicate is the equality filter shape shared by all store operations.
// Empty fields match anything. Unread additionally restricts to read == false.
type Predicate struct {
	From       string
	To         string
	PropertyID string
	Unread     bool
}

// Matches reports whether a store change could affect this predicate's
// result set. Conservative: unknown change fields never exclude.
func (p Predicate) Matches(c bus.StoreChange) bool {
	if p.From != "" && c.From != "" && p.From != c.From {
		return false
	}
	if p.To != "" && c.To != "" && p.To != c.To {
		return false
	}
	if p.PropertyID != "" && c.PropertyID != "" && p.PropertyID != c.PropertyID {
		return false
	}
	return true
}

// Store is the durable message log consumed by the conversation engine.
//
// Subscribe delivers full-state snapshots (never deltas) of all messages
// matching the predicate, including tombstoned ones; it re-emits on every
// relevant change and coalesces bursts to the latest state. The returned
// channel is closed when ctx is cancelled or the stream fails.
type Store interface {
	// Append durably writes a message, assigning ID, Timestamp,
	// ConversationKey and Read=false. Returns the assigned ID.
	Append(ctx context.Context, m *Message) (string, error)

	Subscribe(ctx context.Context, p Predicate, ordered bool) (<-chan []Message, error)

	// BulkSetRead transitions every live message matching the predicate
	// (plus read == false) to read. Zero matches is a no-op, not an error.
	BulkSetRead(ctx context.Context, p Predicate) (int, error)

	// CountWhere counts live (non-tombstoned) messages matching the
	// predicate. Used for the pull-based global unread badge.
	CountWhere(ctx context.Context, p Predicate) (int, error)

	// Tombstone flags a message deleted without removing it from the log.
	Tombstone(ctx context.Context, id string) error
}

// SummaryStore is the denormalized conversation-summary cache. Writes are
// best-effort; a failed upsert must never fail the send it rode along with.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, u SummaryUpdate) error
	SubscribeSummaries(ctx context.Context, participant string) (<-chan []ConversationSummary, error)
}

// Key derives the canonical conversation key for a participant pair and a
// property. Symmetric in the two users: Key(a, b, p) == Key(b, a, p).
func Key(userA, userB, propertyID string) string {
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	return strings.Join([]string{lo, hi, propertyID}, "_")
}

// Participants returns the pair in canonical (sorted) order, matching the
// order embedded in the conversation key.
func Participants(userA, userB string) [2]string {
	if userA > userB {
		return [2]string{userB, userA}
	}
	return [2]string{userA, userB}
}
