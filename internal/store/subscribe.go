package store

import (
	"context"

	"homechat/internal/bus"
)

// Subscribe establishes a live full-state snapshot stream for the predicate.
// The initial snapshot is queried synchronously so establishment failures
// surface to the caller; afterwards every relevant store.changed event
// triggers a re-query. Bursts coalesce: only the latest snapshot is ever
// buffered. The channel closes when ctx is cancelled.
//
// sqlite supports ordered retrieval for every predicate, so ordered=true
// never fails here; the flag exists for backends that need a supporting
// index (see the firestore adapter).
func (db *DB) Subscribe(ctx context.Context, p Predicate, ordered bool) (<-chan []Message, error) {
	snap, err := db.queryMessages(ctx, p, ordered)
	if err != nil {
		return nil, err
	}

	out := make(chan []Message, 1)
	events, unsub := db.bus.Subscribe("store.changed", 64)

	go func() {
		defer close(out)
		defer unsub()

		push(out, snap)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				change, ok := evt.Payload.(bus.StoreChange)
				if ok && !p.Matches(change) {
					continue
				}
				next, err := db.queryMessages(ctx, p, ordered)
				if err != nil {
					// Transient: keep last-known-good state, wait for the
					// next change notification.
					continue
				}
				push(out, next)
			}
		}
	}()

	return out, nil
}

// SubscribeSummaries delivers the participant's denormalized conversation
// summaries, newest activity first, re-emitted on every summary change.
func (db *DB) SubscribeSummaries(ctx context.Context, participant string) (<-chan []ConversationSummary, error) {
	snap, err := db.querySummaries(ctx, participant)
	if err != nil {
		return nil, err
	}

	out := make(chan []ConversationSummary, 1)
	events, unsub := db.bus.Subscribe("store.summary_changed", 64)

	go func() {
		defer close(out)
		defer unsub()

		push(out, snap)
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				next, err := db.querySummaries(ctx, participant)
				if err != nil {
					continue
				}
				push(out, next)
			}
		}
	}()

	return out, nil
}

// push replaces any stale buffered snapshot with the latest one. The single
// producing goroutine guarantees the send after drain cannot block.
func push[T any](out chan []T, snap []T) {
	select {
	case <-out:
	default:
	}
	out <- snap
}
