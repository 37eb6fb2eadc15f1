package convo

import (
	"context"
	"errors"

	"homechat/internal/store"
)

// SnapshotSource is the subset of the store contract the engine subscribes
// through. Satisfied by both store backends and by test doubles.
type SnapshotSource interface {
	Subscribe(ctx context.Context, p store.Predicate, ordered bool) (<-chan []store.Message, error)
}

// QueryStrategy establishes snapshot streams with a two-stage policy: the
// server-ordered query is preferred; if the source reports it unsupported
// (typically a missing index), the same predicate is retried exactly once
// without the order clause and every raw snapshot is normalized client-side.
// Callers observe an identical output contract on both paths; the degraded
// return value is the only way to tell them apart.
type QueryStrategy struct {
	Source SnapshotSource
}

// Open returns the snapshot stream for pred and whether the fallback path
// is serving it.
func (q QueryStrategy) Open(ctx context.Context, pred store.Predicate) (<-chan []store.Message, bool, error) {
	ch, err := q.Source.Subscribe(ctx, pred, true)
	if err == nil {
		return ch, false, nil
	}
	if !errors.Is(err, store.ErrUnsupportedQuery) {
		return nil, false, E(KindTransientStore, "establish ordered subscription", err)
	}

	raw, err := q.Source.Subscribe(ctx, pred, false)
	if err != nil {
		return nil, false, E(KindTransientStore, "establish fallback subscription", err)
	}

	out := make(chan []store.Message, 1)
	go func() {
		defer close(out)
		for snap := range raw {
			latest(out, Normalize(snap))
		}
	}()
	return out, true, nil
}

// latest replaces any stale buffered snapshot with the newest one; bursts
// coalesce instead of queueing.
func latest(out chan []store.Message, snap []store.Message) {
	select {
	case <-out:
	default:
	}
	out <- snap
}
