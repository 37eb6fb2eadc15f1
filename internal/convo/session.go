package convo

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"homechat/internal/store"
)

// Session is one viewer's handle on the engine. Each session owns its own
// subscription handles and merge buffers; nothing is shared between
// sessions, so concurrent viewers in one process cannot corrupt each
// other's state.
type Session struct {
	viewer    string
	store     store.Store
	summaries store.SummaryStore // optional, best-effort
	logger    *zap.Logger
}

// NewSession creates a session for the viewer. summaries may be nil; read
// transitions then skip the denormalized counter update.
func NewSession(viewer string, st store.Store, summaries store.SummaryStore, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		viewer:    viewer,
		store:     st,
		summaries: summaries,
		logger:    logger.With(zap.String("viewer", viewer)),
	}
}

// ThreadUpdate is one emission of a one-to-one thread view.
type ThreadUpdate struct {
	Messages []store.Message
	// Degraded is set while the scope serves from the fallback query path
	// or from a single surviving stream. The message list contract is
	// unchanged either way.
	Degraded bool
}

// GroupsUpdate is one emission of the per-property aggregation view.
type GroupsUpdate struct {
	Groups   []PropertyChatGroup
	Degraded bool
}

// Re-subscription policy for a stream that dies post-establishment. The
// first retry waits resubscribeBackoff; each further attempt doubles it.
const (
	resubscribeAttempts = 5
	resubscribeBackoff  = 250 * time.Millisecond
)

// Scope is the cancel handle for one open view. Stop is idempotent and
// synchronous: once it returns, no further callback fires.
type Scope struct {
	mu     sync.Mutex
	state  ScopeState
	closed bool
	cancel context.CancelFunc

	authored []store.Message
	received []store.Message

	// fallback latches once any of the scope's streams is established via
	// the unordered query path; downStreams counts streams currently lost
	// and awaiting re-subscription.
	fallback    bool
	downStreams int

	emit   func(sc *Scope) // called with mu held
	logger *zap.Logger
}

// Stop cancels both underlying subscriptions and releases the scope's
// buffers. Safe to call multiple times and safe mid-establishment.
func (sc *Scope) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.closed = true
	sc.cancel()
	sc.setStateLocked(Closed)
	sc.authored, sc.received = nil, nil
}

// State reports the scope lifecycle state.
func (sc *Scope) State() ScopeState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

func (sc *Scope) degraded() bool {
	return sc.fallback || sc.downStreams > 0
}

func (sc *Scope) setStateLocked(to ScopeState) {
	next, err := transition(sc.state, to)
	if err != nil {
		// Unreachable in correct operation; surfaced loudly, not corrected.
		sc.logger.Error("scope state invariant violated", zap.Error(err))
		return
	}
	sc.state = next
}

// OpenThread delivers the merged, role-filtered one-to-one thread between
// the viewer and counterpart about one property, re-emitted on every
// change. onUpdate runs on the scope's goroutines, serialized per scope; it
// must not block and must not call back into the scope.
func (s *Session) OpenThread(ctx context.Context, counterpart, propertyID string, onUpdate func(ThreadUpdate)) (*Scope, error) {
	viewer := s.viewer
	emit := func(sc *Scope) {
		merged := Merge(sc.authored, sc.received)
		sc.checkOrder(merged)
		visible := liveOnly(VisibleTo(merged, viewer, counterpart, RoleParticipant))
		onUpdate(ThreadUpdate{Messages: visible, Degraded: sc.degraded()})
	}
	return s.openScope(ctx, store.Predicate{PropertyID: propertyID}, emit)
}

// OpenPropertyGroups delivers the viewer's full per-property aggregation:
// every property they participate in, one thread per counterpart, newest
// activity first. This is the owner view; the full merged set passes the
// visibility filter unrestricted.
func (s *Session) OpenPropertyGroups(ctx context.Context, onUpdate func(GroupsUpdate)) (*Scope, error) {
	viewer := s.viewer
	emit := func(sc *Scope) {
		merged := Merge(sc.authored, sc.received)
		sc.checkOrder(merged)
		visible := VisibleTo(merged, viewer, "", RoleOwner)
		onUpdate(GroupsUpdate{Groups: GroupByProperty(visible, viewer), Degraded: sc.degraded()})
	}
	return s.openScope(ctx, store.Predicate{}, emit)
}

// openScope establishes the dual subscription for a scope: messages the
// viewer authored and messages addressed to the viewer, both further
// restricted by base (property scoping). Establishment is synchronous so
// open failures surface to the caller after the fallback strategy has had
// its one substitution attempt.
func (s *Session) openScope(ctx context.Context, base store.Predicate, emit func(*Scope)) (*Scope, error) {
	ctx, cancel := context.WithCancel(ctx)
	strat := QueryStrategy{Source: s.store}

	authoredPred, receivedPred := base, base
	authoredPred.From = s.viewer
	receivedPred.To = s.viewer

	authoredCh, authoredFallback, err := strat.Open(ctx, authoredPred)
	if err != nil {
		cancel()
		return nil, err
	}
	receivedCh, receivedFallback, err := strat.Open(ctx, receivedPred)
	if err != nil {
		cancel()
		return nil, err
	}

	sc := &Scope{
		state:    Establishing,
		cancel:   cancel,
		fallback: authoredFallback || receivedFallback,
		emit:     emit,
		logger:   s.logger,
	}
	sc.mu.Lock()
	if sc.fallback {
		sc.setStateLocked(Degraded)
		s.logger.Warn("scope established via fallback query path")
	} else {
		sc.setStateLocked(Live)
	}
	sc.mu.Unlock()

	go sc.run(ctx, strat, authoredPred, authoredCh, func(sc *Scope, snap []store.Message) { sc.authored = snap })
	go sc.run(ctx, strat, receivedPred, receivedCh, func(sc *Scope, snap []store.Message) { sc.received = snap })

	return sc, nil
}

// run drives one of the scope's two streams for the scope's whole lifetime.
// Receive, recompute and emit form a critical section per scope: two
// near-simultaneous snapshot deliveries can never race two different merged
// orders to the subscriber. When the stream dies with the scope still open,
// the scope keeps serving last-known-good state, marks itself degraded, and
// re-subscribes with backoff; a successful re-subscription brings the scope
// back to Live.
func (sc *Scope) run(ctx context.Context, strat QueryStrategy, pred store.Predicate, ch <-chan []store.Message, apply func(*Scope, []store.Message)) {
	for {
		for snap := range ch {
			sc.mu.Lock()
			if sc.closed {
				sc.mu.Unlock()
				return
			}
			apply(sc, snap)
			sc.emit(sc)
			sc.mu.Unlock()
		}

		sc.mu.Lock()
		if sc.closed || ctx.Err() != nil {
			sc.mu.Unlock()
			return
		}
		sc.downStreams++
		sc.setStateLocked(Degraded)
		sc.logger.Warn("subscription stream ended, scope degraded")
		sc.emit(sc)
		sc.mu.Unlock()

		ch = sc.reestablish(ctx, strat, pred)
		if ch == nil {
			return
		}
	}
}

// reestablish retries the subscription a bounded number of times. On
// success the lost-stream count drops and, unless the scope is still
// degraded for another reason, the scope transitions back to Live.
func (sc *Scope) reestablish(ctx context.Context, strat QueryStrategy, pred store.Predicate) <-chan []store.Message {
	delay := resubscribeBackoff
	for attempt := 1; attempt <= resubscribeAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2

		next, fellBack, err := strat.Open(ctx, pred)
		if err != nil {
			sc.logger.Warn("re-subscribe failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		sc.mu.Lock()
		if sc.closed {
			sc.mu.Unlock()
			return nil
		}
		sc.downStreams--
		if fellBack {
			sc.fallback = true
		}
		if !sc.degraded() {
			sc.setStateLocked(Live)
		}
		sc.logger.Info("subscription re-established", zap.Int("attempt", attempt))
		sc.mu.Unlock()
		return next
	}

	sc.logger.Error("subscription re-subscribe attempts exhausted",
		zap.Error(E(KindTransientStore, "re-establish subscription", nil)))
	return nil
}

func (sc *Scope) checkOrder(merged []store.Message) {
	if !ordered(merged) {
		sc.logger.Error("merge order invariant violated",
			zap.Error(E(KindInvariant, "merged scope out of order", nil)))
	}
}

// MarkRead bulk-transitions every unread message from counterpart to the
// viewer on the property. Idempotent: zero matches is a successful no-op.
// Both scope arguments are required; an empty counterpart or property would
// widen the predicate to the viewer's entire unread state.
// The denormalized summary counter is updated best-effort afterwards.
func (s *Session) MarkRead(ctx context.Context, counterpart, propertyID string) (int, error) {
	if counterpart == "" || propertyID == "" {
		return 0, errors.New("mark read: counterpart and property id are required")
	}
	n, err := s.store.BulkSetRead(ctx, store.Predicate{
		From:       counterpart,
		To:         s.viewer,
		PropertyID: propertyID,
	})
	if err != nil {
		return 0, E(KindTransientStore, "mark read", err)
	}
	if n > 0 && s.summaries != nil {
		go s.decrementSummary(counterpart, propertyID, n)
	}
	return n, nil
}

func (s *Session) decrementSummary(counterpart, propertyID string, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.summaries.UpsertSummary(ctx, store.SummaryUpdate{
		Key:          store.Key(s.viewer, counterpart, propertyID),
		PropertyID:   propertyID,
		Participants: store.Participants(s.viewer, counterpart),
		UnreadDelta:  -n,
	})
	if err != nil {
		s.logger.Warn("summary update skipped",
			zap.Error(E(KindSummaryWrite, "decrement unread", err)))
	}
}

// UnreadCount is the authoritative per-scope unread derivation, recomputed
// from current message state on every call.
func (s *Session) UnreadCount(ctx context.Context, counterpart, propertyID string) (int, error) {
	n, err := s.store.CountWhere(ctx, store.Predicate{
		From:       counterpart,
		To:         s.viewer,
		PropertyID: propertyID,
		Unread:     true,
	})
	if err != nil {
		return 0, E(KindTransientStore, "unread count", err)
	}
	return n, nil
}

// UnreadTotal is the pull-based global badge total across all of the
// viewer's scopes. Eventually consistent by contract: it refreshes only
// when pulled, never from the merge pipeline.
func (s *Session) UnreadTotal(ctx context.Context) (int, error) {
	n, err := s.store.CountWhere(ctx, store.Predicate{To: s.viewer, Unread: true})
	if err != nil {
		return 0, E(KindTransientStore, "unread total", err)
	}
	return n, nil
}
