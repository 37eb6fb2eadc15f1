// Package send is the write path: durably append a message and ride a
// best-effort summary update along with it.
package send

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"homechat/internal/convo"
	"homechat/internal/store"
)

// summaryTimeout bounds the detached summary write; the appended message is
// already durable by then, so a slow cache must not hold anything up.
const summaryTimeout = 5 * time.Second

// ErrEmptyMessage rejects sends with no body before they reach the store.
var ErrEmptyMessage = errors.New("message text is empty")

// Sender validates and appends outbound messages. The append is
// authoritative; the conversation summary upsert that follows is
// fire-and-forget and its failure is only logged.
type Sender struct {
	store     store.Store
	summaries store.SummaryStore // optional
	logger    *zap.Logger
}

func New(st store.Store, summaries store.SummaryStore, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{store: st, summaries: summaries, logger: logger}
}

// Send appends a message from -> to about propertyID and returns the
// assigned message ID. The recipient's summary unread counter is bumped
// asynchronously.
func (s *Sender) Send(ctx context.Context, from, to, propertyID, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}

	m := &store.Message{
		From:       from,
		To:         to,
		PropertyID: propertyID,
		Text:       text,
	}
	id, err := s.store.Append(ctx, m)
	if err != nil {
		return "", convo.E(convo.KindTransientStore, "append message", err)
	}

	if s.summaries != nil {
		go s.bumpSummary(*m)
	}
	return id, nil
}

func (s *Sender) bumpSummary(m store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	err := s.summaries.UpsertSummary(ctx, store.SummaryUpdate{
		Key:             store.Key(m.From, m.To, m.PropertyID),
		PropertyID:      m.PropertyID,
		Participants:    store.Participants(m.From, m.To),
		LastMessageText: m.Text,
		LastMessageTime: m.Timestamp,
		UnreadDelta:     1,
	})
	if err != nil {
		s.logger.Warn("summary update skipped",
			zap.String("conversation", store.Key(m.From, m.To, m.PropertyID)),
			zap.Error(convo.E(convo.KindSummaryWrite, "bump unread", err)))
	}
}
