// Package firestore implements the message store contract on Cloud
// Firestore. Unlike the sqlite store, live snapshots come straight from
// Firestore's watch API, and an ordered query can genuinely fail to
// establish when the composite index for (filter, order-by) is missing;
// that failure is surfaced as store.ErrUnsupportedQuery so the engine can
// fall back to an unordered retrieval.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	gfs "cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"homechat/internal/store"
)

const (
	messagesCollection  = "messages"
	summariesCollection = "summaries"
)

// Store is a Firestore-backed store.Store and store.SummaryStore.
type Store struct {
	client *gfs.Client
	logger *zap.Logger
}

// New connects to Firestore for the given project.
func New(ctx context.Context, projectID string, logger *zap.Logger) (*Store, error) {
	client, err := gfs.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

type fsMessage struct {
	ConversationKey string `firestore:"conversation_key"`
	PropertyID      string `firestore:"property_id"`
	From            string `firestore:"from"`
	To              string `firestore:"to"`
	Text            string `firestore:"text"`
	Read            bool   `firestore:"read"`
	Deleted         bool   `firestore:"deleted"`
	Timestamp       int64  `firestore:"timestamp"`
}

type fsSummary struct {
	PropertyID      string   `firestore:"property_id"`
	Participants    []string `firestore:"participants"`
	LastMessageText string   `firestore:"last_message_text"`
	LastMessageTime int64    `firestore:"last_message_at"`
	UnreadCount     int      `firestore:"unread_count"`
}

// Append durably writes a message, assigning ID, Timestamp and
// ConversationKey.
func (s *Store) Append(ctx context.Context, m *store.Message) (string, error) {
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
	m.ConversationKey = store.Key(m.From, m.To, m.PropertyID)

	_, err := s.client.Collection(messagesCollection).Doc(m.ID).Set(ctx, fsMessage{
		ConversationKey: m.ConversationKey,
		PropertyID:      m.PropertyID,
		From:            m.From,
		To:              m.To,
		Text:            m.Text,
		Timestamp:       m.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

// Subscribe establishes a live snapshot stream via Firestore's watch API.
// The first snapshot is awaited synchronously so index problems surface as
// establishment errors rather than mid-stream failures.
func (s *Store) Subscribe(ctx context.Context, p store.Predicate, ordered bool) (<-chan []store.Message, error) {
	q := s.predicateQuery(p)
	if ordered {
		q = q.OrderBy("timestamp", gfs.Asc)
	}

	it := q.Snapshots(ctx)
	first, err := it.Next()
	if err != nil {
		it.Stop()
		if ordered && grpcstatus.Code(err) == codes.FailedPrecondition {
			return nil, fmt.Errorf("%w: %v", store.ErrUnsupportedQuery, err)
		}
		return nil, fmt.Errorf("establish snapshot stream: %w", err)
	}

	snap, err := docsToMessages(first)
	if err != nil {
		it.Stop()
		return nil, err
	}

	out := make(chan []store.Message, 1)
	go func() {
		defer close(out)
		defer it.Stop()

		push(out, snap)
		for {
			qsnap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && s.logger != nil {
					s.logger.Warn("snapshot stream ended", zap.Error(err))
				}
				return
			}
			msgs, err := docsToMessages(qsnap)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("skipping malformed snapshot", zap.Error(err))
				}
				continue
			}
			push(out, msgs)
		}
	}()

	return out, nil
}

// BulkSetRead flags every matching live unread message read using a
// BulkWriter. Tombstoned messages never transition, matching the sqlite
// backend. The returned count reflects writes that actually succeeded.
func (s *Store) BulkSetRead(ctx context.Context, p store.Predicate) (int, error) {
	docs, err := s.predicateQuery(p).
		Where("read", "==", false).
		Where("deleted", "==", false).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("query unread messages: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*gfs.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Update(doc.Ref, []gfs.Update{{Path: "read", Value: true}})
		if err != nil {
			return 0, fmt.Errorf("queue read update: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	n := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if s.logger != nil {
				s.logger.Warn("read transition write failed", zap.Error(err))
			}
			continue
		}
		n++
	}
	return n, nil
}

// CountWhere counts live messages matching the predicate.
func (s *Store) CountWhere(ctx context.Context, p store.Predicate) (int, error) {
	docs, err := s.predicateQuery(p).Where("deleted", "==", false).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return len(docs), nil
}

// Tombstone flags a message deleted; the document stays in the collection.
func (s *Store) Tombstone(ctx context.Context, id string) error {
	_, err := s.client.Collection(messagesCollection).Doc(id).Update(ctx, []gfs.Update{
		{Path: "deleted", Value: true},
	})
	if err != nil {
		return fmt.Errorf("tombstone: %w", err)
	}
	return nil
}

// UpsertSummary transactionally folds one update into the summary cache.
func (s *Store) UpsertSummary(ctx context.Context, u store.SummaryUpdate) error {
	ref := s.client.Collection(summariesCollection).Doc(u.Key)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *gfs.Transaction) error {
		cur := fsSummary{
			PropertyID:   u.PropertyID,
			Participants: []string{u.Participants[0], u.Participants[1]},
		}
		doc, err := tx.Get(ref)
		if err == nil {
			if err := doc.DataTo(&cur); err != nil {
				return err
			}
		} else if grpcstatus.Code(err) != codes.NotFound {
			return err
		}

		if u.LastMessageTime >= cur.LastMessageTime {
			cur.LastMessageText = u.LastMessageText
			cur.LastMessageTime = u.LastMessageTime
		}
		cur.UnreadCount += u.UnreadDelta
		if cur.UnreadCount < 0 {
			cur.UnreadCount = 0
		}
		return tx.Set(ref, cur)
	})
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// SubscribeSummaries streams the participant's summaries, newest first.
// Ordering is applied client-side to avoid requiring a composite index on
// (participants, last_message_at).
func (s *Store) SubscribeSummaries(ctx context.Context, participant string) (<-chan []store.ConversationSummary, error) {
	q := s.client.Collection(summariesCollection).
		Where("participants", "array-contains", participant)

	it := q.Snapshots(ctx)
	first, err := it.Next()
	if err != nil {
		it.Stop()
		return nil, fmt.Errorf("establish summary stream: %w", err)
	}

	out := make(chan []store.ConversationSummary, 1)
	emit := func(qsnap *gfs.QuerySnapshot) {
		sums, err := docsToSummaries(qsnap)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping malformed summary snapshot", zap.Error(err))
			}
			return
		}
		push(out, sums)
	}

	go func() {
		defer close(out)
		defer it.Stop()

		emit(first)
		for {
			qsnap, err := it.Next()
			if err != nil {
				return
			}
			emit(qsnap)
		}
	}()

	return out, nil
}

func (s *Store) predicateQuery(p store.Predicate) gfs.Query {
	q := s.client.Collection(messagesCollection).Query
	if p.From != "" {
		q = q.Where("from", "==", p.From)
	}
	if p.To != "" {
		q = q.Where("to", "==", p.To)
	}
	if p.PropertyID != "" {
		q = q.Where("property_id", "==", p.PropertyID)
	}
	if p.Unread {
		q = q.Where("read", "==", false)
	}
	return q
}

func docsToMessages(qsnap *gfs.QuerySnapshot) ([]store.Message, error) {
	var msgs []store.Message
	for {
		doc, err := qsnap.Documents.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot documents: %w", err)
		}
		var fm fsMessage
		if err := doc.DataTo(&fm); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", doc.Ref.ID, err)
		}
		msgs = append(msgs, store.Message{
			ID:              doc.Ref.ID,
			ConversationKey: fm.ConversationKey,
			PropertyID:      fm.PropertyID,
			From:            fm.From,
			To:              fm.To,
			Text:            fm.Text,
			Read:            fm.Read,
			Deleted:         fm.Deleted,
			Timestamp:       fm.Timestamp,
		})
	}
	return msgs, nil
}

func docsToSummaries(qsnap *gfs.QuerySnapshot) ([]store.ConversationSummary, error) {
	var sums []store.ConversationSummary
	for {
		doc, err := qsnap.Documents.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read summary documents: %w", err)
		}
		var fs fsSummary
		if err := doc.DataTo(&fs); err != nil {
			return nil, fmt.Errorf("decode summary %s: %w", doc.Ref.ID, err)
		}
		s := store.ConversationSummary{
			Key:             doc.Ref.ID,
			PropertyID:      fs.PropertyID,
			LastMessageText: fs.LastMessageText,
			LastMessageTime: fs.LastMessageTime,
			UnreadCount:     fs.UnreadCount,
		}
		if len(fs.Participants) == 2 {
			s.Participants = store.Participants(fs.Participants[0], fs.Participants[1])
		}
		sums = append(sums, s)
	}
	sort.Slice(sums, func(i, j int) bool {
		return sums[i].LastMessageTime > sums[j].LastMessageTime
	})
	return sums, nil
}

// push replaces any stale buffered snapshot; only the latest state matters.
func push[T any](out chan []T, snap []T) {
	select {
	case <-out:
	default:
	}
	out <- snap
}
