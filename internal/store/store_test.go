package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"homechat/internal/bus"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func appendMsg(t *testing.T, db *DB, from, to, property, text string) string {
	t.Helper()
	id, err := db.Append(context.Background(), &Message{
		From: from, To: to, PropertyID: property, Text: text,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestKeySymmetry(t *testing.T) {
	pairs := [][3]string{
		{"alice", "bob", "prop-1"},
		{"bob", "alice", "prop-1"},
		{"z", "a", "p"},
		{"u1", "u1", "p"},
	}
	for _, p := range pairs {
		if Key(p[0], p[1], p[2]) != Key(p[1], p[0], p[2]) {
			t.Errorf("Key(%q,%q,%q) not symmetric", p[0], p[1], p[2])
		}
	}
	if Key("alice", "bob", "p1") == Key("alice", "bob", "p2") {
		t.Error("keys for different properties must differ")
	}
}

func TestAppendAssignsFields(t *testing.T) {
	db := testDB(t)

	m := &Message{From: "buyer", To: "seller", PropertyID: "p1", Text: "hi"}
	id, err := db.Append(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || m.ID != id {
		t.Errorf("Append did not assign id: %q / %q", id, m.ID)
	}
	if m.Timestamp == 0 {
		t.Error("Append did not assign timestamp")
	}
	if m.ConversationKey != Key("buyer", "seller", "p1") {
		t.Errorf("conversation key = %q", m.ConversationKey)
	}
	if m.Read {
		t.Error("new message must start unread")
	}
}

func TestAppendRejectsSelfMessage(t *testing.T) {
	db := testDB(t)
	_, err := db.Append(context.Background(), &Message{From: "u1", To: "u1", PropertyID: "p1", Text: "hi"})
	if err == nil {
		t.Error("expected error for self-addressed message")
	}
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	db := testDB(t)
	appendMsg(t, db, "buyer", "seller", "p1", "one")
	appendMsg(t, db, "seller", "buyer", "p1", "two")
	appendMsg(t, db, "buyer", "seller", "p2", "other property")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := db.Subscribe(ctx, Predicate{From: "buyer", PropertyID: "p1"}, true)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].Text != "one" {
			t.Errorf("snapshot = %+v, want single buyer->seller p1 message", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}
}

func TestSubscribeEmitsOnChange(t *testing.T) {
	db := testDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := db.Subscribe(ctx, Predicate{To: "seller", PropertyID: "p1"}, true)
	if err != nil {
		t.Fatal(err)
	}
	<-ch // initial empty snapshot

	appendMsg(t, db, "buyer", "seller", "p1", "hello")

	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].Text != "hello" {
			t.Errorf("snapshot = %+v, want appended message", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change snapshot")
	}
}

func TestSubscribeIgnoresUnrelatedChanges(t *testing.T) {
	db := testDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := db.Subscribe(ctx, Predicate{PropertyID: "p1"}, true)
	if err != nil {
		t.Fatal(err)
	}
	<-ch

	appendMsg(t, db, "buyer", "seller", "p2", "elsewhere")

	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot for unrelated property: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeChannelClosesOnCancel(t *testing.T) {
	db := testDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := db.Subscribe(ctx, Predicate{PropertyID: "p1"}, true)
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A snapshot may have been in flight; the next receive must
			// observe the close.
			if _, ok := <-ch; ok {
				t.Error("channel still open after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestBulkSetReadIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	appendMsg(t, db, "buyer", "seller", "p1", "one")
	appendMsg(t, db, "buyer", "seller", "p1", "two")
	appendMsg(t, db, "seller", "buyer", "p1", "reply")

	pred := Predicate{From: "buyer", To: "seller", PropertyID: "p1"}
	n, err := db.BulkSetRead(ctx, pred)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("first BulkSetRead = %d, want 2", n)
	}

	n, err = db.BulkSetRead(ctx, pred)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second BulkSetRead = %d, want 0 (idempotent)", n)
	}

	// Reply direction untouched.
	unread, err := db.CountWhere(ctx, Predicate{To: "buyer", Unread: true})
	if err != nil {
		t.Fatal(err)
	}
	if unread != 1 {
		t.Errorf("buyer unread = %d, want 1", unread)
	}
}

func TestBulkSetReadSkipsTombstoned(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := appendMsg(t, db, "buyer", "seller", "p1", "soon gone")
	appendMsg(t, db, "buyer", "seller", "p1", "stays")

	if err := db.Tombstone(ctx, id); err != nil {
		t.Fatal(err)
	}

	n, err := db.BulkSetRead(ctx, Predicate{From: "buyer", To: "seller", PropertyID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("BulkSetRead = %d, want 1 (tombstoned row never transitions)", n)
	}
}

func TestCountWhereExcludesTombstoned(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := appendMsg(t, db, "buyer", "seller", "p1", "soon gone")
	appendMsg(t, db, "buyer", "seller", "p1", "stays")

	if err := db.Tombstone(ctx, id); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountWhere(ctx, Predicate{To: "seller", Unread: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread count = %d, want 1 (tombstoned excluded)", n)
	}
}

func TestTombstoneKeepsRowInLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := appendMsg(t, db, "buyer", "seller", "p1", "hi")

	if err := db.Tombstone(ctx, id); err != nil {
		t.Fatal(err)
	}

	ch, err := db.Subscribe(ctx, Predicate{PropertyID: "p1"}, true)
	if err != nil {
		t.Fatal(err)
	}
	snap := <-ch
	if len(snap) != 1 || !snap[0].Deleted {
		t.Errorf("snapshot = %+v, want tombstoned row still present", snap)
	}
}

func TestUpsertSummaryAccumulates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	key := Key("buyer", "seller", "p1")

	u := SummaryUpdate{
		Key: key, PropertyID: "p1",
		Participants:    Participants("seller", "buyer"),
		LastMessageText: "hi", LastMessageTime: 100, UnreadDelta: 1,
	}
	if err := db.UpsertSummary(ctx, u); err != nil {
		t.Fatal(err)
	}
	u.LastMessageText = "again"
	u.LastMessageTime = 200
	if err := db.UpsertSummary(ctx, u); err != nil {
		t.Fatal(err)
	}

	sums, err := db.querySummaries(ctx, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	s := sums[0]
	if s.UnreadCount != 2 || s.LastMessageText != "again" || s.LastMessageTime != 200 {
		t.Errorf("summary = %+v, want accumulated unread and latest text", s)
	}
	if s.Participants != [2]string{"buyer", "seller"} {
		t.Errorf("participants = %v, want canonical order", s.Participants)
	}
}

func TestUpsertSummaryIgnoresStaleLastMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	key := Key("buyer", "seller", "p1")

	fresh := SummaryUpdate{Key: key, PropertyID: "p1", Participants: Participants("buyer", "seller"), LastMessageText: "new", LastMessageTime: 500}
	stale := SummaryUpdate{Key: key, PropertyID: "p1", Participants: Participants("buyer", "seller"), LastMessageText: "old", LastMessageTime: 100}
	if err := db.UpsertSummary(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertSummary(ctx, stale); err != nil {
		t.Fatal(err)
	}

	sums, err := db.querySummaries(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if sums[0].LastMessageText != "new" || sums[0].LastMessageTime != 500 {
		t.Errorf("summary = %+v, want newest message retained", sums[0])
	}
}
