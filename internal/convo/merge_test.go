package convo

import (
	"reflect"
	"testing"

	"homechat/internal/store"
)

func msg(id string, ts int64, from, to, property string) store.Message {
	return store.Message{
		ID:              id,
		ConversationKey: store.Key(from, to, property),
		PropertyID:      property,
		From:            from,
		To:              to,
		Text:            "m-" + id,
		Timestamp:       ts,
	}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMergeDeterministicAcrossInterleavings(t *testing.T) {
	a := msg("a", 100, "buyer1", "seller", "p1")
	b := msg("b", 200, "seller", "buyer1", "p1")
	c := msg("c", 300, "buyer1", "seller", "p1")
	d := msg("d", 400, "seller", "buyer1", "p1")

	splits := [][2][]store.Message{
		{{a, c}, {b, d}},
		{{b, d}, {a, c}},
		{{a, b, c, d}, nil},
		{{d, c}, {b, a}},
		{{a, b}, {a, b, c, d}},
	}

	want := []string{"a", "b", "c", "d"}
	for i, split := range splits {
		got := ids(Merge(split[0], split[1]))
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split %d: got %v, want %v", i, got, want)
		}
	}
}

func TestMergeBreaksTimestampTiesByID(t *testing.T) {
	x := msg("x", 500, "buyer1", "seller", "p1")
	w := msg("w", 500, "seller", "buyer1", "p1")

	got := ids(Merge([]store.Message{x}, []store.Message{w}))
	want := []string{"w", "x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergeDropsDuplicateIDs(t *testing.T) {
	a := msg("a", 100, "buyer1", "seller", "p1")
	dup := a
	dup.Text = "stale copy"

	merged := Merge([]store.Message{a}, []store.Message{dup})
	if len(merged) != 1 {
		t.Fatalf("got %d messages, want 1", len(merged))
	}
	if merged[0].Text != a.Text {
		t.Fatalf("duplicate won over first occurrence: %q", merged[0].Text)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	authored := []store.Message{
		msg("c", 300, "buyer1", "seller", "p1"),
		msg("a", 100, "buyer1", "seller", "p1"),
	}
	received := []store.Message{msg("b", 200, "seller", "buyer1", "p1")}
	authoredBefore := append([]store.Message(nil), authored...)
	receivedBefore := append([]store.Message(nil), received...)

	Merge(authored, received)

	if !reflect.DeepEqual(authored, authoredBefore) {
		t.Fatal("authored input mutated")
	}
	if !reflect.DeepEqual(received, receivedBefore) {
		t.Fatal("received input mutated")
	}
}

func TestNormalizeSorts(t *testing.T) {
	raw := []store.Message{
		msg("c", 300, "buyer1", "seller", "p1"),
		msg("a", 100, "buyer1", "seller", "p1"),
		msg("b", 200, "seller", "buyer1", "p1"),
	}
	got := ids(Normalize(raw))
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !ordered(Normalize(raw)) {
		t.Fatal("normalized output not ordered")
	}
}

func TestOrderedRejectsDuplicatesAndDisorder(t *testing.T) {
	a := msg("a", 100, "buyer1", "seller", "p1")
	b := msg("b", 200, "seller", "buyer1", "p1")

	if !ordered([]store.Message{a, b}) {
		t.Fatal("sorted pair reported unordered")
	}
	if ordered([]store.Message{b, a}) {
		t.Fatal("reversed pair reported ordered")
	}
	if ordered([]store.Message{a, a}) {
		t.Fatal("duplicate IDs reported ordered")
	}
}
