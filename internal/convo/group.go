package convo

import (
	"sort"

	"homechat/internal/store"
)

// Thread is one counterpart's conversation cell inside a property group.
type Thread struct {
	Counterpart string
	Key         string
	Messages    []store.Message
	LastMessage store.Message
	Unread      int
}

// PropertyChatGroup is the per-property aggregation of every counterpart
// thread the viewer participates in. For a property owner the threads span
// all interested buyers; for a buyer there is exactly one thread per
// property (the owner's). View model only, never persisted.
type PropertyChatGroup struct {
	PropertyID   string
	Threads      []Thread
	LastActivity int64
}

// GroupByProperty partitions a merged viewer-wide message list into ordered
// property groups, each holding per-counterpart threads. Tombstoned messages
// are dropped first, so a cell whose messages are all tombstoned is omitted
// entirely rather than emitted empty. Groups are ordered by their newest
// activity descending; threads within a group likewise.
func GroupByProperty(msgs []store.Message, viewer string) []PropertyChatGroup {
	type cellKey struct {
		property    string
		counterpart string
	}
	cells := make(map[cellKey][]store.Message)

	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		var counterpart string
		switch viewer {
		case m.From:
			counterpart = m.To
		case m.To:
			counterpart = m.From
		default:
			// Not the viewer's message; property-wide streams are already
			// scoped to the viewer, so this should not happen.
			continue
		}
		k := cellKey{property: m.PropertyID, counterpart: counterpart}
		cells[k] = append(cells[k], m)
	}

	groups := make(map[string]*PropertyChatGroup)
	for k, cellMsgs := range cells {
		sortMessages(cellMsgs)
		t := Thread{
			Counterpart: k.counterpart,
			Key:         store.Key(viewer, k.counterpart, k.property),
			Messages:    cellMsgs,
			LastMessage: cellMsgs[len(cellMsgs)-1],
			Unread:      UnreadIn(cellMsgs, viewer, k.counterpart),
		}

		g, ok := groups[k.property]
		if !ok {
			g = &PropertyChatGroup{PropertyID: k.property}
			groups[k.property] = g
		}
		g.Threads = append(g.Threads, t)
		if t.LastMessage.Timestamp > g.LastActivity {
			g.LastActivity = t.LastMessage.Timestamp
		}
	}

	out := make([]PropertyChatGroup, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.Threads, func(i, j int) bool {
			a, b := g.Threads[i].LastMessage, g.Threads[j].LastMessage
			if a.Timestamp != b.Timestamp {
				return a.Timestamp > b.Timestamp
			}
			return a.ID > b.ID
		})
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].PropertyID < out[j].PropertyID
	})
	return out
}
