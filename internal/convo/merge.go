// Package convo is the conversation aggregation engine: it reconciles the
// two live snapshot streams of a viewer (messages they authored and messages
// addressed to them) into deduplicated, chronologically ordered thread and
// per-property group views, tracks read state, and degrades transparently
// when the store cannot serve an ordered query.
package convo

import (
	"sort"

	"homechat/internal/store"
)

// Merge unions two full-state snapshots of the same scope, deduplicates by
// message ID and orders by (timestamp, id); the ID breaks ties when the
// store's clock resolution collapses concurrent writes onto one timestamp.
// Pure: inputs are read, never mutated, and the same inputs always produce
// the same output.
func Merge(authored, received []store.Message) []store.Message {
	merged := make([]store.Message, 0, len(authored)+len(received))
	seen := make(map[string]struct{}, len(authored)+len(received))
	for _, snap := range [2][]store.Message{authored, received} {
		for _, m := range snap {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	sortMessages(merged)
	return merged
}

// Normalize deduplicates and orders a single unordered snapshot. The
// fallback query path runs every raw retrieval through it so callers cannot
// distinguish fallback output from the server-ordered path.
func Normalize(msgs []store.Message) []store.Message {
	return Merge(msgs, nil)
}

func sortMessages(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// ordered reports whether msgs is strictly non-decreasing in (timestamp, id)
// with no duplicate IDs. A false result downstream of Merge is an invariant
// violation.
func ordered(msgs []store.Message) bool {
	seen := make(map[string]struct{}, len(msgs))
	for i, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			return false
		}
		seen[m.ID] = struct{}{}
		if i == 0 {
			continue
		}
		prev := msgs[i-1]
		if m.Timestamp < prev.Timestamp {
			return false
		}
		if m.Timestamp == prev.Timestamp && m.ID <= prev.ID {
			return false
		}
	}
	return true
}

// liveOnly filters tombstoned messages out of a view. The log keeps them;
// no emitted view shows them.
func liveOnly(msgs []store.Message) []store.Message {
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}
