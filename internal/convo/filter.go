package convo

import "homechat/internal/store"

// Role declares how a viewer relates to a property when reading its
// messages.
type Role string

const (
	// RoleOwner is the property owner: the full per-property message set
	// passes through unrestricted (they see every buyer's exchange).
	RoleOwner Role = "owner"
	// RoleParticipant is a non-owner: only their own pairwise exchange with
	// the declared counterpart is visible.
	RoleParticipant Role = "participant"
)

// VisibleTo produces the role-scoped view of a merged, property-wide message
// list. Read-only: the same cached merged stream can back any number of
// simultaneous role-scoped views without re-subscribing.
func VisibleTo(msgs []store.Message, viewer, counterpart string, role Role) []store.Message {
	if role == RoleOwner {
		return msgs
	}
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if (m.From == viewer && m.To == counterpart) || (m.From == counterpart && m.To == viewer) {
			out = append(out, m)
		}
	}
	return out
}

// UnreadIn derives the authoritative unread count for a scope directly from
// message state: messages addressed to the viewer by the counterpart, not
// yet read, not tombstoned.
func UnreadIn(msgs []store.Message, viewer, counterpart string) int {
	n := 0
	for _, m := range msgs {
		if m.To == viewer && m.From == counterpart && !m.Read && !m.Deleted {
			n++
		}
	}
	return n
}
