package store

// Message is one entry in the append-only direct-message log. Immutable
// after Append except the Read flag (false -> true) and the Deleted
// tombstone; nothing is ever erased from the log.
type Message struct {
	ID              string
	ConversationKey string
	PropertyID      string
	From            string
	To              string
	Text            string
	Read            bool
	Deleted         bool
	Timestamp       int64 // unix milliseconds, store-assigned at write time
}

// ConversationSummary is the denormalized, best-effort cache of
// per-conversation metadata. Never authoritative; rebuildable from the
// message log at any time.
type ConversationSummary struct {
	Key             string
	PropertyID      string
	Participants    [2]string
	LastMessageText string
	LastMessageTime int64
	UnreadCount     int
}

// SummaryUpdate describes one upsert into the summary cache. UnreadDelta is
// applied additively; the resulting counter is explicitly lossy and is never
// reconciled against the per-message derivation.
type SummaryUpdate struct {
	Key             string
	PropertyID      string
	Participants    [2]string
	LastMessageText string
	LastMessageTime int64
	UnreadDelta     int
}
