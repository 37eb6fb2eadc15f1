package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// StoreChange is the payload for "store.changed" events published by the
// sqlite store after every mutation. Subscriptions use the fields to decide
// whether their predicate could be affected before re-querying.
type StoreChange struct {
	ConversationKey string
	PropertyID      string
	From            string
	To              string
}
