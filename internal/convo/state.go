package convo

import "fmt"

// ScopeState describes the lifecycle of one live subscription scope.
type ScopeState string

const (
	// Establishing: subscriptions are being set up (possibly mid-fallback).
	Establishing ScopeState = "ESTABLISHING"
	// Live: both streams healthy, server-ordered path in use.
	Live ScopeState = "LIVE"
	// Degraded: serving from the fallback query path or from a single
	// surviving stream; output contract unchanged.
	Degraded ScopeState = "DEGRADED"
	// Closed: scope stopped; no further emissions.
	Closed ScopeState = "CLOSED"
)

var validTransitions = map[ScopeState][]ScopeState{
	Establishing: {Live, Degraded, Closed},
	Live:         {Degraded, Closed},
	Degraded:     {Live, Closed},
	Closed:       {},
}

// transition enforces the scope lifecycle. An invalid transition is an
// engine bug and is reported as a KindInvariant error; the state is left
// unchanged rather than silently corrected.
func transition(from, to ScopeState) (ScopeState, error) {
	if from == to {
		return from, nil
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, E(KindInvariant, fmt.Sprintf("scope transition %s -> %s", from, to), nil)
}
