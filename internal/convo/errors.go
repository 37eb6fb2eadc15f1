package convo

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can decide per kind whether to
// retry, ignore, or alert.
type Kind string

const (
	// KindTransientStore is a retryable store failure; the engine keeps its
	// last-known-good state and recovers when the store does.
	KindTransientStore Kind = "TRANSIENT_STORE"
	// KindUnsupportedQuery means the ordered query could not be
	// established. It triggers exactly one fallback substitution, never a
	// retry loop.
	KindUnsupportedQuery Kind = "UNSUPPORTED_QUERY"
	// KindSummaryWrite is a failed denormalized summary write. Logged,
	// never propagated to the sender.
	KindSummaryWrite Kind = "SUMMARY_WRITE"
	// KindInvariant marks conditions that are unreachable in correct
	// operation, such as a scope producing non-monotonic order.
	KindInvariant Kind = "INVARIANT"
)

// Error is a tagged engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and the failing operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
