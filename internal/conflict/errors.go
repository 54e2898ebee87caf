package conflict

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeViolation means a Guard check was attempted without a nest id.
	// This is a programming error: the check refuses to read anything rather
	// than scan across nests.
	ErrScopeViolation = errors.New("conflict check without nest scope")

	// ErrMalformedCandidate rejects candidates before any interval math.
	ErrMalformedCandidate = errors.New("malformed candidate event")

	// ErrStatusUnknown is matched by *UnknownError. It is distinct from a
	// clean negative result.
	ErrStatusUnknown = errors.New("conflict status unknown")
)

// UnknownError wraps a persistence failure during a Guard check.
type UnknownError struct {
	GroupID string
	Cause   error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("conflict status unknown for nest %s: %v", e.GroupID, e.Cause)
}

func (e *UnknownError) Unwrap() error {
	return e.Cause
}

func (e *UnknownError) Is(target error) bool {
	return target == ErrStatusUnknown
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedCandidate, reason)
}
