package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition: from, to and event are required")
	ErrInvalidEvent      = errors.New("invalid fire: state and event are required")

	// ErrNoTransition means the table has no edge for the state/event pair.
	ErrNoTransition = errors.New("no transition")
	// ErrRejected means edges exist but every guard set refused.
	ErrRejected = errors.New("rejected by guards")
)

// TransitionError carries the pair that could not be fired. It unwraps to
// ErrNoTransition or ErrRejected.
type TransitionError struct {
	From  string
	Event string
	cause error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: state %q, event %q", e.cause, e.From, e.Event)
}

func (e *TransitionError) Unwrap() error { return e.cause }

func transitionError(from State, event Event, cause error) error {
	return &TransitionError{From: from.Name(), Event: event.Name(), cause: cause}
}
