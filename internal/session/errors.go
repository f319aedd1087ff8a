package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyConnected is returned when connecting while another mode is active.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned when disconnecting a mode that is not active.
	ErrNotConnected = errors.New("not connected")

	// ErrBusy is returned while another connect or disconnect is in flight.
	ErrBusy = errors.New("session transition in progress")

	// ErrInterrupted is returned by a connect that lost a race with Reset.
	ErrInterrupted = errors.New("session reset during transition")

	// ErrNoConversation is returned when an operation needs a conversation and none is known.
	ErrNoConversation = errors.New("no active conversation")
)

// StateError reports a call made in the wrong session mode.
type StateError struct {
	Op   string
	Mode Mode
	Want Mode
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (mode %s, want %s)", e.Op, e.Err, e.Mode, e.Want)
}

// Unwrap returns the underlying sentinel.
func (e *StateError) Unwrap() error {
	return e.Err
}
