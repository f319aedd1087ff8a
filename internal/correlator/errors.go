package correlator

import "github.com/pkg/errors"

var (
	// ErrTimeout is returned when a pending operation's deadline elapses before a match.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionClosed is returned to every operation still pending when its connection closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrReleased is returned by Wait after the handle was released.
	ErrReleased = errors.New("operation released")
)
