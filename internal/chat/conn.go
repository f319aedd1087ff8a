// Package chat holds the transport-neutral pieces shared by both chat service sockets.
package chat

import "context"

// TextConn is one duplex connection to the chat service. The service speaks
// JSON in text frames only; implementations drop any other data frame.
type TextConn interface {
	// ReadText returns the payload of the next text frame.
	// It returns io.EOF once the connection is closed.
	ReadText(ctx context.Context) ([]byte, error)

	// WriteText sends data as a single text frame.
	WriteText(ctx context.Context, data []byte) error

	Close() error

	// RemoteAddr names the peer in logs.
	RemoteAddr() string
}
