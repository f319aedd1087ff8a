// Package protocol implements the wire format spoken on both chat service sockets.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrMalformed reports a frame that does not have the structure a decoder expected.
var ErrMalformed = errors.New("malformed frame")

// Keepalive is the empty-object probe the server sends and expects echoed verbatim.
var Keepalive = []byte("{}")

// IsKeepalive reports whether data is exactly the keepalive probe.
func IsKeepalive(data []byte) bool {
	return bytes.Equal(data, Keepalive)
}

// Shape represents what kind of structure an inbound frame carries.
type Shape int

const (
	ShapeOpaque Shape = iota
	ShapeTurn
	ShapeRoomPush
)

// String returns the string representation of Shape
func (s Shape) String() string {
	switch s {
	case ShapeOpaque:
		return "OPAQUE"
	case ShapeTurn:
		return "TURN"
	case ShapeRoomPush:
		return "ROOM_PUSH"
	default:
		return "UNKNOWN"
	}
}

// Phase is the streaming phase a turn-bearing frame moved its candidate into.
// It is filled in by the turn tracker before the frame reaches any predicate.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseStreaming
	PhaseFinalized
	PhaseStale
	PhaseDiscarded
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseStreaming:
		return "STREAMING"
	case PhaseFinalized:
		return "FINALIZED"
	case PhaseStale:
		return "STALE"
	case PhaseDiscarded:
		return "DISCARDED"
	default:
		return "UNKNOWN"
	}
}

// Frame is one inbound text frame together with its decoded view.
type Frame struct {
	Data []byte

	Shape   Shape
	Channel string // push channel, room push frames only
	Turn    *Turn
	Phase   Phase

	// Err is set when the frame is not JSON or carries a turn that fails validation.
	Err error
}

// String returns the raw frame text.
func (f Frame) String() string {
	return string(f.Data)
}

// Decode unmarshals the raw frame into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

// ServerError returns the failure envelope carried by the frame, or nil.
func (f Frame) ServerError() *ServerError {
	return detectServerError(f.Data)
}

// RequestID returns the top-level request_id echoed by the service, if any.
func (f Frame) RequestID() string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(f.Data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}

type roomPush struct {
	Channel string `json:"channel"`
	Pub     *struct {
		Data *struct {
			Turn *Turn `json:"turn"`
		} `json:"data"`
	} `json:"pub"`
}

// DecodeFrame classifies data as a single conversation turn frame, a room push
// frame wrapping a turn one level deeper, or an opaque frame.
func DecodeFrame(data []byte) Frame {
	f := Frame{Data: data}

	var probe struct {
		Turn *Turn     `json:"turn"`
		Push *roomPush `json:"push"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		f.Err = errors.Wrap(ErrMalformed, err.Error())
		return f
	}

	switch {
	case probe.Turn != nil:
		f.Shape = ShapeTurn
		f.Turn = probe.Turn
	case probe.Push != nil:
		f.Channel = probe.Push.Channel
		if probe.Push.Pub == nil || probe.Push.Pub.Data == nil || probe.Push.Pub.Data.Turn == nil {
			return f
		}
		f.Shape = ShapeRoomPush
		f.Turn = probe.Push.Pub.Data.Turn
	default:
		return f
	}

	if err := f.Turn.Validate(); err != nil {
		f.Err = err
		f.Turn = nil
	}
	return f
}
