package turn

import (
	"github.com/omochice/cai-socket/internal/correlator"
	"github.com/omochice/cai-socket/pkg/protocol"
)

// Rule selects which finalized turns complete a wait.
type Rule int

const (
	// Reply waits for a turn written by the character.
	Reply Rule = iota
	// Final waits for any finalized turn regardless of author.
	Final
)

// String returns the string representation of Rule
func (r Rule) String() string {
	switch r {
	case Reply:
		return "REPLY"
	case Final:
		return "FINAL"
	default:
		return "UNKNOWN"
	}
}

// Expect describes the turn a generation operation waits for.
type Expect struct {
	// Shape is protocol.ShapeTurn on the command socket and
	// protocol.ShapeRoomPush on the push socket.
	Shape protocol.Shape
	Rule  Rule

	// ChatID and TurnID narrow the wait when set.
	ChatID string
	TurnID string

	// RequestID lets a server error envelope echoing it fail the wait.
	RequestID string
}

// Predicate builds the correlator predicate for e.
func (e Expect) Predicate() correlator.Predicate {
	return func(f protocol.Frame) correlator.Verdict {
		if f.Turn == nil {
			if e.RequestID != "" && f.RequestID() == e.RequestID && f.ServerError() != nil {
				return correlator.Match
			}
			return correlator.Malformed
		}
		if f.Shape != e.Shape {
			return correlator.Malformed
		}

		tk := f.Turn.TurnKey
		if e.ChatID != "" && tk.ChatID != e.ChatID {
			return correlator.Continue
		}
		if e.TurnID != "" && tk.TurnID != e.TurnID {
			return correlator.Continue
		}
		if e.Rule == Reply && f.Turn.IsHuman() {
			return correlator.Continue
		}

		switch f.Phase {
		case protocol.PhaseFinalized:
			return correlator.Match
		case protocol.PhaseNone:
			// untracked stream
			if f.Turn.IsFinal() {
				return correlator.Match
			}
		}
		return correlator.Continue
	}
}

// ReplyOn waits for the character's finalized reply in the given shape.
func ReplyOn(shape protocol.Shape) Expect {
	return Expect{Shape: shape, Rule: Reply}
}

// FinalOn waits for any finalized turn in the given shape.
func FinalOn(shape protocol.Shape) Expect {
	return Expect{Shape: shape, Rule: Final}
}

// Scoped returns e narrowed to one chat and, optionally, one turn.
func (e Expect) Scoped(chatID, turnID string) Expect {
	e.ChatID = chatID
	e.TurnID = turnID
	return e
}
