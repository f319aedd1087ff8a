// Package session tracks which conversation the client is attached to.
package session

import (
	"context"
	"sync"
)

// Mode is the client's conversation mode. Exactly one is active at a time.
type Mode int

const (
	Idle Mode = iota
	Single
	Room
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case Idle:
		return "IDLE"
	case Single:
		return "SINGLE"
	case Room:
		return "ROOM"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a consistent copy of the session.
type Snapshot struct {
	Mode Mode
	// ChatID is the single conversation id or the room id.
	ChatID string
	// CharacterID is set in Single mode only.
	CharacterID string
}

// State is the mutable session. The zero value is an idle session.
type State struct {
	mu          sync.Mutex
	mode        Mode
	chatID      string
	characterID string
	busy        bool
	// epoch changes on Reset so a transition started before it cannot apply.
	epoch uint64
}

// New creates an idle session.
func New() *State {
	return &State{}
}

// begin checks the mode and marks a transition in flight. It returns the
// epoch the transition belongs to.
func (s *State) begin(op string, want Mode, sentinel error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return 0, &StateError{Op: op, Mode: s.mode, Want: want, Err: ErrBusy}
	}
	if s.mode != want {
		return 0, &StateError{Op: op, Mode: s.mode, Want: want, Err: sentinel}
	}
	s.busy = true
	return s.epoch, nil
}

// end finishes the transition of epoch and runs apply. It reports false,
// without touching the state, when a Reset happened in between.
func (s *State) end(epoch uint64, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.busy = false
	if apply != nil {
		apply()
	}
	return true
}

// ConnectSingle attaches to a character's conversation. open runs only when the
// session is idle and returns the conversation id to remember.
func (s *State) ConnectSingle(ctx context.Context, characterID string, open func(ctx context.Context) (string, error)) error {
	epoch, err := s.begin("connect_single", Idle, ErrAlreadyConnected)
	if err != nil {
		return err
	}

	chatID, err := open(ctx)
	if err != nil {
		s.end(epoch, nil)
		return err
	}
	applied := s.end(epoch, func() {
		s.mode = Single
		s.chatID = chatID
		s.characterID = characterID
	})
	if !applied {
		return &StateError{Op: "connect_single", Mode: Idle, Want: Idle, Err: ErrInterrupted}
	}
	return nil
}

// ConnectRoom attaches to a room. subscribe runs only when the session is idle.
func (s *State) ConnectRoom(ctx context.Context, roomID string, subscribe func(ctx context.Context) error) error {
	epoch, err := s.begin("connect_room", Idle, ErrAlreadyConnected)
	if err != nil {
		return err
	}

	if err := subscribe(ctx); err != nil {
		s.end(epoch, nil)
		return err
	}
	applied := s.end(epoch, func() {
		s.mode = Room
		s.chatID = roomID
		s.characterID = ""
	})
	if !applied {
		return &StateError{Op: "connect_room", Mode: Idle, Want: Idle, Err: ErrInterrupted}
	}
	return nil
}

// DisconnectSingle detaches from the character conversation.
func (s *State) DisconnectSingle() error {
	epoch, err := s.begin("disconnect_single", Single, ErrNotConnected)
	if err != nil {
		return err
	}
	s.end(epoch, s.reset)
	return nil
}

// DisconnectRoom leaves the room. unsubscribe runs only in Room mode; the
// session stays in the room if it fails.
func (s *State) DisconnectRoom(ctx context.Context, unsubscribe func(ctx context.Context, roomID string) error) error {
	epoch, err := s.begin("disconnect_room", Room, ErrNotConnected)
	if err != nil {
		return err
	}

	s.mu.Lock()
	roomID := s.chatID
	s.mu.Unlock()

	if err := unsubscribe(ctx, roomID); err != nil {
		s.end(epoch, nil)
		return err
	}
	// a Reset in between already left the room
	s.end(epoch, s.reset)
	return nil
}

// Reset returns to Idle unconditionally. A transition still in flight fails
// with ErrInterrupted instead of applying.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.busy = false
	s.reset()
}

func (s *State) reset() {
	s.mode = Idle
	s.chatID = ""
	s.characterID = ""
}

// Snapshot returns the current session.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Mode: s.mode, ChatID: s.chatID, CharacterID: s.characterID}
}

// SetChat replaces the conversation id while in Single mode and reports whether it did.
func (s *State) SetChat(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Single {
		return false
	}
	s.chatID = chatID
	return true
}

// ResolveChat returns chatID if set, otherwise the session's conversation.
func (s *State) ResolveChat(chatID string) (string, error) {
	if chatID != "" {
		return chatID, nil
	}
	snap := s.Snapshot()
	if snap.ChatID == "" {
		return "", ErrNoConversation
	}
	return snap.ChatID, nil
}

// Resolve fills missing ids from the single conversation. Explicit ids win.
func (s *State) Resolve(chatID, characterID string) (string, string, error) {
	if chatID == "" || characterID == "" {
		snap := s.Snapshot()
		if snap.Mode == Single {
			if chatID == "" {
				chatID = snap.ChatID
			}
			if characterID == "" {
				characterID = snap.CharacterID
			}
		}
	}
	if chatID == "" || characterID == "" {
		return "", "", ErrNoConversation
	}
	return chatID, characterID, nil
}

// Room returns the active room id.
func (s *State) Room(op string) (string, error) {
	snap := s.Snapshot()
	if snap.Mode != Room {
		return "", &StateError{Op: op, Mode: snap.Mode, Want: Room, Err: ErrNotConnected}
	}
	return snap.ChatID, nil
}
