// Package turn follows generation turns as their candidates stream in and
// supplies the predicates that wait for them to finish.
package turn

import (
	"sync"

	"github.com/omochice/cai-socket/pkg/protocol"
)

// DefaultLimit bounds how many finalized candidates and how many discarded
// turns a Tracker remembers.
const DefaultLimit = 4096

type candidateKey struct {
	chatID      string
	turnID      string
	candidateID string
}

// Tracker assigns a streaming phase to every turn-bearing frame.
//
// The first final observation of a candidate moves it to PhaseFinalized. After
// that every frame for the same candidate is PhaseStale, so finality is
// terminal. Turns marked discarded stay PhaseDiscarded.
type Tracker struct {
	limit int

	mu        sync.Mutex
	finalized map[candidateKey]struct{}
	order     []candidateKey
	discarded map[protocol.TurnKey]struct{}
	dropped   []protocol.TurnKey
}

// NewTracker creates a Tracker remembering up to limit finalized candidates
// and limit discarded turns, oldest evicted first.
// A non-positive limit means DefaultLimit.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Tracker{
		limit:     limit,
		finalized: make(map[candidateKey]struct{}),
		discarded: make(map[protocol.TurnKey]struct{}),
	}
}

// Observe sets f.Phase. Frames without a valid turn are left untouched.
func (t *Tracker) Observe(f *protocol.Frame) {
	if f.Turn == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tk := f.Turn.TurnKey
	if _, ok := t.discarded[tk]; ok {
		f.Phase = protocol.PhaseDiscarded
		return
	}

	key := candidateKey{chatID: tk.ChatID, turnID: tk.TurnID, candidateID: f.Turn.Lead().CandidateID}
	if _, ok := t.finalized[key]; ok {
		f.Phase = protocol.PhaseStale
		return
	}
	if !f.Turn.IsFinal() {
		f.Phase = protocol.PhaseStreaming
		return
	}

	t.finalized[key] = struct{}{}
	t.order = append(t.order, key)
	if len(t.order) > t.limit {
		delete(t.finalized, t.order[0])
		t.order = t.order[1:]
	}
	f.Phase = protocol.PhaseFinalized
}

// Discard marks turns removed by a delete; their later frames never finalize.
func (t *Tracker) Discard(chatID string, turnIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range turnIDs {
		key := protocol.TurnKey{ChatID: chatID, TurnID: id}
		if _, ok := t.discarded[key]; ok {
			continue
		}
		t.discarded[key] = struct{}{}
		t.dropped = append(t.dropped, key)
		if len(t.dropped) > t.limit {
			delete(t.discarded, t.dropped[0])
			t.dropped = t.dropped[1:]
		}
	}
}

// Reopen forgets the finalized candidates of a turn so that an edit or a
// regenerated candidate can finalize again.
func (t *Tracker) Reopen(chatID, turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.order[:0]
	for _, key := range t.order {
		if key.chatID == chatID && key.turnID == turnID {
			delete(t.finalized, key)
			continue
		}
		kept = append(kept, key)
	}
	t.order = kept
}

// Reset forgets every finalized candidate and discarded turn.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = make(map[candidateKey]struct{})
	t.order = nil
	t.discarded = make(map[protocol.TurnKey]struct{})
	t.dropped = nil
}

// Discarded returns how many turns are currently remembered as discarded.
func (t *Tracker) Discarded() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.discarded)
}

// Finalized returns how many candidates are currently remembered as final.
func (t *Tracker) Finalized() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.finalized)
}
