package protocol

import (
	"github.com/pkg/errors"
)

// TurnKey identifies a turn inside a conversation.
type TurnKey struct {
	ChatID string `json:"chat_id"`
	TurnID string `json:"turn_id"`
}

// Author describes who wrote a turn.
type Author struct {
	AuthorID string `json:"author_id"`
	IsHuman  bool   `json:"is_human,omitempty"`
	Name     string `json:"name"`
}

// Candidate is one generated variant of a turn's content.
type Candidate struct {
	CandidateID     string `json:"candidate_id"`
	RawContent      string `json:"raw_content"`
	IsFinal         bool   `json:"is_final,omitempty"`
	TTIImageRelPath string `json:"tti_image_rel_path,omitempty"`
}

// Turn is one exchange in a conversation.
type Turn struct {
	TurnKey            TurnKey     `json:"turn_key"`
	Author             *Author     `json:"author"`
	Candidates         []Candidate `json:"candidates"`
	PrimaryCandidateID string      `json:"primary_candidate_id"`
	ContextReset       bool        `json:"context_reset,omitempty"`
}

// Validate checks the fields the finality rules depend on.
func (t *Turn) Validate() error {
	if t == nil {
		return errors.Wrap(ErrMalformed, "missing turn")
	}
	if t.Author == nil {
		return errors.Wrap(ErrMalformed, "turn without author")
	}
	if len(t.Candidates) == 0 {
		return errors.Wrap(ErrMalformed, "turn without candidates")
	}
	return nil
}

// Lead returns the candidate whose final flag decides completion: the first one.
func (t *Turn) Lead() Candidate {
	return t.Candidates[0]
}

// Primary returns the candidate selected by PrimaryCandidateID, falling back to Lead.
func (t *Turn) Primary() Candidate {
	for _, c := range t.Candidates {
		if c.CandidateID == t.PrimaryCandidateID {
			return c
		}
	}
	return t.Lead()
}

// IsFinal reports whether the lead candidate finished streaming.
func (t *Turn) IsFinal() bool {
	return t.Lead().IsFinal
}

// IsHuman reports whether the turn was written by a person.
func (t *Turn) IsHuman() bool {
	return t.Author != nil && t.Author.IsHuman
}
