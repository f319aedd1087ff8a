package protocol

// Chat types accepted by the service.
const (
	ChatTypeOneOnOne = "TYPE_ONE_ON_ONE"
	ChatTypeMuRoom   = "TYPE_MU_ROOM"

	VisibilityPrivate = "VISIBILITY_PRIVATE"
)

var annotationKeys = []string{
	"boring", "inaccurate", "repetitive", "out_of_character", "bad_memory",
	"long", "short", "ends_chat_early", "funny", "interesting", "helpful",
}

// PreviousAnnotations returns the zeroed feedback counters sent with every
// single conversation generation request.
func PreviousAnnotations() map[string]int {
	out := make(map[string]int, len(annotationKeys)*2)
	for _, k := range annotationKeys {
		out[k] = 0
		out["not_"+k] = 0
	}
	return out
}

// ChatSpec describes a conversation to create.
type ChatSpec struct {
	ChatID      string `json:"chat_id"`
	CreatorID   string `json:"creator_id"`
	Visibility  string `json:"visibility"`
	CharacterID string `json:"character_id"`
	Type        string `json:"type"`
}

// CreateChatPayload is the payload of create_chat.
type CreateChatPayload struct {
	Chat         ChatSpec `json:"chat"`
	WithGreeting bool     `json:"with_greeting"`
}

// CreateTurnPayload is the payload of create_turn and create_and_generate_turn.
type CreateTurnPayload struct {
	ChatType            string         `json:"chat_type,omitempty"`
	NumCandidates       int            `json:"num_candidates"`
	TTSEnabled          *bool          `json:"tts_enabled,omitempty"`
	SelectedLanguage    *string        `json:"selected_language,omitempty"`
	CharacterID         string         `json:"character_id,omitempty"`
	UserName            string         `json:"user_name"`
	Turn                Turn           `json:"turn"`
	PreviousAnnotations map[string]int `json:"previous_annotations,omitempty"`
}

// GenerateTurnPayload is the payload of a room generate_turn.
type GenerateTurnPayload struct {
	ChatType        string `json:"chat_type"`
	ChatID          string `json:"chat_id"`
	CharacterID     string `json:"character_id,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	SmartReply      string `json:"smart_reply,omitempty"`
	SmartReplyDelay *int   `json:"smart_reply_delay,omitempty"`
}

// GenerateTurnCandidatePayload is the payload of generate_turn_candidate.
type GenerateTurnCandidatePayload struct {
	ChatType            string         `json:"chat_type,omitempty"`
	TTSEnabled          *bool          `json:"tts_enabled,omitempty"`
	SelectedLanguage    *string        `json:"selected_language,omitempty"`
	CharacterID         string         `json:"character_id"`
	UserName            string         `json:"user_name"`
	TurnKey             TurnKey        `json:"turn_key"`
	PreviousAnnotations map[string]int `json:"previous_annotations,omitempty"`
}

// RemoveTurnsPayload is the payload of remove_turns.
type RemoveTurnsPayload struct {
	ChatID  string   `json:"chat_id"`
	TurnIDs []string `json:"turn_ids"`
}

// EditTurnCandidatePayload is the payload of edit_turn_candidate.
type EditTurnCandidatePayload struct {
	TurnKey                TurnKey `json:"turn_key"`
	CurrentCandidateID     string  `json:"current_candidate_id"`
	NewCandidateRawContent string  `json:"new_candidate_raw_content"`
}

// UpdatePrimaryCandidatePayload is the payload of update_primary_candidate.
type UpdatePrimaryCandidatePayload struct {
	CandidateID string  `json:"candidate_id"`
	TurnKey     TurnKey `json:"turn_key"`
}

// SetTurnPinPayload is the payload of set_turn_pin.
type SetTurnPinPayload struct {
	TurnKey  TurnKey `json:"turn_key"`
	IsPinned bool    `json:"is_pinned"`
}

// ChatAck is the part of a create_chat acknowledgment the client reads.
type ChatAck struct {
	Chat *struct {
		ChatID      string `json:"chat_id"`
		CharacterID string `json:"character_id"`
	} `json:"chat"`
}
