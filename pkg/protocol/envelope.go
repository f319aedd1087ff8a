package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DefaultOriginID is the origin_id the service expects from mobile clients.
	DefaultOriginID = "Android"

	roomRPCMethod = "unused_command"
	requestIDTail = 12
)

// Command names understood by the command socket.
const (
	CommandCreateChat             = "create_chat"
	CommandCreateTurn             = "create_turn"
	CommandCreateAndGenerateTurn  = "create_and_generate_turn"
	CommandGenerateTurn           = "generate_turn"
	CommandGenerateTurnCandidate  = "generate_turn_candidate"
	CommandRemoveTurns            = "remove_turns"
	CommandEditTurnCandidate      = "edit_turn_candidate"
	CommandUpdatePrimaryCandidate = "update_primary_candidate"
	CommandSetTurnPin             = "set_turn_pin"
)

// Envelope is the outbound operation frame.
type Envelope struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload"`
	OriginID  string `json:"origin_id,omitempty"`
}

// Encode encodes the envelope as a JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s envelope", e.Command)
	}
	return data, nil
}

// EncodeRoomRPC wraps the envelope in the RPC frame used to issue commands
// through the room channel socket.
func (e *Envelope) EncodeRoomRPC() ([]byte, error) {
	frame := struct {
		RPC struct {
			Method string    `json:"method"`
			Data   *Envelope `json:"data"`
		} `json:"rpc"`
		ID int `json:"id"`
	}{ID: 1}
	frame.RPC.Method = roomRPCMethod
	frame.RPC.Data = e

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s room rpc", e.Command)
	}
	return data, nil
}

// ConnectFrame returns the handshake sent on the push socket: a connect
// command immediately followed by a subscribe to channel, if any.
func ConnectFrame(clientName, channel string) []byte {
	name, _ := json.Marshal(clientName)
	frame := fmt.Sprintf(`{"connect":{"name":%s},"id":1}`, name)
	if channel != "" {
		frame += string(SubscribeFrame(channel))
	}
	return []byte(frame)
}

// SubscribeFrame returns the control frame subscribing to channel.
func SubscribeFrame(channel string) []byte {
	return controlFrame("subscribe", channel)
}

// UnsubscribeFrame returns the control frame leaving channel.
func UnsubscribeFrame(channel string) []byte {
	return controlFrame("unsubscribe", channel)
}

func controlFrame(op, channel string) []byte {
	name, _ := json.Marshal(channel)
	return []byte(fmt.Sprintf(`{"%s":{"channel":%s},"id":1}`, op, name))
}

// UserChannel names the per-user notification channel.
func UserChannel(userID string) string {
	return "user#" + userID
}

// RoomChannel names the channel of a multi-party room.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// RequestID builds a request id the way the service's own clients do: a random
// UUID whose last twelve characters are replaced by the tail of scope.
func RequestID(scope string) string {
	id := uuid.NewString()
	scope = strings.TrimSpace(scope)
	if len(scope) < requestIDTail {
		return id
	}
	return id[:len(id)-requestIDTail] + scope[len(scope)-requestIDTail:]
}

// NewID returns a fresh identifier for chats, turns and candidates.
func NewID() string {
	return uuid.NewString()
}
