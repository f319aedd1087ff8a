package client

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/omochice/cai-socket/internal/session"
	"github.com/omochice/cai-socket/internal/turn"
	"github.com/omochice/cai-socket/pkg/protocol"
)

// ConnectRoom subscribes to a room channel and enters Room mode. A server
// error answering the subscribe is returned as *protocol.ServerError and
// leaves the session idle.
func (c *Client) ConnectRoom(ctx context.Context, roomID string) error {
	li, err := c.loggedIn()
	if err != nil {
		return err
	}

	channel := protocol.RoomChannel(roomID)
	err = c.session.ConnectRoom(ctx, roomID, func(ctx context.Context) error {
		if _, err := c.await(ctx, li.pair.Push, protocol.SubscribeFrame(channel), controlReply, false, 0); err != nil {
			return err
		}
		c.subs.Add(channel)
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrInterrupted) {
			c.subs.Remove(channel)
		}
		return err
	}
	c.logger.Info().Str("room_id", roomID).Msg("Joined room")
	return nil
}

// DisconnectRoom unsubscribes from the active room and returns to Idle.
func (c *Client) DisconnectRoom(ctx context.Context) error {
	li, err := c.loggedIn()
	if err != nil {
		return err
	}

	return c.session.DisconnectRoom(ctx, func(ctx context.Context, roomID string) error {
		channel := protocol.RoomChannel(roomID)
		if _, err := c.await(ctx, li.pair.Push, protocol.UnsubscribeFrame(channel), controlReply, false, 0); err != nil {
			return err
		}
		c.subs.Remove(channel)
		c.logger.Info().Str("room_id", roomID).Msg("Left room")
		return nil
	})
}

// RoomSendMessage posts a message in the room and waits until it is final.
func (c *Client) RoomSendMessage(ctx context.Context, text, imagePath string, timeout time.Duration) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	roomID, err := c.session.Room("room_send_message")
	if err != nil {
		return nil, err
	}
	return c.roomCreateTurn(ctx, li, roomID, text, imagePath, false, timeout)
}

// RoomResetConversation starts a new context in the room.
func (c *Client) RoomResetConversation(ctx context.Context) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	roomID, err := c.session.Room("room_reset_conversation")
	if err != nil {
		return nil, err
	}
	return c.roomCreateTurn(ctx, li, roomID, "restart", "", true, 0)
}

func (c *Client) roomCreateTurn(ctx context.Context, li loggedIn, roomID, text, imagePath string, reset bool, timeout time.Duration) (*Reply, error) {
	turnID := protocol.NewID()
	env := protocol.Envelope{
		Command:   protocol.CommandCreateTurn,
		RequestID: protocol.RequestID(roomID),
		Payload: protocol.CreateTurnPayload{
			ChatType:      protocol.ChatTypeMuRoom,
			NumCandidates: 1,
			UserName:      li.user.Username,
			Turn: protocol.Turn{
				TurnKey: protocol.TurnKey{ChatID: roomID, TurnID: turnID},
				Author:  &protocol.Author{AuthorID: li.user.ID, IsHuman: true, Name: li.user.Username},
				Candidates: []protocol.Candidate{{
					CandidateID:     turnID,
					RawContent:      text,
					TTIImageRelPath: imagePath,
				}},
				PrimaryCandidateID: turnID,
				ContextReset:       reset,
			},
		},
	}
	data, err := env.EncodeRoomRPC()
	if err != nil {
		return nil, err
	}

	expect := turn.FinalOn(protocol.ShapeRoomPush).Scoped(roomID, "")
	expect.RequestID = env.RequestID
	return c.await(ctx, li.pair.Push, data, expect.Predicate(), false, timeout)
}

// RoomGenerateTurn lets the room pick a character to speak next.
func (c *Client) RoomGenerateTurn(ctx context.Context, timeout time.Duration) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	roomID, err := c.session.Room("room_generate_turn")
	if err != nil {
		return nil, err
	}

	delay := 0
	return c.roomGenerate(ctx, li, protocol.CommandGenerateTurn, roomID, "", protocol.GenerateTurnPayload{
		ChatType:        protocol.ChatTypeMuRoom,
		ChatID:          roomID,
		UserName:        li.user.Username,
		SmartReply:      "CHARACTERS",
		SmartReplyDelay: &delay,
	}, timeout)
}

// RoomSelectTurn asks a specific character to speak next.
func (c *Client) RoomSelectTurn(ctx context.Context, characterID string, timeout time.Duration) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	roomID, err := c.session.Room("room_select_turn")
	if err != nil {
		return nil, err
	}

	return c.roomGenerate(ctx, li, protocol.CommandGenerateTurn, roomID, "", protocol.GenerateTurnPayload{
		ChatType:    protocol.ChatTypeMuRoom,
		ChatID:      roomID,
		CharacterID: characterID,
		UserName:    li.user.Username,
	}, timeout)
}

// RoomGenerateTurnCandidate regenerates a character's reply in the room.
func (c *Client) RoomGenerateTurnCandidate(ctx context.Context, turnID, characterID string, timeout time.Duration) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	roomID, err := c.session.Room("room_generate_turn_candidate")
	if err != nil {
		return nil, err
	}

	c.tracker.Reopen(roomID, turnID)
	return c.roomGenerate(ctx, li, protocol.CommandGenerateTurnCandidate, roomID, turnID, protocol.GenerateTurnCandidatePayload{
		ChatType:    protocol.ChatTypeMuRoom,
		CharacterID: characterID,
		UserName:    li.user.Username,
		TurnKey:     protocol.TurnKey{ChatID: roomID, TurnID: turnID},
	}, timeout)
}

func (c *Client) roomGenerate(ctx context.Context, li loggedIn, command, roomID, turnID string, payload any, timeout time.Duration) (*Reply, error) {
	env := c.envelope(command, roomID, payload)
	data, err := env.EncodeRoomRPC()
	if err != nil {
		return nil, err
	}

	expect := turn.ReplyOn(protocol.ShapeRoomPush).Scoped(roomID, turnID)
	expect.RequestID = env.RequestID
	return c.await(ctx, li.pair.Push, data, expect.Predicate(), false, timeout)
}

// RoomDeleteMessage removes turns from the room.
func (c *Client) RoomDeleteMessage(ctx context.Context, turnIDs []string) error {
	li, err := c.loggedIn()
	if err != nil {
		return err
	}
	roomID, err := c.session.Room("room_delete_message")
	if err != nil {
		return err
	}
	return c.removeTurns(ctx, li, roomID, roomID, turnIDs)
}

// RoomEditMessage replaces the content of a candidate in the room.
func (c *Client) RoomEditMessage(ctx context.Context, candidateID, turnID, text string) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	roomID, err := c.session.Room("room_edit_message")
	if err != nil {
		return nil, err
	}

	env := protocol.Envelope{
		Command:   protocol.CommandEditTurnCandidate,
		RequestID: protocol.RequestID(roomID),
		Payload: protocol.EditTurnCandidatePayload{
			TurnKey:                protocol.TurnKey{ChatID: roomID, TurnID: turnID},
			CurrentCandidateID:     candidateID,
			NewCandidateRawContent: text,
		},
	}
	data, err := env.EncodeRoomRPC()
	if err != nil {
		return nil, err
	}

	c.tracker.Reopen(roomID, turnID)
	expect := turn.FinalOn(protocol.ShapeRoomPush).Scoped(roomID, turnID)
	expect.RequestID = env.RequestID
	reply, err := c.await(ctx, li.pair.Push, data, expect.Predicate(), false, 0)
	if err != nil {
		return nil, err
	}

	if t := reply.Turn(); t != nil && !t.IsHuman() {
		if err := c.updatePrimary(ctx, li, roomID, turnID, candidateID); err != nil {
			return reply, err
		}
	}
	return reply, nil
}
