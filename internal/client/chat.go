package client

import (
	"context"

	"github.com/omochice/cai-socket/pkg/protocol"
)

// PinMessage pins or unpins a turn. chatID defaults to the session's conversation.
func (c *Client) PinMessage(ctx context.Context, turnID string, pinned bool, chatID string) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	chatID, err = c.session.ResolveChat(chatID)
	if err != nil {
		return nil, err
	}

	env := protocol.Envelope{
		Command:   protocol.CommandSetTurnPin,
		RequestID: protocol.RequestID(chatID),
		Payload: protocol.SetTurnPinPayload{
			TurnKey:  protocol.TurnKey{ChatID: chatID, TurnID: turnID},
			IsPinned: pinned,
		},
	}
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return c.await(ctx, li.pair.Command, data, controlReply, false, 0)
}
