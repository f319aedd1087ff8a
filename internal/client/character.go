package client

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/omochice/cai-socket/internal/session"
	"github.com/omochice/cai-socket/internal/turn"
	"github.com/omochice/cai-socket/pkg/protocol"
)

// MessageOptions tunes SendMessage and GenerateTurn.
type MessageOptions struct {
	// ChatID and CharacterID override the session's conversation.
	ChatID      string
	CharacterID string
	Timeout     time.Duration

	// Manual adds the turn without generating a reply and resolves on the first frame.
	Manual bool
	// ImagePath attaches an uploaded image to the turn.
	ImagePath string
}

// TurnOptions tunes operations on an existing turn.
type TurnOptions struct {
	ChatID      string
	CharacterID string
	Timeout     time.Duration
}

// ConnectCharacter attaches the session to the latest conversation with a
// character, creating one when there is none.
func (c *Client) ConnectCharacter(ctx context.Context, characterID string, withGreeting bool) error {
	li, err := c.loggedIn()
	if err != nil {
		return err
	}

	err = c.session.ConnectSingle(ctx, characterID, func(ctx context.Context) (string, error) {
		chats, err := c.api.RecentChats(ctx, li.token, characterID)
		if err != nil {
			return "", err
		}

		chatID := ""
		if len(chats) == 0 {
			created, _, err := c.createChat(ctx, li, characterID, withGreeting, 0)
			if err != nil {
				return "", err
			}
			chats, err = c.api.RecentChats(ctx, li.token, characterID)
			if err != nil {
				return "", err
			}
			chatID = created
		}
		if len(chats) > 0 {
			chatID = chats[0].ChatID
		}

		if err := c.api.Resurrect(ctx, li.token, chatID); err != nil {
			return "", errors.Wrapf(err, "resurrect chat %s", chatID)
		}
		return chatID, nil
	})
	if err != nil {
		return err
	}
	c.logger.Info().Str("character_id", characterID).Str("chat_id", c.session.Snapshot().ChatID).Msg("Connected to character")
	return nil
}

// DisconnectCharacter detaches the session from the character conversation.
func (c *Client) DisconnectCharacter() error {
	if _, err := c.loggedIn(); err != nil {
		return err
	}
	return c.session.DisconnectSingle()
}

// SendMessage adds a turn written by the user and waits for the character's
// finalized reply.
func (c *Client) SendMessage(ctx context.Context, text string, opts MessageOptions) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	chatID, characterID, err := c.session.Resolve(opts.ChatID, opts.CharacterID)
	if err != nil {
		return nil, err
	}

	turnID := protocol.NewID()
	tts := true
	language := ""
	command := protocol.CommandCreateAndGenerateTurn
	if opts.Manual {
		command = protocol.CommandCreateTurn
	}

	env := c.envelope(command, characterID, protocol.CreateTurnPayload{
		NumCandidates:    1,
		TTSEnabled:       &tts,
		SelectedLanguage: &language,
		CharacterID:      characterID,
		UserName:         li.user.Username,
		Turn: protocol.Turn{
			TurnKey: protocol.TurnKey{ChatID: chatID, TurnID: turnID},
			Author:  &protocol.Author{AuthorID: li.user.ID, IsHuman: true, Name: li.user.Username},
			Candidates: []protocol.Candidate{{
				CandidateID:     turnID,
				RawContent:      text,
				TTIImageRelPath: opts.ImagePath,
			}},
			PrimaryCandidateID: turnID,
		},
		PreviousAnnotations: protocol.PreviousAnnotations(),
	})
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	if opts.Manual {
		return c.await(ctx, li.pair.Command, data, nil, false, opts.Timeout)
	}
	expect := turn.ReplyOn(protocol.ShapeTurn).Scoped(chatID, "")
	expect.RequestID = env.RequestID
	return c.await(ctx, li.pair.Command, data, expect.Predicate(), false, opts.Timeout)
}

// GenerateTurn asks the character to speak without a new user message.
func (c *Client) GenerateTurn(ctx context.Context, opts TurnOptions) (*Reply, error) {
	return c.SendMessage(ctx, "", MessageOptions{
		ChatID:      opts.ChatID,
		CharacterID: opts.CharacterID,
		Timeout:     opts.Timeout,
	})
}

// GenerateTurnCandidate regenerates the character's reply in turnID.
func (c *Client) GenerateTurnCandidate(ctx context.Context, turnID string, opts TurnOptions) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	chatID, characterID, err := c.session.Resolve(opts.ChatID, opts.CharacterID)
	if err != nil {
		return nil, err
	}

	tts := false
	language := ""
	env := c.envelope(protocol.CommandGenerateTurnCandidate, characterID, protocol.GenerateTurnCandidatePayload{
		TTSEnabled:          &tts,
		SelectedLanguage:    &language,
		CharacterID:         characterID,
		UserName:            li.user.Username,
		TurnKey:             protocol.TurnKey{ChatID: chatID, TurnID: turnID},
		PreviousAnnotations: protocol.PreviousAnnotations(),
	})
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	c.tracker.Reopen(chatID, turnID)
	expect := turn.ReplyOn(protocol.ShapeTurn).Scoped(chatID, turnID)
	expect.RequestID = env.RequestID
	return c.await(ctx, li.pair.Command, data, expect.Predicate(), false, opts.Timeout)
}

// CreateNewConversation starts a fresh conversation with a character. With a
// greeting the reply accumulates every frame up to the finalized greeting, the
// acknowledgment first. In Single mode the session moves to the new conversation.
func (c *Client) CreateNewConversation(ctx context.Context, withGreeting bool, characterID string) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	if characterID == "" {
		characterID = c.session.Snapshot().CharacterID
	}
	if characterID == "" {
		return nil, errors.Wrap(session.ErrNoConversation, "create_new_conversation")
	}

	chatID, reply, err := c.createChat(ctx, li, characterID, withGreeting, 0)
	if err != nil {
		return nil, err
	}
	if snap := c.session.Snapshot(); snap.CharacterID == characterID {
		c.session.SetChat(chatID)
	}
	return reply, nil
}

func (c *Client) createChat(ctx context.Context, li loggedIn, characterID string, withGreeting bool, timeout time.Duration) (string, *Reply, error) {
	chatID := protocol.NewID()
	env := c.envelope(protocol.CommandCreateChat, characterID, protocol.CreateChatPayload{
		Chat: protocol.ChatSpec{
			ChatID:      chatID,
			CreatorID:   li.user.ID,
			Visibility:  protocol.VisibilityPrivate,
			CharacterID: characterID,
			Type:        protocol.ChatTypeOneOnOne,
		},
		WithGreeting: withGreeting,
	})
	data, err := env.Encode()
	if err != nil {
		return "", nil, err
	}

	var reply *Reply
	if withGreeting {
		expect := turn.FinalOn(protocol.ShapeTurn).Scoped(chatID, "")
		expect.RequestID = env.RequestID
		reply, err = c.await(ctx, li.pair.Command, data, expect.Predicate(), true, timeout)
	} else {
		reply, err = c.await(ctx, li.pair.Command, data, chatCreated(chatID, env.RequestID), false, timeout)
	}
	if err != nil {
		return "", nil, errors.Wrap(err, "create_chat")
	}
	c.logger.Debug().Str("chat_id", chatID).Str("character_id", characterID).Bool("greeting", withGreeting).Msg("Created chat")
	return chatID, reply, nil
}

// DeleteMessage removes turns. Later frames for them never complete a wait.
func (c *Client) DeleteMessage(ctx context.Context, turnIDs []string, opts TurnOptions) error {
	li, err := c.loggedIn()
	if err != nil {
		return err
	}
	chatID, characterID, err := c.session.Resolve(opts.ChatID, opts.CharacterID)
	if err != nil {
		return err
	}
	return c.removeTurns(ctx, li, chatID, characterID, turnIDs)
}

func (c *Client) removeTurns(ctx context.Context, li loggedIn, chatID, scope string, turnIDs []string) error {
	env := c.envelope(protocol.CommandRemoveTurns, scope, protocol.RemoveTurnsPayload{
		ChatID:  chatID,
		TurnIDs: turnIDs,
	})
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.tracker.Discard(chatID, turnIDs...)
	return li.pair.Command.Send(ctx, data)
}

// EditMessage replaces the content of a candidate. When the edited turn is the
// character's, the edited candidate also becomes the primary one.
func (c *Client) EditMessage(ctx context.Context, candidateID, turnID, text string, opts TurnOptions) (*Reply, error) {
	li, err := c.loggedIn()
	if err != nil {
		return nil, err
	}
	chatID, characterID, err := c.session.Resolve(opts.ChatID, opts.CharacterID)
	if err != nil {
		return nil, err
	}

	env := c.envelope(protocol.CommandEditTurnCandidate, characterID, protocol.EditTurnCandidatePayload{
		TurnKey:                protocol.TurnKey{ChatID: chatID, TurnID: turnID},
		CurrentCandidateID:     candidateID,
		NewCandidateRawContent: text,
	})
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	c.tracker.Reopen(chatID, turnID)
	expect := turn.FinalOn(protocol.ShapeTurn).Scoped(chatID, turnID)
	expect.RequestID = env.RequestID
	reply, err := c.await(ctx, li.pair.Command, data, expect.Predicate(), false, opts.Timeout)
	if err != nil {
		return nil, err
	}

	if t := reply.Turn(); t != nil && !t.IsHuman() {
		if err := c.updatePrimary(ctx, li, chatID, turnID, candidateID); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

func (c *Client) updatePrimary(ctx context.Context, li loggedIn, chatID, turnID, candidateID string) error {
	env := protocol.Envelope{
		Command: protocol.CommandUpdatePrimaryCandidate,
		Payload: protocol.UpdatePrimaryCandidatePayload{
			CandidateID: candidateID,
			TurnKey:     protocol.TurnKey{ChatID: chatID, TurnID: turnID},
		},
		OriginID: c.cfg.OriginID,
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return li.pair.Command.Send(ctx, data)
}
