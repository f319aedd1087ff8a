// Package client is the chat service client: login, single conversation and
// room operations on top of the correlated socket connections.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/cai-socket/internal/api"
	"github.com/omochice/cai-socket/internal/chat"
	"github.com/omochice/cai-socket/internal/config"
	"github.com/omochice/cai-socket/internal/connection"
	"github.com/omochice/cai-socket/internal/correlator"
	"github.com/omochice/cai-socket/internal/journal"
	"github.com/omochice/cai-socket/internal/session"
	"github.com/omochice/cai-socket/internal/turn"
	"github.com/omochice/cai-socket/pkg/protocol"
)

var (
	// ErrNotLoggedIn is returned by operations that need open connections.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrAlreadyLoggedIn is returned by Login on a logged-in client.
	ErrAlreadyLoggedIn = errors.New("already logged in")
)

// Recorder stores finalized turns.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Options configures a Client.
type Options struct {
	Config     config.Config
	Logger     zerolog.Logger
	Clock      clockwork.Clock
	HTTPClient *http.Client

	// Journal, when set, receives every turn an operation resolved on.
	Journal Recorder

	// OnFrame, when set, sees every non-keepalive inbound frame after
	// correlation. It runs on a connection read loop and must not block.
	OnFrame func(conn string, f protocol.Frame)
}

// Reply is the outcome of an awaited operation.
type Reply struct {
	// Frame completed the operation.
	Frame protocol.Frame
	// Frames holds every frame seen by an accumulating operation, Frame last.
	Frames []protocol.Frame
}

// Turn returns the turn carried by the completing frame, or nil.
func (r *Reply) Turn() *protocol.Turn {
	return r.Frame.Turn
}

// Text returns the primary candidate's content, or "".
func (r *Reply) Text() string {
	if r.Frame.Turn == nil {
		return ""
	}
	return r.Frame.Turn.Primary().RawContent
}

// Client is safe for concurrent use. Session transitions are serialized by
// the session state; awaited operations run concurrently.
type Client struct {
	cfg     config.Config
	api     *api.Client
	clock   clockwork.Clock
	logger  zerolog.Logger
	tracker *turn.Tracker
	session *session.State
	subs    *chat.Subscriptions
	journal Recorder
	onFrame func(string, protocol.Frame)

	mu    sync.RWMutex
	token string
	user  *api.User
	pair  *connection.Pair
}

// New creates a logged-out client.
func New(opts Options) *Client {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger.With().Str("component", "client").Logger()
	return &Client{
		cfg: opts.Config,
		api: api.New(api.Config{
			Endpoints: api.Endpoints{
				Site: opts.Config.Endpoints.Site,
				Plus: opts.Config.Endpoints.Plus,
				Neo:  opts.Config.Endpoints.Neo,
			},
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		}),
		clock:   clock,
		logger:  logger,
		tracker: turn.NewTracker(turn.DefaultLimit),
		session: session.New(),
		subs:    chat.NewSubscriptions(),
		journal: opts.Journal,
		onFrame: opts.OnFrame,
	}
}

// Login validates token, opens both connections and subscribes to the
// user's notification channel.
func (c *Client) Login(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pair != nil {
		return ErrAlreadyLoggedIn
	}

	rollout, err := c.api.EdgeRollout(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read edge rollout, continuing without it")
	}

	user, err := c.api.CurrentUser(ctx, token)
	if err != nil {
		return errors.Wrap(err, "login")
	}

	userChannel := protocol.UserChannel(user.ID)
	pair, err := connection.OpenPair(ctx, connection.PairOptions{
		PushURL:     c.cfg.Endpoints.Push,
		CommandURL:  c.cfg.Endpoints.Command,
		Cookie:      api.Cookie(rollout, token),
		Timeout:     c.cfg.HandshakeTimeout,
		ClientName:  c.cfg.ClientName,
		UserChannel: userChannel,
	}, connection.Config{
		Clock:    c.clock,
		Logger:   c.logger,
		Observer: c.tracker,
		OnFrame:  c.onFrame,
	})
	if err != nil {
		return errors.Wrap(err, "login")
	}

	c.subs.Add(userChannel)
	c.token = token
	c.user = user
	c.pair = pair
	go c.watch(pair)

	c.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("Logged in")
	return nil
}

// Logout leaves the active conversation, invalidates the token and closes both
// connections. Operations still pending fail with correlator.ErrConnectionClosed.
// It reports false when the client was not logged in.
func (c *Client) Logout(ctx context.Context) (bool, error) {
	c.mu.RLock()
	pair, token := c.pair, c.token
	c.mu.RUnlock()
	if pair == nil {
		return false, nil
	}

	switch c.session.Snapshot().Mode {
	case session.Single:
		if err := c.DisconnectCharacter(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to leave conversation on logout")
		}
	case session.Room:
		if err := c.DisconnectRoom(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to leave room on logout")
		}
	}

	logoutErr := c.api.Logout(ctx, token)

	c.mu.Lock()
	c.pair = nil
	c.token = ""
	c.user = nil
	c.mu.Unlock()

	if err := pair.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to close connections")
	}
	c.subs.Clear()
	c.session.Reset()
	c.tracker.Reset()

	c.logger.Info().Msg("Logged out")
	if logoutErr != nil {
		return true, errors.Wrap(logoutErr, "logout")
	}
	return true, nil
}

// User returns the logged-in account, or nil.
func (c *Client) User() *api.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Session returns the current session.
func (c *Client) Session() session.Snapshot {
	return c.session.Snapshot()
}

// Subscriptions lists the channels joined on the push connection.
func (c *Client) Subscriptions() []string {
	return c.subs.List()
}

// watch reports a connection of pair that ends without Logout. Operations
// pending on it have already failed with correlator.ErrConnectionClosed.
func (c *Client) watch(pair *connection.Pair) {
	select {
	case <-pair.Push.Done():
	case <-pair.Command.Done():
	}
	for _, conn := range []*connection.Conn{pair.Push, pair.Command} {
		select {
		case <-conn.Done():
		default:
			continue
		}
		if err := conn.Err(); err != nil {
			c.logger.Warn().Err(err).Str("conn", conn.Name()).Msg("Lost connection to chat service")
		}
	}
}

type loggedIn struct {
	pair  *connection.Pair
	user  *api.User
	token string
}

func (c *Client) loggedIn() (loggedIn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pair == nil {
		return loggedIn{}, ErrNotLoggedIn
	}
	return loggedIn{pair: c.pair, user: c.user, token: c.token}, nil
}

// timeout maps a caller timeout to a correlator deadline. Zero falls back to
// the configured request timeout; negative means none.
func (c *Client) timeout(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return c.cfg.RequestTimeout
	default:
		return d
	}
}

func (c *Client) envelope(command, scope string, payload any) protocol.Envelope {
	return protocol.Envelope{
		Command:   command,
		RequestID: protocol.RequestID(scope),
		Payload:   payload,
		OriginID:  c.cfg.OriginID,
	}
}

// await writes data on conn and waits according to pred.
func (c *Client) await(ctx context.Context, conn *connection.Conn, data []byte, pred correlator.Predicate, accumulate bool, timeout time.Duration) (*Reply, error) {
	res, err := conn.Await(ctx, data, pred, correlator.Options{
		Accumulate: accumulate,
		Timeout:    c.timeout(timeout),
	})
	if err != nil {
		return nil, err
	}
	reply := &Reply{Frame: res.Frame, Frames: res.Frames}
	c.record(ctx, reply.Frame)
	return reply, nil
}

func (c *Client) record(ctx context.Context, f protocol.Frame) {
	if c.journal == nil || f.Turn == nil || f.Phase != protocol.PhaseFinalized {
		return
	}
	entry := journal.EntryFromTurn(f.Turn, c.clock.Now().UnixMilli())
	if err := c.journal.Record(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", entry.ChatID).Str("turn_id", entry.TurnID).Msg("Failed to journal turn")
	}
}

// controlReply matches the first frame that is neither a turn nor a channel push.
func controlReply(f protocol.Frame) correlator.Verdict {
	if f.Turn != nil || f.Channel != "" {
		return correlator.Continue
	}
	return correlator.Match
}

// chatCreated matches the acknowledgment of create_chat for chatID, or a
// server error echoing requestID.
func chatCreated(chatID, requestID string) correlator.Predicate {
	return func(f protocol.Frame) correlator.Verdict {
		if f.Turn != nil {
			return correlator.Continue
		}
		if f.ServerError() != nil && f.RequestID() == requestID {
			return correlator.Match
		}
		var ack protocol.ChatAck
		if err := f.Decode(&ack); err != nil || ack.Chat == nil {
			return correlator.Malformed
		}
		if ack.Chat.ChatID != chatID {
			return correlator.Continue
		}
		return correlator.Match
	}
}
