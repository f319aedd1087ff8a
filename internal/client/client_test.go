package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/cai-socket/internal/client"
	"github.com/omochice/cai-socket/internal/config"
	"github.com/omochice/cai-socket/internal/correlator"
	"github.com/omochice/cai-socket/internal/journal"
	"github.com/omochice/cai-socket/internal/session"
	"github.com/omochice/cai-socket/internal/transport/ws/wstest"
	"github.com/omochice/cai-socket/pkg/protocol"
)

const (
	pushPath    = "/connection/websocket"
	commandPath = "/ws/"

	characterID = "character-000001"
	roomID      = "room-0000000001"
)

// fakeSite serves the HTTP endpoints used around the sockets.
type fakeSite struct {
	mu          sync.Mutex
	recent      []string
	resurrected []string
	loggedOut   bool

	// recentEntered and recentRelease, when set, hold recent chat lookups.
	recentEntered chan struct{}
	recentRelease chan struct{}
}

func (s *fakeSite) holdRecent() (entered <-chan struct{}, release chan<- struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentEntered = make(chan struct{}, 1)
	s.recentRelease = make(chan struct{})
	return s.recentEntered, s.recentRelease
}

func (s *fakeSite) setRecent(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = ids
}

func (s *fakeSite) resurrectedChats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resurrected...)
}

func (s *fakeSite) didLogout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/chats/recent/") {
		s.mu.Lock()
		entered, release := s.recentEntered, s.recentRelease
		s.mu.Unlock()
		if release != nil {
			entered <- struct{}{}
			<-release
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/":
		http.SetCookie(w, &http.Cookie{Name: "edge_rollout", Value: "42"})
	case r.URL.Path == "/chat/user/":
		_, _ = w.Write([]byte(`{"user":{"user":{"id":7,"username":"me"},"name":"Me"}}`))
	case r.URL.Path == "/chat/user/logout/":
		s.loggedOut = true
		_, _ = w.Write([]byte(`{}`))
	case strings.HasPrefix(r.URL.Path, "/chats/recent/"):
		chats := make([]map[string]string, 0, len(s.recent))
		for _, id := range s.recent {
			chats = append(chats, map[string]string{"chat_id": id, "character_id": strings.TrimPrefix(r.URL.Path, "/chats/recent/")})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"chats": chats})
	case strings.HasSuffix(r.URL.Path, "/resurrect"):
		s.resurrected = append(s.resurrected, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat/"), "/resurrect"))
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// syncBuffer collects log output written from connection goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t       *testing.T
	logs    *syncBuffer
	ctx     context.Context
	site    *fakeSite
	clock   *clockwork.FakeClock
	journal *journal.Store
	client  *client.Client
	push    *wstest.Session
	command *wstest.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := wstest.NewServer()
	t.Cleanup(srv.Close)

	site := &fakeSite{}
	httpSrv := httptest.NewServer(site)
	t.Cleanup(httpSrv.Close)

	dsn, err := journal.DSNForFile(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	store, err := journal.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Endpoints = config.Endpoints{
		Push:    srv.URL(pushPath),
		Command: srv.URL(commandPath),
		Plus:    httpSrv.URL,
		Neo:     httpSrv.URL,
		Site:    httpSrv.URL,
	}
	cfg.RequestTimeout = 30 * time.Second

	clock := clockwork.NewFakeClock()
	logs := &syncBuffer{}
	h := &harness{
		t:       t,
		logs:    logs,
		ctx:     ctx,
		site:    site,
		clock:   clock,
		journal: store,
		client: client.New(client.Options{
			Config:  cfg,
			Logger:  zerolog.New(logs),
			Clock:   clock,
			Journal: store,
		}),
	}

	require.NoError(t, h.client.Login(ctx, "tok"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = h.client.Logout(ctx)
	})

	h.push, err = srv.Accept(ctx, pushPath)
	require.NoError(t, err)
	h.command, err = srv.Accept(ctx, commandPath)
	require.NoError(t, err)

	greeting, err := h.push.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"connect":{"name":"js"},"id":1}{"subscribe":{"channel":"user#7"},"id":1}`, string(greeting))
	return h
}

// envelope is what the fake service reads from the client.
type envelope struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id"`
	OriginID  string          `json:"origin_id"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *harness) next(sess *wstest.Session) envelope {
	h.t.Helper()
	data, err := sess.Next(h.ctx)
	require.NoError(h.t, err)

	var env envelope
	require.NoError(h.t, json.Unmarshal(data, &env))
	return env
}

func (h *harness) nextRPC() envelope {
	h.t.Helper()
	data, err := h.push.Next(h.ctx)
	require.NoError(h.t, err)

	var frame struct {
		RPC struct {
			Method string   `json:"method"`
			Data   envelope `json:"data"`
		} `json:"rpc"`
	}
	require.NoError(h.t, json.Unmarshal(data, &frame))
	assert.Equal(h.t, "unused_command", frame.RPC.Method)
	return frame.RPC.Data
}

func (h *harness) connectCharacter(chatID string) {
	h.t.Helper()
	h.site.setRecent(chatID)
	require.NoError(h.t, h.client.ConnectCharacter(h.ctx, characterID, true))
}

func (h *harness) connectRoom() {
	h.t.Helper()
	done := async(func() error { return h.client.ConnectRoom(h.ctx, roomID) })
	data, err := h.push.Next(h.ctx)
	require.NoError(h.t, err)
	assert.Equal(h.t, `{"subscribe":{"channel":"room:`+roomID+`"},"id":1}`, string(data))
	require.NoError(h.t, h.push.Send(`{"id":1,"subscribe":{}}`))
	require.NoError(h.t, <-done)
}

func async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

type result struct {
	reply *client.Reply
	err   error
}

func asyncReply(fn func() (*client.Reply, error)) <-chan result {
	done := make(chan result, 1)
	go func() {
		reply, err := fn()
		done <- result{reply: reply, err: err}
	}()
	return done
}

func turnJSON(chatID, turnID, text string, human, final bool) string {
	author := map[string]any{"author_id": "99", "name": "Bot"}
	if human {
		author = map[string]any{"author_id": "7", "name": "me", "is_human": true}
	}
	data, _ := json.Marshal(map[string]any{
		"turn_key":             map[string]string{"chat_id": chatID, "turn_id": turnID},
		"author":               author,
		"candidates":           []map[string]any{{"candidate_id": turnID + "-c", "raw_content": text, "is_final": final}},
		"primary_candidate_id": turnID + "-c",
	})
	return string(data)
}

func turnFrame(chatID, turnID, text string, human, final bool) string {
	return `{"command":"update_turn","turn":` + turnJSON(chatID, turnID, text, human, final) + `}`
}

func roomFrame(turnID, text string, human, final bool) string {
	return `{"push":{"channel":"room:` + roomID + `","pub":{"data":{"turn":` + turnJSON(roomID, turnID, text, human, final) + `}}}}`
}

func TestClient_Login(t *testing.T) {
	h := newHarness(t)

	user := h.client.User()
	require.NotNil(t, user)
	assert.Equal(t, "7", user.ID)
	assert.Equal(t, "me", user.Username)
	assert.Equal(t, `edge_rollout=42; HTTP_AUTHORIZATION="Token tok"`, h.push.Header.Get("Cookie"))
	assert.Equal(t, `edge_rollout=42; HTTP_AUTHORIZATION="Token tok"`, h.command.Header.Get("Cookie"))
	assert.Equal(t, []string{"user#7"}, h.client.Subscriptions())

	err := h.client.Login(h.ctx, "tok")
	assert.True(t, errors.Is(err, client.ErrAlreadyLoggedIn))
}

func TestClient_NotLoggedIn(t *testing.T) {
	c := client.New(client.Options{Config: config.Default()})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "hi", client.MessageOptions{ChatID: "c", CharacterID: "ch"})
	assert.True(t, errors.Is(err, client.ErrNotLoggedIn))
	assert.True(t, errors.Is(c.ConnectRoom(ctx, roomID), client.ErrNotLoggedIn))
	_, err = c.PinMessage(ctx, "t", true, "c")
	assert.True(t, errors.Is(err, client.ErrNotLoggedIn))

	ok, err := c.Logout(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ConnectCharacter(t *testing.T) {
	t.Run("latest existing chat", func(t *testing.T) {
		h := newHarness(t)
		h.site.setRecent("chat-1", "chat-0")

		require.NoError(t, h.client.ConnectCharacter(h.ctx, characterID, true))

		assert.Equal(t, session.Snapshot{Mode: session.Single, ChatID: "chat-1", CharacterID: characterID}, h.client.Session())
		assert.Equal(t, []string{"chat-1"}, h.site.resurrectedChats())

		err := h.client.ConnectCharacter(h.ctx, characterID, true)
		assert.True(t, errors.Is(err, session.ErrAlreadyConnected))
	})

	t.Run("creates a chat when there is none", func(t *testing.T) {
		h := newHarness(t)

		done := async(func() error { return h.client.ConnectCharacter(h.ctx, characterID, false) })

		env := h.next(h.command)
		assert.Equal(t, protocol.CommandCreateChat, env.Command)
		assert.True(t, strings.HasSuffix(env.RequestID, characterID[len(characterID)-12:]))

		var payload protocol.CreateChatPayload
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		assert.Equal(t, "7", payload.Chat.CreatorID)
		assert.Equal(t, protocol.ChatTypeOneOnOne, payload.Chat.Type)
		assert.False(t, payload.WithGreeting)

		h.site.setRecent(payload.Chat.ChatID)
		require.NoError(t, h.command.Send(`{"command":"create_chat_response","chat":{"chat_id":"`+payload.Chat.ChatID+`"}}`))
		require.NoError(t, <-done)

		assert.Equal(t, payload.Chat.ChatID, h.client.Session().ChatID)
	})
}

func TestClient_SendMessage(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.SendMessage(h.ctx, "hello", client.MessageOptions{})
	})

	env := h.next(h.command)
	assert.Equal(t, protocol.CommandCreateAndGenerateTurn, env.Command)
	assert.Equal(t, protocol.DefaultOriginID, env.OriginID)

	var payload protocol.CreateTurnPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "chat-1", payload.Turn.TurnKey.ChatID)
	assert.Equal(t, characterID, payload.CharacterID)
	require.NotNil(t, payload.Turn.Author)
	assert.True(t, payload.Turn.Author.IsHuman)
	assert.Equal(t, "hello", payload.Turn.Candidates[0].RawContent)
	assert.Equal(t, payload.Turn.TurnKey.TurnID, payload.Turn.Candidates[0].CandidateID)

	require.NoError(t, h.command.Send(turnFrame("chat-1", payload.Turn.TurnKey.TurnID, "hello", true, true)))
	require.NoError(t, h.command.Send(turnFrame("chat-1", "t-ai", "Hel", false, false)))
	require.NoError(t, h.command.Send(turnFrame("chat-1", "t-ai", "Hello there", false, true)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "Hello there", res.reply.Text())
	assert.Equal(t, protocol.PhaseFinalized, res.reply.Frame.Phase)

	entries, err := h.journal.List(h.ctx, journal.Query{ChatID: "chat-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t-ai", entries[0].TurnID)
	assert.Equal(t, "Hello there", entries[0].RawContent)
	assert.False(t, entries[0].IsHuman)
}

func TestClient_SendMessageManual(t *testing.T) {
	h := newHarness(t)

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.SendMessage(h.ctx, "note", client.MessageOptions{ChatID: "chat-9", CharacterID: characterID, Manual: true})
	})

	env := h.next(h.command)
	assert.Equal(t, protocol.CommandCreateTurn, env.Command)
	require.NoError(t, h.command.Send(`{"command":"add_turn_response"}`))

	res := <-done
	require.NoError(t, res.err)
	assert.Nil(t, res.reply.Turn())
	assert.Equal(t, session.Idle, h.client.Session().Mode)
}

func TestClient_SendMessageWithoutConversation(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.SendMessage(h.ctx, "hello", client.MessageOptions{})
	assert.True(t, errors.Is(err, session.ErrNoConversation))
}

func TestClient_SendMessageTimeout(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.SendMessage(h.ctx, "hello", client.MessageOptions{Timeout: time.Second})
	})
	h.next(h.command)

	h.clock.Advance(time.Second)

	res := <-done
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, correlator.ErrTimeout))
}

func TestClient_ServerErrorFailsGeneration(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.SendMessage(h.ctx, "hello", client.MessageOptions{})
	})
	env := h.next(h.command)

	require.NoError(t, h.command.Send(`{"command":"neo_error","request_id":"`+env.RequestID+`","comment":"chat not found"}`))

	res := <-done
	var serverErr *protocol.ServerError
	require.True(t, errors.As(res.err, &serverErr))
	assert.Equal(t, "chat not found", serverErr.Message)
}

func TestClient_ConnectRoomWhileSingle(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	err := h.client.ConnectRoom(h.ctx, roomID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrAlreadyConnected))

	ctx, cancel := context.WithTimeout(h.ctx, 100*time.Millisecond)
	defer cancel()
	_, err = h.push.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "no frame may be sent")
	assert.Equal(t, session.Single, h.client.Session().Mode)
}

func TestClient_CreateNewConversation(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.CreateNewConversation(h.ctx, true, "")
	})

	env := h.next(h.command)
	var payload protocol.CreateChatPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	chatID := payload.Chat.ChatID
	assert.True(t, payload.WithGreeting)
	assert.Equal(t, characterID, payload.Chat.CharacterID)

	require.NoError(t, h.command.Send(`{"command":"create_chat_response","chat":{"chat_id":"`+chatID+`"}}`))
	require.NoError(t, h.command.Send(turnFrame(chatID, "greet", "Hi, I am", false, false)))
	require.NoError(t, h.command.Send(turnFrame(chatID, "greet", "Hi, I am Bot", false, true)))

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.reply.Frames, 3)

	var ack protocol.ChatAck
	require.NoError(t, res.reply.Frames[0].Decode(&ack))
	require.NotNil(t, ack.Chat)
	assert.Equal(t, chatID, ack.Chat.ChatID)
	assert.Equal(t, "Hi, I am Bot", res.reply.Text())
	assert.Equal(t, chatID, h.client.Session().ChatID)
}

func TestClient_DeleteMessage(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	require.NoError(t, h.client.DeleteMessage(h.ctx, []string{"t-old"}, client.TurnOptions{}))

	env := h.next(h.command)
	assert.Equal(t, protocol.CommandRemoveTurns, env.Command)
	assert.JSONEq(t, `{"chat_id":"chat-1","turn_ids":["t-old"]}`, string(env.Payload))

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.GenerateTurn(h.ctx, client.TurnOptions{})
	})
	h.next(h.command)

	require.NoError(t, h.command.Send(turnFrame("chat-1", "t-old", "late", false, true)))
	require.NoError(t, h.command.Send(turnFrame("chat-1", "t-new", "fresh", false, true)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "t-new", res.reply.Turn().TurnKey.TurnID)
}

func TestClient_GenerateTurnCandidate(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	first := asyncReply(func() (*client.Reply, error) {
		return h.client.GenerateTurn(h.ctx, client.TurnOptions{})
	})
	h.next(h.command)
	require.NoError(t, h.command.Send(turnFrame("chat-1", "t1", "one", false, true)))
	require.NoError(t, (<-first).err)

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.GenerateTurnCandidate(h.ctx, "t1", client.TurnOptions{})
	})
	env := h.next(h.command)
	assert.Equal(t, protocol.CommandGenerateTurnCandidate, env.Command)

	require.NoError(t, h.command.Send(turnFrame("chat-1", "t1", "two", false, true)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "two", res.reply.Text())
}

func TestClient_EditMessage(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.EditMessage(h.ctx, "t1-c", "t1", "edited", client.TurnOptions{})
	})

	env := h.next(h.command)
	assert.Equal(t, protocol.CommandEditTurnCandidate, env.Command)
	require.NoError(t, h.command.Send(turnFrame("chat-1", "t1", "edited", false, true)))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "edited", res.reply.Text())

	update := h.next(h.command)
	assert.Equal(t, protocol.CommandUpdatePrimaryCandidate, update.Command)
	assert.Empty(t, update.RequestID)
	assert.JSONEq(t, `{"candidate_id":"t1-c","turn_key":{"chat_id":"chat-1","turn_id":"t1"}}`, string(update.Payload))
}

func TestClient_PinMessage(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.PinMessage(h.ctx, "t1", true, "")
	assert.True(t, errors.Is(err, session.ErrNoConversation))

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.PinMessage(h.ctx, "t1", true, "chat-3")
	})
	env := h.next(h.command)
	assert.Equal(t, protocol.CommandSetTurnPin, env.Command)
	assert.Empty(t, env.OriginID)
	assert.JSONEq(t, `{"turn_key":{"chat_id":"chat-3","turn_id":"t1"},"is_pinned":true}`, string(env.Payload))

	require.NoError(t, h.command.Send(`{"command":"set_turn_pin_response"}`))
	require.NoError(t, (<-done).err)
}

func TestClient_Room(t *testing.T) {
	h := newHarness(t)
	h.connectRoom()

	assert.Equal(t, session.Snapshot{Mode: session.Room, ChatID: roomID}, h.client.Session())
	assert.Equal(t, []string{"room:" + roomID, "user#7"}, h.client.Subscriptions())

	sent := asyncReply(func() (*client.Reply, error) {
		return h.client.RoomSendMessage(h.ctx, "hi all", "", 0)
	})
	env := h.nextRPC()
	assert.Equal(t, protocol.CommandCreateTurn, env.Command)
	assert.Empty(t, env.OriginID)
	var turnPayload protocol.CreateTurnPayload
	require.NoError(t, json.Unmarshal(env.Payload, &turnPayload))
	assert.Equal(t, protocol.ChatTypeMuRoom, turnPayload.ChatType)
	assert.Equal(t, roomID, turnPayload.Turn.TurnKey.ChatID)

	require.NoError(t, h.push.Send(`{"push":{"channel":"user#7","pub":{"data":{"kind":"notice"}}}}`))
	require.NoError(t, h.push.Send(roomFrame(turnPayload.Turn.TurnKey.TurnID, "hi all", true, true)))
	res := <-sent
	require.NoError(t, res.err)
	assert.Equal(t, protocol.ShapeRoomPush, res.reply.Frame.Shape)

	generated := asyncReply(func() (*client.Reply, error) {
		return h.client.RoomGenerateTurn(h.ctx, 0)
	})
	env = h.nextRPC()
	assert.Equal(t, protocol.CommandGenerateTurn, env.Command)
	assert.JSONEq(t, `{"chat_type":"TYPE_MU_ROOM","chat_id":"`+roomID+`","user_name":"me","smart_reply":"CHARACTERS","smart_reply_delay":0}`, string(env.Payload))

	require.NoError(t, h.push.Send(roomFrame("t-bot", "Wel", false, false)))
	require.NoError(t, h.push.Send(roomFrame("t-bot", "Welcome", false, true)))
	res = <-generated
	require.NoError(t, res.err)
	assert.Equal(t, "Welcome", res.reply.Text())

	left := async(func() error { return h.client.DisconnectRoom(h.ctx) })
	data, err := h.push.Next(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"unsubscribe":{"channel":"room:`+roomID+`"},"id":1}`, string(data))
	require.NoError(t, h.push.Send(`{"id":1,"unsubscribe":{}}`))
	require.NoError(t, <-left)

	assert.Equal(t, session.Idle, h.client.Session().Mode)
	assert.Equal(t, []string{"user#7"}, h.client.Subscriptions())
}

func TestClient_RoomOperationsRequireRoom(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.RoomGenerateTurn(h.ctx, 0)
	var stateErr *session.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, session.Idle, stateErr.Mode)
	assert.True(t, errors.Is(err, session.ErrNotConnected))

	assert.True(t, errors.Is(h.client.DisconnectRoom(h.ctx), session.ErrNotConnected))
}

func TestClient_ConnectRoomServerError(t *testing.T) {
	h := newHarness(t)

	done := async(func() error { return h.client.ConnectRoom(h.ctx, roomID) })
	_, err := h.push.Next(h.ctx)
	require.NoError(t, err)
	require.NoError(t, h.push.Send(`{"id":1,"error":{"code":103,"message":"permission denied"}}`))

	err = <-done
	var serverErr *protocol.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, 103, serverErr.Code)
	assert.Equal(t, session.Idle, h.client.Session().Mode)
	assert.Equal(t, []string{"user#7"}, h.client.Subscriptions())
}

func TestClient_RoomDeleteAndEdit(t *testing.T) {
	h := newHarness(t)
	h.connectRoom()

	require.NoError(t, h.client.RoomDeleteMessage(h.ctx, []string{"t1"}))
	env := h.next(h.command)
	assert.Equal(t, protocol.CommandRemoveTurns, env.Command)
	assert.Equal(t, protocol.DefaultOriginID, env.OriginID)

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.RoomEditMessage(h.ctx, "t2-c", "t2", "better")
	})
	env = h.nextRPC()
	assert.Equal(t, protocol.CommandEditTurnCandidate, env.Command)
	require.NoError(t, h.push.Send(roomFrame("t2", "better", false, true)))

	res := <-done
	require.NoError(t, res.err)

	update := h.next(h.command)
	assert.Equal(t, protocol.CommandUpdatePrimaryCandidate, update.Command)
}

func TestClient_LogoutFailsPending(t *testing.T) {
	h := newHarness(t)
	h.connectCharacter("chat-1")

	done := asyncReply(func() (*client.Reply, error) {
		return h.client.SendMessage(h.ctx, "hello", client.MessageOptions{})
	})
	h.next(h.command)

	ok, err := h.client.Logout(h.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	res := <-done
	assert.True(t, errors.Is(res.err, correlator.ErrConnectionClosed))
	assert.True(t, h.site.didLogout())
	assert.Nil(t, h.client.User())
	assert.Equal(t, session.Idle, h.client.Session().Mode)
	assert.Empty(t, h.client.Subscriptions())

	select {
	case <-h.command.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("command connection was left open")
	}
}

func TestClient_RoomSelectRegenerateAndReset(t *testing.T) {
	h := newHarness(t)
	h.connectRoom()

	selected := asyncReply(func() (*client.Reply, error) {
		return h.client.RoomSelectTurn(h.ctx, characterID, 0)
	})
	env := h.nextRPC()
	assert.Equal(t, protocol.CommandGenerateTurn, env.Command)
	assert.JSONEq(t, `{"chat_type":"TYPE_MU_ROOM","chat_id":"`+roomID+`","character_id":"`+characterID+`","user_name":"me"}`, string(env.Payload))

	// the user's own final turn does not answer a character generation
	require.NoError(t, h.push.Send(roomFrame("t-me", "mine", true, true)))
	require.NoError(t, h.push.Send(roomFrame("t-bot", "picked", false, true)))
	res := <-selected
	require.NoError(t, res.err)
	assert.Equal(t, "t-bot", res.reply.Turn().TurnKey.TurnID)

	regenerated := asyncReply(func() (*client.Reply, error) {
		return h.client.RoomGenerateTurnCandidate(h.ctx, "t-bot", characterID, 0)
	})
	env = h.nextRPC()
	assert.Equal(t, protocol.CommandGenerateTurnCandidate, env.Command)
	require.NoError(t, h.push.Send(roomFrame("t-bot", "picked again", false, true)))
	res = <-regenerated
	require.NoError(t, res.err)
	assert.Equal(t, "picked again", res.reply.Text())

	reset := asyncReply(func() (*client.Reply, error) {
		return h.client.RoomResetConversation(h.ctx)
	})
	env = h.nextRPC()
	var payload protocol.CreateTurnPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.True(t, payload.Turn.ContextReset)
	assert.Equal(t, "restart", payload.Turn.Candidates[0].RawContent)

	require.NoError(t, h.push.Send(roomFrame(payload.Turn.TurnKey.TurnID, "restart", true, true)))
	require.NoError(t, (<-reset).err)
}

func TestClient_LogoutDuringConnectCharacter(t *testing.T) {
	h := newHarness(t)
	h.site.setRecent("chat-1")
	entered, release := h.site.holdRecent()

	done := async(func() error { return h.client.ConnectCharacter(h.ctx, characterID, true) })
	select {
	case <-entered:
	case <-h.ctx.Done():
		t.Fatal("recent chats were never requested")
	}

	ok, err := h.client.Logout(h.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	err = <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrInterrupted))
	assert.Nil(t, h.client.User())
	assert.Equal(t, session.Snapshot{Mode: session.Idle}, h.client.Session())
}

func TestClient_ReportsConnectionLoss(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.command.Close())

	lost := func(conn string) bool {
		for _, line := range strings.Split(h.logs.String(), "\n") {
			if strings.Contains(line, `"component":"client"`) &&
				strings.Contains(line, `"conn":"`+conn+`"`) &&
				strings.Contains(line, "Lost connection to chat service") {
				return true
			}
		}
		return false
	}
	assert.Eventually(t, func() bool { return lost("command") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, lost("push"))
}
