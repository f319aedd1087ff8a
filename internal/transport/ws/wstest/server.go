// Package wstest runs an in-process stand-in for the chat service sockets.
// Tests accept the client's connections by path and script frames on them.
package wstest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Server accepts WebSocket upgrades on any path.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	accepted map[string]chan *Session
	sessions []*Session
	wg       sync.WaitGroup
}

// NewServer starts a server on a loopback port.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		accepted: make(map[string]chan *Session),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// URL of path on this server.
func (s *Server) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.srv.Listener.Addr().String()
}

// Accept waits for the next client connection on path.
func (s *Server) Accept(ctx context.Context, path string) (*Session, error) {
	select {
	case sess := <-s.queue(path):
		return sess, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "no connection on %s", path)
	}
}

// Close drops every session and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := append([]*Session(nil), s.sessions...)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.srv.CloseClientConnections()
	s.srv.Close()
	s.wg.Wait()
}

func (s *Server) queue(path string) chan *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.accepted[path]
	if !ok {
		ch = make(chan *Session, 8)
		s.accepted[path] = ch
	}
	return ch
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &Session{
		Path:    r.URL.Path,
		Header:  r.Header.Clone(),
		conn:    conn,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.readLoop()
	}()

	s.queue(r.URL.Path) <- sess
}

// Session is the server side of one client connection.
type Session struct {
	Path   string
	Header http.Header

	conn      *websocket.Conn
	wmu       sync.Mutex
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send writes a raw text frame to the client.
func (s *Session) Send(frame string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// SendBinary writes a binary frame to the client.
func (s *Session) SendBinary(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendJSON encodes v and writes it as a text frame.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(string(data))
}

// Next returns the next frame written by the client.
func (s *Session) Next(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-s.inbound:
		if !ok {
			return nil, errors.New("client disconnected")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the client connection is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close drops the connection without a close handshake.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) readLoop() {
	defer s.closeOnce.Do(func() {
		close(s.inbound)
		close(s.done)
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.inbound <- data
	}
}
