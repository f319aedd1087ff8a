// Package ws provides the WebSocket client transport used to reach the chat service.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// Options configures a dial.
type Options struct {
	// Cookie is sent verbatim in the handshake Cookie header.
	Cookie string
	// Header holds any additional handshake headers.
	Header http.Header
	// Timeout bounds the TCP connect and the upgrade handshake.
	Timeout time.Duration
}

// Dial opens a client WebSocket connection to url.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.Cookie != "" {
		header.Set("Cookie", opts.Cookie)
	}

	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: opts.Timeout,
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewConn(conn, br), nil
}

// Conn adapts a gobwas client connection to chat.TextConn.
// Control frames are answered inline by the reader; binary frames are dropped.
type Conn struct {
	conn net.Conn
	src  io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded connection. br holds bytes the handshake already
// buffered and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn, src: conn}
	if br != nil && br.Buffered() > 0 {
		c.src = io.MultiReader(br, conn)
	}
	return c
}

// ReadText implements chat.TextConn.
func (c *Conn) ReadText(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	reply := wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)
	control := func(hdr ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return reply(hdr, r)
	}
	rd := wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, normalizeErr(err)
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, normalizeErr(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, normalizeErr(err)
			}
			continue
		}
		data, err := io.ReadAll(&rd)
		if err != nil {
			return nil, normalizeErr(err)
		}
		return data, nil
	}
}

// WriteText implements chat.TextConn.
func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Close implements chat.TextConn. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.TextConn.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func normalizeErr(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}
