// Package connection owns the sockets to the chat service.
//
// A Conn runs one read loop per socket. Keepalive probes are echoed and
// dropped, every other frame is decoded, phased by the turn tracker and then
// offered to the connection's correlator.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/cai-socket/internal/chat"
	"github.com/omochice/cai-socket/internal/correlator"
	"github.com/omochice/cai-socket/internal/transport/ws"
	"github.com/omochice/cai-socket/pkg/protocol"
)

// keepaliveWriteTimeout bounds the echo of a keepalive probe.
const keepaliveWriteTimeout = 5 * time.Second

// Observer annotates a decoded frame before correlation.
type Observer interface {
	Observe(f *protocol.Frame)
}

// Config configures a Conn.
type Config struct {
	// Name labels the connection in logs and errors.
	Name   string
	Clock  clockwork.Clock
	Logger zerolog.Logger

	// Observer, when set, sees every decoded frame before any predicate.
	Observer Observer

	// OnFrame, when set, receives every non-keepalive frame after correlation.
	// It runs on the read loop and must not block.
	OnFrame func(name string, f protocol.Frame)
}

// Options configures how Open dials and greets the service.
type Options struct {
	// Cookie carries the credential at handshake time.
	Cookie  string
	Timeout time.Duration

	// ClientName, when set, sends a connect command right after the upgrade.
	ClientName string
	// Channel, when set, is subscribed right after the upgrade.
	Channel string
}

// Conn is one open socket together with its pending operations.
type Conn struct {
	name     string
	conn     chat.TextConn
	corr     *correlator.Correlator
	observer Observer
	onFrame  func(string, protocol.Frame)
	logger   zerolog.Logger

	mu        sync.RWMutex
	closed    bool
	err       error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open dials url, performs the greeting described by opts and starts the read loop.
func Open(ctx context.Context, url string, opts Options, cfg Config) (*Conn, error) {
	transport, err := ws.Dial(ctx, url, ws.Options{Cookie: opts.Cookie, Timeout: opts.Timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s connection", cfg.Name)
	}

	var greeting []byte
	switch {
	case opts.ClientName != "":
		greeting = protocol.ConnectFrame(opts.ClientName, opts.Channel)
	case opts.Channel != "":
		greeting = protocol.SubscribeFrame(opts.Channel)
	}
	if greeting != nil {
		if err := transport.WriteText(ctx, greeting); err != nil {
			transport.Close()
			return nil, errors.Wrapf(err, "failed to greet %s connection", cfg.Name)
		}
	}

	return New(transport, cfg), nil
}

// New wraps an established transport and starts reading from it.
func New(conn chat.TextConn, cfg Config) *Conn {
	logger := cfg.Logger.With().Str("component", "connection").Str("conn", cfg.Name).Logger()
	c := &Conn{
		name:     cfg.Name,
		conn:     conn,
		corr:     correlator.New(correlator.Config{Clock: cfg.Clock, Logger: logger}),
		observer: cfg.Observer,
		onFrame:  cfg.OnFrame,
		logger:   logger,
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receiveFrames()

	logger.Debug().Str("remote", conn.RemoteAddr()).Msg("Connection opened")
	return c
}

// Name returns the connection label.
func (c *Conn) Name() string {
	return c.name
}

// Send writes one frame without waiting for a reply.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.Wrapf(correlator.ErrConnectionClosed, "%s connection", c.name)
	}

	if err := c.conn.WriteText(ctx, data); err != nil {
		return errors.Wrapf(err, "failed to send on %s connection", c.name)
	}
	return nil
}

// Await registers pred, writes data and waits for the operation to resolve.
func (c *Conn) Await(ctx context.Context, data []byte, pred correlator.Predicate, opts correlator.Options) (correlator.Result, error) {
	return c.corr.Await(ctx, func() error { return c.Send(ctx, data) }, pred, opts)
}

// Pending returns the number of operations waiting on this connection.
func (c *Conn) Pending() int {
	return c.corr.Pending()
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open or after a local Close.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close releases the transport and fails every pending operation with
// correlator.ErrConnectionClosed. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.corr.Close(nil)
		err = c.conn.Close()
		c.wg.Wait()
		close(c.done)
		c.logger.Debug().Msg("Connection closed")
	})
	return err
}

func (c *Conn) receiveFrames() {
	defer c.wg.Done()

	for {
		data, err := c.conn.ReadText(context.Background())
		if err != nil {
			c.lost(err)
			return
		}

		if protocol.IsKeepalive(data) {
			ctx, cancel := context.WithTimeout(context.Background(), keepaliveWriteTimeout)
			if err := c.Send(ctx, protocol.Keepalive); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to answer keepalive")
			} else {
				c.logger.Trace().Msg("Answered keepalive")
			}
			cancel()
			continue
		}

		f := protocol.DecodeFrame(data)
		if c.observer != nil {
			c.observer.Observe(&f)
		}
		consumed := c.corr.Dispatch(f)
		c.logger.Trace().Bool("consumed", consumed).Str("shape", f.Shape.String()).Str("phase", f.Phase.String()).Msg("Frame received")

		if c.onFrame != nil {
			c.onFrame(c.name, f)
		}
	}
}

// lost records a transport failure and fails pending operations.
func (c *Conn) lost(err error) {
	c.mu.Lock()
	closing := c.closed
	c.closed = true
	if !closing {
		c.err = err
	}
	c.mu.Unlock()

	if closing {
		return
	}
	c.logger.Warn().Err(err).Msg("Connection lost")
	c.corr.Close(err)
	go c.Close()
}
