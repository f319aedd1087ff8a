package connection

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Names of the two service connections.
const (
	PushName    = "push"
	CommandName = "command"
)

// PairOptions describes both sockets of a logged-in client.
type PairOptions struct {
	PushURL    string
	CommandURL string
	Cookie     string
	Timeout    time.Duration

	// ClientName and UserChannel form the push socket greeting.
	ClientName  string
	UserChannel string
}

// Pair holds the push socket, which carries channel subscriptions and room
// RPCs, and the command socket, which carries turn management commands.
type Pair struct {
	Push    *Conn
	Command *Conn
}

// OpenPair dials both sockets concurrently. If either fails the other is closed.
func OpenPair(ctx context.Context, opts PairOptions, cfg Config) (*Pair, error) {
	var pair Pair

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pushCfg := cfg
		pushCfg.Name = PushName
		conn, err := Open(gctx, opts.PushURL, Options{
			Cookie:     opts.Cookie,
			Timeout:    opts.Timeout,
			ClientName: opts.ClientName,
			Channel:    opts.UserChannel,
		}, pushCfg)
		pair.Push = conn
		return err
	})
	g.Go(func() error {
		commandCfg := cfg
		commandCfg.Name = CommandName
		conn, err := Open(gctx, opts.CommandURL, Options{
			Cookie:  opts.Cookie,
			Timeout: opts.Timeout,
		}, commandCfg)
		pair.Command = conn
		return err
	})

	if err := g.Wait(); err != nil {
		pair.Close()
		return nil, errors.Wrap(err, "failed to open connections")
	}
	return &pair, nil
}

// Close closes both sockets and returns the first error.
func (p *Pair) Close() error {
	var first error
	for _, c := range []*Conn{p.Push, p.Command} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
