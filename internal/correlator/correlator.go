// Package correlator turns one shared inbound frame stream into independent
// awaited operations.
//
// Each operation registers a predicate before its request is written. Every
// inbound frame is offered to the pending operations in registration order and
// the first one that matches consumes it. An operation is resolved exactly once:
// by a match, by its deadline, by connection close, or by its caller giving up.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/cai-socket/pkg/protocol"
)

// Verdict is a predicate's judgement of one frame.
type Verdict int

const (
	// Continue means the frame is well formed but not the awaited one.
	Continue Verdict = iota
	// Match resolves the operation with the frame.
	Match
	// Malformed means the frame does not have the shape this predicate expects.
	Malformed
)

// String returns the string representation of Verdict
func (v Verdict) String() string {
	switch v {
	case Continue:
		return "CONTINUE"
	case Match:
		return "MATCH"
	case Malformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// Predicate decides whether f completes an operation.
// Predicates run on the dispatch path and must not call back into the Correlator.
type Predicate func(f protocol.Frame) Verdict

// Options tunes one awaited operation.
type Options struct {
	// Accumulate collects every frame seen before the match, in arrival order.
	Accumulate bool
	// Timeout fails the operation with ErrTimeout. Zero or negative means no deadline.
	Timeout time.Duration
}

// Result is what a matched operation resolves with.
type Result struct {
	// Frame is the frame that matched.
	Frame protocol.Frame
	// Frames holds the accumulated frames followed by Frame. Empty unless Options.Accumulate.
	Frames []protocol.Frame
}

// Config configures a Correlator.
type Config struct {
	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Correlator tracks the operations pending on one connection.
type Correlator struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	pending []*Pending
	closed  error
	nextID  uint64
}

// New creates a Correlator. A nil clock means the real one.
func New(cfg Config) *Correlator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Correlator{
		clock:  clock,
		logger: cfg.Logger,
	}
}

type outcome struct {
	res Result
	err error
}

// Pending is the disposable handle of one registered operation.
type Pending struct {
	id   uint64
	c    *Correlator
	pred Predicate
	opts Options

	// guarded by c.mu
	buf      []protocol.Frame
	timer    clockwork.Timer
	resolved bool

	done chan outcome
}

// Register adds an operation to the end of the pending list.
// It fails with ErrConnectionClosed once the Correlator is closed.
func (c *Correlator) Register(pred Predicate, opts Options) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}

	c.nextID++
	p := &Pending{
		id:   c.nextID,
		c:    c,
		pred: pred,
		opts: opts,
		done: make(chan outcome, 1),
	}
	if opts.Timeout > 0 {
		p.timer = c.clock.AfterFunc(opts.Timeout, p.expire)
	}
	c.pending = append(c.pending, p)

	c.logger.Trace().Uint64("op", p.id).Bool("accumulate", opts.Accumulate).Dur("timeout", opts.Timeout).Msg("Registered operation")
	return p, nil
}

// Await registers pred, calls send, and waits for the operation to resolve.
// Registration happens before send so a reply racing the write is not lost.
func (c *Correlator) Await(ctx context.Context, send func() error, pred Predicate, opts Options) (Result, error) {
	p, err := c.Register(pred, opts)
	if err != nil {
		return Result{}, err
	}
	if err := send(); err != nil {
		p.Release()
		return Result{}, errors.Wrap(err, "failed to send request")
	}
	return p.Wait(ctx)
}

// Dispatch offers f to the pending operations in registration order.
// It reports whether some operation consumed the frame.
func (c *Correlator) Dispatch(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.pending); i++ {
		p := c.pending[i]

		verdict := Match
		if p.pred != nil {
			verdict = p.pred(f)
		}

		if verdict != Match {
			if p.opts.Accumulate {
				p.buf = append(p.buf, f)
			}
			continue
		}

		res := Result{Frame: f}
		if p.opts.Accumulate {
			res.Frames = append(p.buf, f)
		}
		var err error
		if serverErr := f.ServerError(); serverErr != nil {
			err = serverErr
		}
		c.finishLocked(p, outcome{res: res, err: err})
		c.logger.Debug().Uint64("op", p.id).Int("frames", len(res.Frames)).Bool("server_error", err != nil).Msg("Operation matched")
		return true
	}
	return false
}

// Pending returns the number of operations still waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending operation with ErrConnectionClosed and rejects
// later registrations. cause, when not nil, is kept in the error message.
func (c *Correlator) Close(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return
	}
	c.closed = ErrConnectionClosed
	if cause != nil {
		c.closed = errors.Wrap(ErrConnectionClosed, cause.Error())
	}

	pending := c.pending
	for _, p := range pending {
		c.finishLocked(p, outcome{err: c.closed})
	}
	if len(pending) > 0 {
		c.logger.Debug().Int("count", len(pending)).Msg("Failed pending operations on close")
	}
}

// finishLocked removes p and delivers o. Only the first call for p has any effect.
func (c *Correlator) finishLocked(p *Pending, o outcome) bool {
	if p.resolved {
		return false
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
	p.buf = nil
	p.done <- o
	return true
}

func (c *Correlator) finish(p *Pending, o outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked(p, o)
}

func (p *Pending) expire() {
	if p.c.finish(p, outcome{err: errors.Wrapf(ErrTimeout, "no reply within %s", p.opts.Timeout)}) {
		p.c.logger.Debug().Uint64("op", p.id).Dur("timeout", p.opts.Timeout).Msg("Operation timed out")
	}
}

// Wait blocks until the operation resolves or ctx is done. If ctx ends first
// the operation is detached and ctx.Err() returned, unless a result raced in.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case o := <-p.done:
		return o.res, o.err
	case <-ctx.Done():
		p.c.finish(p, outcome{err: ctx.Err()})
		o := <-p.done
		return o.res, o.err
	}
}

// Release detaches the operation if it is still pending. It is safe to call
// more than once and after resolution.
func (p *Pending) Release() {
	p.c.finish(p, outcome{err: ErrReleased})
}
