package reconnect

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Start once the coordinator is closed.
var ErrClosed = errors.New("reconnect: coordinator closed")

// Binder is the slice of the transport state machine the coordinator
// drives. We define it as an interface here so this package doesn't need
// to know anything about how transports are opened.
type Binder interface {
	Connect(sessionID, key string)
	Disconnect()
}

// Gate is a one-shot readiness signal. The presentation layer opens it once
// it can render; the first connect waits for it instead of a timer.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open lets every waiter through. Safe to call more than once.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Done is closed once the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.ch
}

// IsOpen reports whether Open has been called.
func (g *Gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Coordinator rebinds the session to a new binding key.
// Rebinds are serialized, and each one fully disconnects before it
// connects, so two transports are never open together.
type Coordinator struct {
	binder    Binder
	sessionID string
	gate      *Gate
	log       zerolog.Logger
	done      chan struct{}

	mu      sync.Mutex
	key     string
	rebinds int
	closed  bool
}

// New creates a coordinator for one session. The first connect waits on gate.
func New(binder Binder, sessionID string, gate *Gate, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		binder:    binder,
		sessionID: sessionID,
		gate:      gate,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Start waits until the gate opens, then connects as the most recently
// requested key (key itself, unless Rebind was called while waiting).
// Returns ctx.Err() if the context ends first, or ErrClosed if Close was
// called; nothing is connected then.
func (c *Coordinator) Start(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.key = key
	c.mu.Unlock()

	select {
	case <-c.gate.Done():
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.rebind(c.key)
	return nil
}

// Rebind disconnects the current transport and connects as key.
// Before the gate opens it only records key for Start.
//
// Steps:
//  1. Disconnect - the old handle is closed when this returns
//  2. Connect with the new key
//
// Never concurrent with another Rebind. A no-op after Close.
func (c *Coordinator) Rebind(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if !c.gate.IsOpen() {
		c.key = key
		c.log.Debug().Str("session", c.sessionID).Str("key", key).Msg("not ready, rebind deferred")
		return
	}
	c.rebind(key)
}

func (c *Coordinator) rebind(key string) {
	prev := c.key
	c.binder.Disconnect()
	c.binder.Connect(c.sessionID, key)
	c.key = key
	c.rebinds++

	c.log.Info().
		Str("session", c.sessionID).
		Str("from", prev).
		Str("to", key).
		Msg("rebound transport")
}

// Close releases a pending Start and makes later Start and Rebind calls
// no-ops. It waits for an in-progress rebind to finish but does not
// disconnect; the caller owns the binder.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Key returns the binding key of the last Rebind.
func (c *Coordinator) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Rebinds returns how many times the coordinator has rebound, for observability.
func (c *Coordinator) Rebinds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebinds
}
