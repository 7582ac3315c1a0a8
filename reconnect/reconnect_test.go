package reconnect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/flowconn/connection"
	"github.com/risa-org/flowconn/inbox"
	"github.com/risa-org/flowconn/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog is a Binder that records the order of calls.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) Connect(sessionID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "connect:"+sessionID+":"+key)
}

func (c *callLog) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "disconnect")
}

func (c *callLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// openGate returns a gate that is already open.
func openGate() *Gate {
	g := NewGate()
	g.Open()
	return g
}

func TestRebindDisconnectsBeforeConnecting(t *testing.T) {
	b := &callLog{}
	c := New(b, "s1", openGate(), zerolog.Nop())

	c.Rebind("Persona B")

	assert.Equal(t, []string{"disconnect", "connect:s1:Persona B"}, b.all())
	assert.Equal(t, "Persona B", c.Key())
	assert.Equal(t, 1, c.Rebinds())
}

func TestStartWaitsForGate(t *testing.T) {
	b := &callLog{}
	gate := NewGate()
	c := New(b, "s1", gate, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), "Persona A") }()

	select {
	case <-done:
		t.Fatal("Start returned before the gate opened")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, b.all(), "no connect before readiness")

	gate.Open()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"disconnect", "connect:s1:Persona A"}, b.all())
}

func TestRebindBeforeReadyIsDeferredToStart(t *testing.T) {
	b := &callLog{}
	gate := NewGate()
	c := New(b, "s1", gate, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), "Persona A") }()

	require.Eventually(t, func() bool { return c.Key() == "Persona A" }, time.Second, 5*time.Millisecond)
	c.Rebind("Persona B")
	assert.Empty(t, b.all(), "no connect before readiness")
	assert.Equal(t, 0, c.Rebinds())

	gate.Open()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"disconnect", "connect:s1:Persona B"}, b.all())
	assert.Equal(t, 1, c.Rebinds())
}

func TestStartHonorsContext(t *testing.T) {
	b := &callLog{}
	c := New(b, "s1", NewGate(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Start(ctx, "Persona A")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.all())
}

func TestCloseReleasesPendingStart(t *testing.T) {
	b := &callLog{}
	gate := NewGate()
	c := New(b, "s1", gate, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), "Persona A") }()
	require.Eventually(t, func() bool { return c.Key() == "Persona A" }, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()
	assert.ErrorIs(t, <-done, ErrClosed)

	gate.Open()
	c.Rebind("Persona B")
	assert.Empty(t, b.all(), "nothing connects after Close")
	assert.Equal(t, 0, c.Rebinds())
}

func TestStartAfterCloseConnectsNothing(t *testing.T) {
	b := &callLog{}
	c := New(b, "s1", openGate(), zerolog.Nop())

	c.Close()

	assert.ErrorIs(t, c.Start(context.Background(), "Persona A"), ErrClosed)
	assert.Empty(t, b.all())
}

func TestGateOpenIsIdempotent(t *testing.T) {
	g := NewGate()
	assert.False(t, g.IsOpen())
	g.Open()
	g.Open()
	assert.True(t, g.IsOpen())
}

// countingDialer opens fake handles and records the highest number that
// were ever open together.
type countingDialer struct {
	mu      *sync.Mutex
	open    *int
	maxOpen *int
	dials   int
}

type countingHandle struct {
	d      *countingDialer
	closed bool
}

func (d *countingDialer) Dial(transport.Target, transport.Emitter) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	*d.open++
	if *d.open > *d.maxOpen {
		*d.maxOpen = *d.open
	}
	return &countingHandle{d: d}, nil
}

func (h *countingHandle) Send(context.Context, []byte) error { return nil }

func (h *countingHandle) Close() error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if !h.closed {
		h.closed = true
		*h.d.open--
	}
	return nil
}

func TestRebindNeverOverlapsTransports(t *testing.T) {
	var mu sync.Mutex
	var open, maxOpen int
	primary := &countingDialer{mu: &mu, open: &open, maxOpen: &maxOpen}
	secondary := &countingDialer{mu: &mu, open: &open, maxOpen: &maxOpen}
	m := connection.New(primary, secondary, inbox.New(0))

	c := New(m, "s1", openGate(), zerolog.Nop())
	c.Rebind("Persona A")
	m.Deliver(m.Generation(), transport.Opened())
	require.True(t, m.IsConnected())

	c.Rebind("Persona B")

	assert.Equal(t, "Persona B", m.BindingKey())
	assert.Equal(t, connection.StateConnecting, m.State())
	assert.Equal(t, 2, primary.dials)
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, maxOpen, "two transports were open at the same time")
}

func TestConcurrentRebindsAreSerialized(t *testing.T) {
	var mu sync.Mutex
	var open, maxOpen int
	primary := &countingDialer{mu: &mu, open: &open, maxOpen: &maxOpen}
	m := connection.New(primary, &countingDialer{mu: &mu, open: &open, maxOpen: &maxOpen}, inbox.New(0))
	c := New(m, "s1", openGate(), zerolog.Nop())

	var wg sync.WaitGroup
	for _, key := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			c.Rebind(k)
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 4, c.Rebinds())
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, maxOpen)
	assert.Equal(t, c.Key(), m.BindingKey())
}
