package connection

import (
	"context"
	"sync"

	"github.com/risa-org/flowconn/inbox"
	"github.com/risa-org/flowconn/transport"
	"github.com/rs/zerolog"
)

// Machine owns the single transport slot and drives the
// primary -> secondary -> failed fallback chain.
//
// Transports report through an emitter bound to the generation they were
// opened under. Disconnect and every replacement advance the generation,
// so late events from a superseded transport are discarded.
//
// Event processing is serialized. Status and message callbacks run after
// the state lock is released, so they may call Send, Connect or Disconnect.
// They must not call Deliver.
type Machine struct {
	primary   transport.Dialer
	secondary transport.Dialer
	inbox     *inbox.Buffer
	onStatus  StatusFunc
	log       zerolog.Logger

	dispatch sync.Mutex // one event at a time, callbacks included

	mu     sync.Mutex
	target transport.Target
	kind   transport.Kind
	state  State
	handle transport.Handle
	gen    Generation
	status Status

	afterApply func() // test hook, runs between apply and its effects
}

// Option configures a Machine.
type Option func(*Machine)

// WithStatusFunc registers the status callback.
func WithStatusFunc(fn StatusFunc) Option {
	return func(m *Machine) { m.onStatus = fn }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// New creates an idle machine. Inbound payloads go to in.
func New(primary, secondary transport.Dialer, in *inbox.Buffer, opts ...Option) *Machine {
	m := &Machine{
		primary:   primary,
		secondary: secondary,
		inbox:     in,
		log:       zerolog.Nop(),
		status:    StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the primary transport for the session as key.
// A machine already open or connecting for the same session and key does
// nothing. Any other transport is torn down first.
func (m *Machine) Connect(sessionID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := transport.Target{SessionID: sessionID, BindingKey: key}
	if m.live() && m.target == target {
		m.log.Debug().Str("avatar", key).Stringer("kind", m.kind).Msg("already connected, skipping duplicate connect")
		return
	}

	m.teardown()
	m.target = target
	m.open(transport.KindPrimary)
}

// Disconnect closes whichever transport is active and returns to Idle.
// Safe to call any number of times.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown()
}

// IsConnected reports whether the full-duplex primary transport is open.
func (m *Machine) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind == transport.KindPrimary && m.state == StateOpen
}

// Send writes text to the open primary transport. Anything else, including
// a failed write, yields Deferred and the caller owns the degraded path.
func (m *Machine) Send(ctx context.Context, text string) SendOutcome {
	m.mu.Lock()
	h := m.handle
	ok := h != nil && m.kind == transport.KindPrimary && m.state == StateOpen
	m.mu.Unlock()

	if !ok {
		return Deferred
	}
	if err := h.Send(ctx, []byte(text)); err != nil {
		m.log.Warn().Err(err).Msg("primary write failed, deferring")
		return Deferred
	}
	return SentPrimary
}

// State returns the state of the active transport.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Kind returns which transport occupies the slot.
func (m *Machine) Kind() transport.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind
}

// Target returns the session and binding key of the last Connect.
func (m *Machine) Target() transport.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// BindingKey returns the binding key of the last Connect.
func (m *Machine) BindingKey() string {
	return m.Target().BindingKey
}

// Status returns the last published status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Generation returns the tag of the current transport instance.
func (m *Machine) Generation() Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Deliver feeds one transport event into the machine. Events tagged with
// any generation other than the current one are dropped.
func (m *Machine) Deliver(gen Generation, ev transport.Event) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	fx := m.apply(gen, ev)
	m.mu.Unlock()

	if m.afterApply != nil {
		m.afterApply()
	}

	// a Disconnect or replacement since apply invalidates the payload
	if fx.deliver && m.inbox != nil && m.isCurrent(gen) {
		m.inbox.Push(fx.payload)
	}
	if fx.notify && m.onStatus != nil {
		m.onStatus(fx.status)
	}
}

func (m *Machine) isCurrent(gen Generation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.kind != transport.KindNone
}

// effects are the callbacks an event produced, run outside the state lock.
type effects struct {
	deliver bool
	payload []byte
	notify  bool
	status  Status
}

// apply is the state-transition function. Must be called with mu held.
func (m *Machine) apply(gen Generation, ev transport.Event) effects {
	var fx effects

	if gen != m.gen || m.kind == transport.KindNone || m.state == StateFailed {
		m.log.Debug().
			Uint64("generation", uint64(gen)).
			Uint64("current", uint64(m.gen)).
			Stringer("event", ev.Type).
			Msg("discarding stale transport event")
		return fx
	}

	switch ev.Type {
	case transport.EventOpened:
		if m.state != StateConnecting || !m.transition(StateOpen) {
			return fx
		}
		fx.notify = true
		if m.kind == transport.KindPrimary {
			fx.status = StatusConnectedPrimary
		} else {
			fx.status = StatusConnectedSecondary
		}
		m.status = fx.status
		m.log.Info().
			Stringer("kind", m.kind).
			Str("session", m.target.SessionID).
			Str("avatar", m.target.BindingKey).
			Msg("transport open")

	case transport.EventMessage:
		fx.deliver = true
		fx.payload = ev.Payload

	case transport.EventErrored, transport.EventClosed:
		if m.kind == transport.KindPrimary {
			m.log.Warn().Err(ev.Err).Stringer("reason", ev.Reason).Msg("primary transport lost, falling back to secondary")
			m.closeHandle()
			m.open(transport.KindSecondary)
			return fx
		}

		m.log.Warn().Err(ev.Err).Stringer("reason", ev.Reason).Msg("secondary transport lost, disconnected")
		m.closeHandle()
		m.transition(StateFailed)
		m.gen++
		m.status = StatusDisconnected
		fx.notify = true
		fx.status = StatusDisconnected
	}
	return fx
}

// live reports whether a transport is open or on its way there.
func (m *Machine) live() bool {
	return m.kind != transport.KindNone && (m.state == StateOpen || m.state == StateConnecting)
}

// open dials a transport of the given kind into the empty slot.
// Must be called with mu held, after the previous handle was closed.
func (m *Machine) open(kind transport.Kind) {
	dialer := m.primary
	if kind == transport.KindSecondary {
		dialer = m.secondary
	}

	m.gen++
	gen := m.gen
	m.kind = kind
	m.transition(StateConnecting)

	h, err := dialer.Dial(m.target, func(ev transport.Event) { m.Deliver(gen, ev) })
	if err != nil {
		// report through the normal event path so fallback stays in one place
		m.log.Warn().Err(err).Stringer("kind", kind).Msg("dial failed")
		go m.Deliver(gen, transport.Errored(err))
		return
	}
	m.handle = h
}

// closeHandle moves to Closing and closes the active handle, if any.
func (m *Machine) closeHandle() {
	m.transition(StateClosing)
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.log.Debug().Err(err).Msg("transport close")
		}
		m.handle = nil
	}
}

// teardown empties the slot and invalidates the current generation.
func (m *Machine) teardown() {
	if m.kind != transport.KindNone {
		m.log.Info().Stringer("kind", m.kind).Str("avatar", m.target.BindingKey).Msg("closing transport")
		if m.state != StateFailed {
			m.closeHandle()
		}
		m.transition(StateIdle)
	}
	m.kind = transport.KindNone
	m.state = StateIdle
	m.status = StatusDisconnected
	m.gen++
}

// transition moves to next if the move is legal.
func (m *Machine) transition(next State) bool {
	if m.state == next {
		return true
	}
	if !isValidTransition(m.state, next) {
		m.log.Error().Stringer("from", m.state).Stringer("to", next).Msg("invalid transport state transition")
		return false
	}
	m.state = next
	return true
}
