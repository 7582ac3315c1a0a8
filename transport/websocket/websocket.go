package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/risa-org/flowconn/transport"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// DefaultDialTimeout bounds the opening handshake.
const DefaultDialTimeout = 10 * time.Second

// DefaultReadLimit is the largest inbound frame accepted, in bytes.
const DefaultReadLimit int64 = 1 << 20

// Dialer opens primary transports over WebSocket.
type Dialer struct {
	endpoints   transport.Endpoints
	dialTimeout time.Duration
	readLimit   int64
	opts        *websocket.DialOptions
	log         zerolog.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.dialTimeout = d
		}
	}
}

// WithDialOptions passes options through to websocket.Dial,
// e.g. a custom HTTP client or extra headers.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(dl *Dialer) { dl.opts = opts }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(dl *Dialer) { dl.log = log }
}

// NewDialer creates a primary transport dialer for the given backend.
func NewDialer(endpoints transport.Endpoints, opts ...Option) *Dialer {
	d := &Dialer{
		endpoints:   endpoints,
		dialTimeout: DefaultDialTimeout,
		readLimit:   DefaultReadLimit,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial starts the WebSocket handshake in the background and returns at once.
// The outcome arrives through emit: Opened on success, Errored otherwise.
func (d *Dialer) Dial(target transport.Target, emit transport.Emitter) (transport.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		url:    d.endpoints.Primary(target),
		emit:   emit,
		ctx:    ctx,
		cancel: cancel,
		log:    d.log.With().Str("transport", "websocket").Str("session", target.SessionID).Logger(),
	}
	go a.run(d.dialTimeout, d.readLimit, d.opts)
	return a, nil
}

// Adapter implements transport.Handle over a WebSocket connection.
// WebSocket already has message boundaries built in, so each text frame
// is one payload, passed through untouched.
type Adapter struct {
	url       string
	emit      transport.Emitter
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn // nil until the handshake completes
}

// Send writes one text frame. Returns transport.ErrTransportClosed before
// the handshake completes or after Close.
func (a *Adapter) Send(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil || a.ctx.Err() != nil {
		return transport.ErrTransportClosed
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

// Close cancels the handshake or read loop and starts the closing
// handshake in the background. Safe to call multiple times.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn != nil {
			// conn.Close waits for the peer to answer the close frame
			go conn.Close(websocket.StatusNormalClosure, "closed")
		}
	})
	return nil
}

func (a *Adapter) run(timeout time.Duration, readLimit int64, opts *websocket.DialOptions) {
	dialCtx, cancel := context.WithTimeout(a.ctx, timeout)
	conn, _, err := websocket.Dial(dialCtx, a.url, opts)
	cancel()
	if err != nil {
		ev := transport.Errored(err)
		if errors.Is(err, context.DeadlineExceeded) {
			ev.Reason = transport.ReasonTimeout
		}
		a.log.Info().Err(err).Str("url", a.url).Msg("websocket dial failed")
		a.signal(ev)
		return
	}
	conn.SetReadLimit(readLimit)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	// Close may have run between Dial returning and conn being stored.
	if a.ctx.Err() != nil {
		conn.Close(websocket.StatusNormalClosure, "closed")
		return
	}

	a.log.Info().Str("url", a.url).Msg("websocket connected")
	a.signal(transport.Opened())
	a.readLoop(conn)
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		a.log.Debug().Int("bytes", len(data)).Msg("websocket received")
		a.signal(transport.Message(data))
	}
}

// signalDisconnect sends exactly one closing event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes -
// different WebSocket implementations and shutdown timing produce either code.
// Anything else is reported as an error.
func (a *Adapter) signalDisconnect(err error) {
	status := websocket.CloseStatus(err)
	switch status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		a.log.Info().Int("status", int(status)).Msg("websocket closed")
		a.signal(transport.Closed(transport.ReasonClosedClean))
	default:
		a.log.Info().Err(err).Msg("websocket read failed")
		a.signal(transport.Errored(err))
	}
}

// signal forwards an event unless we closed the adapter ourselves.
func (a *Adapter) signal(ev transport.Event) {
	if a.ctx.Err() != nil {
		return
	}
	a.emit(ev)
}
