// Package client wires the session, transports, state machine, inbox and
// rebind coordinator into the object a chat front end talks to.
//
// Typical use:
//
//	c, err := client.New(client.Options{Config: cfg, Store: store})
//	go c.Start(ctx)
//	c.Ready(sink)         // once the UI can render
//	c.Send(ctx, "hello")
//	c.SelectAvatar("Rex")
//	c.Close()
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/risa-org/flowconn/config"
	"github.com/risa-org/flowconn/connection"
	"github.com/risa-org/flowconn/inbox"
	"github.com/risa-org/flowconn/reconnect"
	"github.com/risa-org/flowconn/session"
	"github.com/risa-org/flowconn/siteprops"
	"github.com/risa-org/flowconn/store/memory"
	"github.com/risa-org/flowconn/transport"
	"github.com/risa-org/flowconn/transport/sender"
	"github.com/risa-org/flowconn/transport/sse"
	"github.com/risa-org/flowconn/transport/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnknownAvatar is returned by SelectAvatar for names the backend
	// does not offer.
	ErrUnknownAvatar = errors.New("unknown avatar")

	// ErrEmptyMessage is returned by Send when the text is blank.
	ErrEmptyMessage = errors.New("empty message")

	// ErrClosed is returned by Send and SelectAvatar after Close.
	ErrClosed = errors.New("client closed")
)

// Options configures a Client. Only Config is required.
type Options struct {
	Config config.Config

	// Store holds the session and preference cookies. Nil means an
	// in-memory store, so the session lasts only as long as the process.
	Store session.Store

	// HTTPClient is used for the event stream, site properties and the
	// degraded send path. It must not set Timeout: the event stream is
	// long-lived. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// TracerProvider receives spans for degraded sends and the site
	// properties fetch. Nil means the global provider.
	TracerProvider trace.TracerProvider

	// OnStatus is told about every connection status change.
	OnStatus connection.StatusFunc

	Logger zerolog.Logger
}

// Client is one chat session against one backend.
type Client struct {
	log     zerolog.Logger
	inbox   *inbox.Buffer
	machine *connection.Machine
	coord   *reconnect.Coordinator
	gate    *reconnect.Gate
	sender  *sender.Sender
	fetcher *siteprops.Fetcher
	prefs   *session.Preferences

	sessionID string

	mu     sync.Mutex
	props  siteprops.Properties
	avatar siteprops.Avatar
	closed bool
}

// New validates cfg and assembles a client. Nothing touches the network
// until Start.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoints, err := transport.NewEndpoints(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	store := opts.Store
	if store == nil {
		store = memory.New()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := opts.Logger

	in := inbox.New(cfg.InboxLimit)

	primary := websocket.NewDialer(endpoints,
		websocket.WithDialTimeout(cfg.DialTimeout),
		websocket.WithLogger(log.With().Str("component", "websocket").Logger()),
	)
	secondary := sse.NewDialer(endpoints, httpClient, log.With().Str("component", "sse").Logger())

	machine := connection.New(primary, secondary, in,
		connection.WithStatusFunc(opts.OnStatus),
		connection.WithLogger(log.With().Str("component", "connection").Logger()),
	)

	senderOpts := []sender.Option{
		sender.WithHTTPClient(httpClient),
		sender.WithTimeout(cfg.SendTimeout),
		sender.WithLogger(log.With().Str("component", "sender").Logger()),
	}
	var fetchOpts []siteprops.Option
	if opts.TracerProvider != nil {
		senderOpts = append(senderOpts, sender.WithTracerProvider(opts.TracerProvider))
		fetchOpts = append(fetchOpts, siteprops.WithTracerProvider(opts.TracerProvider))
	}

	sessionID := session.NewProvider(store, session.WithLogger(log)).GetOrCreate()
	gate := reconnect.NewGate()

	c := &Client{
		log:       log.With().Str("session", sessionID).Logger(),
		inbox:     in,
		machine:   machine,
		gate:      gate,
		coord:     reconnect.New(machine, sessionID, gate, log.With().Str("component", "reconnect").Logger()),
		sender:    sender.New(endpoints, senderOpts...),
		fetcher:   siteprops.NewFetcher(endpoints, httpClient, cfg.FetchTimeout, log, fetchOpts...),
		prefs:     session.NewPreferences(store),
		sessionID: sessionID,
		props:     siteprops.Defaults(),
		avatar:    siteprops.BuiltinAvatar,
	}
	return c, nil
}

// Start loads the site properties, picks the starting avatar from the
// saved preference, then waits for Ready before connecting. It returns
// once the first connection attempt has begun, with ctx.Err(), or with
// ErrClosed if Close ran first.
func (c *Client) Start(ctx context.Context) error {
	props := c.fetcher.Fetch(ctx)
	saved, _ := c.prefs.SelectedAvatar()
	avatar := props.Resolve(saved)

	c.mu.Lock()
	c.props = props
	c.avatar = avatar
	c.mu.Unlock()

	c.log.Info().Str("avatar", avatar.Avatar).Msg("starting")
	if err := c.coord.Start(ctx, avatar.Avatar); err != nil {
		if errors.Is(err, reconnect.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Ready attaches the presentation sink, flushing anything buffered so
// far, and lets the first connection proceed. Later calls are ignored.
func (c *Client) Ready(sink inbox.Sink) {
	if c.inbox.SetReady(sink) {
		c.log.Debug().Msg("presentation ready")
	}
	c.gate.Open()
}

// Send delivers text over the primary transport when it is open, and
// otherwise posts it through the degraded path without waiting.
func (c *Client) Send(ctx context.Context, text string) (connection.SendOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return connection.Deferred, ErrEmptyMessage
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return connection.Deferred, ErrClosed
	}

	outcome := c.machine.Send(ctx, text)
	if outcome != connection.Deferred {
		return outcome, nil
	}

	// Submit under mu so Close cannot start waiting on the sender between
	// the check and the Add.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return connection.Deferred, ErrClosed
	}
	c.sender.Submit(transport.Target{SessionID: c.sessionID, BindingKey: c.avatar.Avatar}, text)
	return outcome, nil
}

// SelectAvatar switches to the named avatar: the preference is saved and
// the session is rebound to it.
func (c *Client) SelectAvatar(name string) (prev, next siteprops.Avatar, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return siteprops.Avatar{}, siteprops.Avatar{}, ErrClosed
	}
	next, ok := c.props.Lookup(name)
	if !ok {
		c.mu.Unlock()
		return siteprops.Avatar{}, siteprops.Avatar{}, fmt.Errorf("%w: %q", ErrUnknownAvatar, name)
	}
	prev = c.avatar
	c.avatar = next
	c.mu.Unlock()

	if err := c.prefs.SetSelectedAvatar(next.Avatar); err != nil {
		c.log.Warn().Err(err).Str("avatar", next.Avatar).Msg("failed to save avatar preference")
	}
	c.coord.Rebind(next.Avatar)
	return prev, next, nil
}

// SessionID returns the session this client speaks for.
func (c *Client) SessionID() string { return c.sessionID }

// Avatar returns the current avatar.
func (c *Client) Avatar() siteprops.Avatar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avatar
}

// Properties returns the site properties, or the defaults before Start.
func (c *Client) Properties() siteprops.Properties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props
}

// Status returns the connection indicator.
func (c *Client) Status() connection.Status { return c.machine.Status() }

// IsConnected reports whether the primary transport is open.
func (c *Client) IsConnected() bool { return c.machine.IsConnected() }

// Dropped returns how many buffered messages were evicted by the inbox limit.
func (c *Client) Dropped() uint64 { return c.inbox.Dropped() }

// Close cancels a pending Start, disconnects and waits for degraded sends
// already in flight.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.coord.Close()
	c.machine.Disconnect()
	c.sender.Wait()
	c.log.Info().Msg("closed")
	return nil
}
