// Package sse implements the secondary, receive-only transport over a
// server-sent event stream.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/risa-org/flowconn/transport"
	"github.com/rs/zerolog"
)

// MaxLineSize bounds a single line of the stream.
const MaxLineSize = 1 << 20

// Dialer opens secondary transports.
type Dialer struct {
	endpoints transport.Endpoints
	client    *http.Client
	log       zerolog.Logger
}

// NewDialer creates an event-stream dialer. A nil client uses a fresh
// http.Client without a timeout, since the stream is long-lived.
func NewDialer(endpoints transport.Endpoints, client *http.Client, log zerolog.Logger) *Dialer {
	if client == nil {
		client = &http.Client{}
	}
	return &Dialer{endpoints: endpoints, client: client, log: log}
}

// Dial issues the stream request in the background and returns at once.
func (d *Dialer) Dial(target transport.Target, emit transport.Emitter) (transport.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		url:    d.endpoints.Secondary(target.SessionID),
		client: d.client,
		emit:   emit,
		ctx:    ctx,
		cancel: cancel,
		log:    d.log.With().Str("transport", "sse").Str("session", target.SessionID).Logger(),
	}
	go s.run()
	return s, nil
}

// Stream is one open event stream.
type Stream struct {
	url       string
	client    *http.Client
	emit      transport.Emitter
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       zerolog.Logger
}

// Send always fails: the stream carries server pushes only.
func (s *Stream) Send(context.Context, []byte) error {
	return transport.ErrUnidirectional
}

// Close aborts the request. Safe to call multiple times.
func (s *Stream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *Stream) run() {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.signal(transport.Errored(fmt.Errorf("build stream request: %w", err)))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Info().Err(err).Str("url", s.url).Msg("event stream request failed")
		s.signal(transport.Errored(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Info().Int("status", resp.StatusCode).Msg("event stream rejected")
		s.signal(transport.Errored(fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)))
		return
	}

	s.log.Info().Str("url", s.url).Msg("event stream connected")
	s.signal(transport.Opened())

	err = Decode(resp.Body, func(ev Event) {
		if ev.Name != "" && ev.Name != "message" {
			return
		}
		s.log.Debug().Int("bytes", len(ev.Data)).Msg("event stream received")
		s.signal(transport.Message([]byte(ev.Data)))
	})
	if err == nil {
		err = io.EOF
	}
	// a browser EventSource reports the end of the stream as an error too
	s.log.Info().Err(err).Msg("event stream ended")
	s.signal(transport.Errored(err))
}

func (s *Stream) signal(ev transport.Event) {
	if s.ctx.Err() != nil {
		return
	}
	s.emit(ev)
}

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	ID   string
	Data string
}

// Decode reads the event-stream format from r and calls fn for each
// dispatched event. Data lines are joined with "\n"; events without data
// are skipped. Returns nil at a clean EOF.
func Decode(r io.Reader, fn func(Event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)

	var (
		cur  Event
		data []string
	)
	dispatch := func() {
		if len(data) > 0 {
			cur.Data = strings.Join(data, "\n")
			fn(cur)
		}
		cur = Event{}
		data = data[:0]
	}

	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.Name = value
		case "data":
			data = append(data, value)
		case "id":
			cur.ID = value
		}
	}
	return sc.Err()
}
