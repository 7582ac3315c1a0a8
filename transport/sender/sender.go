package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/risa-org/flowconn/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/risa-org/flowconn/transport/sender"

// DefaultTimeout bounds one degraded send.
const DefaultTimeout = 10 * time.Second

// Item is the outbound body of the degraded send path.
type Item struct {
	Text string `json:"text"`
}

// Sender is the degraded send path: one best-effort POST per outbound
// item, used whenever no full-duplex transport is open.
//
// It is at-most-once. Submit never retries and never reports
// failure to the caller; failures only show up in the logs. Callers that
// need the result use Post directly.
type Sender struct {
	endpoints transport.Endpoints
	client    *http.Client
	timeout   time.Duration
	tracer    trace.Tracer
	log       zerolog.Logger

	inflight sync.WaitGroup
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTracerProvider records spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Sender) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sender) { s.log = log }
}

// New creates a Sender for the given backend.
func New(endpoints transport.Endpoints, opts ...Option) *Sender {
	s := &Sender{
		endpoints: endpoints,
		client:    http.DefaultClient,
		timeout:   DefaultTimeout,
		tracer:    otel.Tracer(instrumentationName),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit fires one POST in the background and returns immediately.
// The response is not awaited for correctness.
func (s *Sender) Submit(target transport.Target, text string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Post(ctx, target, text); err != nil {
			s.log.Warn().Err(err).Str("session", target.SessionID).Msg("degraded send failed")
		}
	}()
}

// Wait blocks until every submitted POST has finished.
func (s *Sender) Wait() {
	s.inflight.Wait()
}

// Post performs one degraded send synchronously.
func (s *Sender) Post(ctx context.Context, target transport.Target, text string) error {
	ctx, span := s.tracer.Start(ctx, "flowconn.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flowconn.session", target.SessionID),
			attribute.String("flowconn.avatar", target.BindingKey),
			attribute.Int("flowconn.text_length", len(text)),
		),
	)
	defer span.End()

	err := s.post(ctx, target, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
	}
	return err
}

func (s *Sender) post(ctx context.Context, target transport.Target, text string) error {
	body, err := json.Marshal(Item{Text: text})
	if err != nil {
		return fmt.Errorf("encode send body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoints.Send(target), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send request: unexpected status %d", resp.StatusCode)
	}

	s.log.Debug().Str("session", target.SessionID).Int("bytes", len(body)).Msg("degraded send delivered")
	return nil
}
