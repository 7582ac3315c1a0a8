// Package siteprops fetches the display configuration the backend exposes
// at /site-properties and resolves which avatar a client starts with.
//
// Fetching never fails from the caller's point of view: any problem falls
// back to the built-in defaults, so a connection can always be attempted.
package siteprops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/risa-org/flowconn/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/risa-org/flowconn/siteprops"

// DefaultTimeout bounds one fetch.
const DefaultTimeout = 5 * time.Second

// maxBodySize caps the configuration document.
const maxBodySize = 1 << 20

// Avatar is one persona the user can talk to. Its name is the binding key.
type Avatar struct {
	Avatar   string `json:"avatar"`
	Demeanor string `json:"demeanor,omitempty"`
	Persona  string `json:"persona,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// Properties is the display configuration.
type Properties struct {
	PreferredName    string   `json:"FLOWBOT_PREFERRED_NAME"`
	SupportEmail     string   `json:"SUPPORT_EMAIL"`
	DefaultLanguage  string   `json:"DEFAULT_LANGUAGE"`
	AlternateAvatars []Avatar `json:"ALTERNATE_AVATARS"`
}

// BuiltinAvatar is used whenever the backend offers no avatars.
var BuiltinAvatar = Avatar{
	Avatar:  transport.DefaultBindingKey,
	Persona: "assistant",
	Icon:    "/static/flowbot-avatar.png",
	Default: true,
}

// Defaults returns the built-in configuration.
func Defaults() Properties {
	return Properties{
		PreferredName:    transport.DefaultBindingKey,
		SupportEmail:     "support@permitflow.bettini.us",
		DefaultLanguage:  "en-US",
		AlternateAvatars: []Avatar{BuiltinAvatar},
	}
}

// Merge decodes a JSON document over the defaults. Keys missing from the
// document keep their default; a missing or empty avatar list falls back
// to the built-in avatar.
func Merge(data []byte) (Properties, error) {
	props := Defaults()
	props.AlternateAvatars = nil
	if err := json.Unmarshal(data, &props); err != nil {
		return Defaults(), fmt.Errorf("decode site properties: %w", err)
	}
	if len(props.AlternateAvatars) == 0 {
		props.AlternateAvatars = []Avatar{BuiltinAvatar}
	}
	return props, nil
}

// Lookup finds an avatar by name.
func (p Properties) Lookup(name string) (Avatar, bool) {
	for _, av := range p.AlternateAvatars {
		if av.Avatar == name {
			return av, true
		}
	}
	return Avatar{}, false
}

// Resolve picks the starting avatar: the saved choice if it still exists,
// else the one flagged default, else the first, else the built-in one.
func (p Properties) Resolve(saved string) Avatar {
	if saved != "" {
		if av, ok := p.Lookup(saved); ok {
			return av
		}
	}
	for _, av := range p.AlternateAvatars {
		if av.Default {
			return av
		}
	}
	if len(p.AlternateAvatars) > 0 {
		return p.AlternateAvatars[0]
	}
	return BuiltinAvatar
}

// Fetcher loads Properties from the backend.
type Fetcher struct {
	url     string
	client  *http.Client
	timeout time.Duration
	tracer  trace.Tracer
	log     zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTracerProvider records fetch spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Fetcher) {
		if tp != nil {
			f.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// NewFetcher creates a fetcher for the backend. A nil client uses
// http.DefaultClient; timeout <= 0 uses DefaultTimeout.
func NewFetcher(endpoints transport.Endpoints, client *http.Client, timeout time.Duration, log zerolog.Logger, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{
		url:     endpoints.SiteProperties(),
		client:  client,
		timeout: timeout,
		tracer:  otel.Tracer(instrumentationName),
		log:     log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the backend configuration merged over the defaults,
// or the defaults alone if anything goes wrong.
func (f *Fetcher) Fetch(ctx context.Context) Properties {
	ctx, span := f.tracer.Start(ctx, "flowconn.site_properties", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	props, err := f.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "using defaults")
		f.log.Warn().Err(err).Msg("site properties unavailable, using defaults")
		return Defaults()
	}
	return props
}

func (f *Fetcher) fetch(ctx context.Context) (Properties, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Properties{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Properties{}, fmt.Errorf("fetch site properties: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Properties{}, fmt.Errorf("fetch site properties: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Properties{}, fmt.Errorf("read site properties: %w", err)
	}
	return Merge(data)
}
