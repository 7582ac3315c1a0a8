package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultBindingKey is used in URLs when no avatar has been chosen yet.
const DefaultBindingKey = "FlowBot"

const (
	PrimaryPath   = "/ws/flowbot"
	SecondaryPath = "/events"
	SendPath      = "/send"
	SitePropsPath = "/site-properties"
)

// Endpoints builds every backend URL from one base URL.
// The base carries scheme and host; "https" bases produce "wss" sockets.
type Endpoints struct {
	base *url.URL
}

// NewEndpoints parses and validates the backend base URL.
func NewEndpoints(base string) (Endpoints, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return Endpoints{}, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return Endpoints{}, fmt.Errorf("base url %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return Endpoints{}, fmt.Errorf("base url %q: missing host", base)
	}
	return Endpoints{base: u}, nil
}

// Primary returns {ws|wss}://<host>/ws/flowbot?avatar=<key>&session=<id>.
func (e Endpoints) Primary(t Target) string {
	scheme := "ws"
	if e.base.Scheme == "https" {
		scheme = "wss"
	}
	key := t.BindingKey
	if key == "" {
		key = DefaultBindingKey
	}
	q := url.Values{}
	q.Set("avatar", key)
	q.Set("session", t.SessionID)
	return e.build(scheme, PrimaryPath, q)
}

// Secondary returns the event-stream URL for a session.
func (e Endpoints) Secondary(sessionID string) string {
	q := url.Values{}
	q.Set("session", sessionID)
	return e.build(e.base.Scheme, SecondaryPath, q)
}

// Send returns the degraded send URL. The avatar parameter is only
// included when a binding key is known.
func (e Endpoints) Send(t Target) string {
	q := url.Values{}
	q.Set("session", t.SessionID)
	if t.BindingKey != "" {
		q.Set("avatar", t.BindingKey)
	}
	return e.build(e.base.Scheme, SendPath, q)
}

// SiteProperties returns the display configuration URL.
func (e Endpoints) SiteProperties() string {
	return e.build(e.base.Scheme, SitePropsPath, nil)
}

func (e Endpoints) build(scheme, path string, q url.Values) string {
	u := url.URL{
		Scheme: scheme,
		Host:   e.base.Host,
		Path:   strings.TrimSuffix(e.base.Path, "/") + path,
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
