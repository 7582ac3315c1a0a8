// Package backendtest runs an in-process chat backend for tests: a
// WebSocket endpoint that echoes, an event stream, the degraded send
// endpoint and the site properties document.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/risa-org/flowconn/transport"
	"nhooyr.io/websocket"
)

// EchoPrefix is prepended to every WebSocket message the server echoes.
const EchoPrefix = "echo:"

// Send is one request received on the degraded send path.
type Send struct {
	Session string
	Avatar  string
	Text    string
}

// Dial is one primary or secondary connection attempt.
type Dial struct {
	Session string
	Avatar  string
	Accept  string
}

// Server is a fake backend. All methods are safe for concurrent use.
type Server struct {
	srv       *httptest.Server
	noWS      bool
	props     string
	propsCode int
	done      chan struct{}

	mu       sync.Mutex
	wsDials  []Dial
	sseDials []Dial
	wsRecv   []string
	sends    []Send
	wsConns  map[*websocket.Conn]struct{}
	streams  map[chan string]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithoutWebSocket makes the primary endpoint answer 404, forcing
// clients onto the event stream.
func WithoutWebSocket() Option {
	return func(s *Server) { s.noWS = true }
}

// WithSiteProperties serves body from /site-properties with status code.
func WithSiteProperties(code int, body string) Option {
	return func(s *Server) {
		s.propsCode = code
		s.props = body
	}
}

// New starts a backend and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		propsCode: http.StatusOK,
		props:     `{}`,
		done:      make(chan struct{}),
		wsConns:   make(map[*websocket.Conn]struct{}),
		streams:   make(map[chan string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(transport.PrimaryPath, s.handleWS)
	mux.HandleFunc(transport.SecondaryPath, s.handleEvents)
	mux.HandleFunc(transport.SendPath, s.handleSend)
	mux.HandleFunc(transport.SitePropsPath, s.handleSiteProps)
	s.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(s.done)
		s.srv.CloseClientConnections()
		s.srv.Close()
	})
	return s
}

// URL is the base URL to configure clients with.
func (s *Server) URL() string { return s.srv.URL }

// Client returns an HTTP client wired to the server.
func (s *Server) Client() *http.Client { return s.srv.Client() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.noWS {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	s.mu.Lock()
	s.wsDials = append(s.wsDials, Dial{Session: q.Get("session"), Avatar: q.Get("avatar")})
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.wsConns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsConns, conn)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.wsRecv = append(s.wsRecv, string(data))
		s.mu.Unlock()

		if err := conn.Write(ctx, websocket.MessageText, append([]byte(EchoPrefix), data...)); err != nil {
			return
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	frames := make(chan string, 16)

	s.mu.Lock()
	s.sseDials = append(s.sseDials, Dial{
		Session: r.URL.Query().Get("session"),
		Accept:  r.Header.Get("Accept"),
	})
	s.streams[frames] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.streams, frames)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, f); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()

	s.mu.Lock()
	s.sends = append(s.sends, Send{Session: q.Get("session"), Avatar: q.Get("avatar"), Text: body.Text})
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSiteProps(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(s.propsCode)
	io.WriteString(w, s.props)
}

// PushEvent sends one message event to every open event stream and
// returns how many streams received it.
func (s *Server) PushEvent(data string) int {
	frame := fmt.Sprintf("data: %s\n\n", data)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams {
		ch <- frame
	}
	return len(s.streams)
}

// PushWS writes text to every open WebSocket and returns how many
// connections it reached.
func (s *Server) PushWS(ctx context.Context, text string) int {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.Write(ctx, websocket.MessageText, []byte(text)) == nil {
			n++
		}
	}
	return n
}

// DropWebSockets closes every open WebSocket with an abnormal status,
// which clients see as a transport error.
func (s *Server) DropWebSockets() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go c.Close(websocket.StatusInternalError, "backend restarting")
	}
}

// EndStreams finishes every open event stream, which clients see as the
// stream ending.
func (s *Server) EndStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams {
		close(ch)
		delete(s.streams, ch)
	}
}

// OpenWebSockets returns how many WebSocket connections are open.
func (s *Server) OpenWebSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wsConns)
}

// OpenStreams returns how many event streams are open.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// WebSocketDials returns every accepted primary connection.
func (s *Server) WebSocketDials() []Dial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dial(nil), s.wsDials...)
}

// StreamDials returns every event stream request.
func (s *Server) StreamDials() []Dial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dial(nil), s.sseDials...)
}

// WebSocketMessages returns every message received over WebSocket.
func (s *Server) WebSocketMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wsRecv...)
}

// Sends returns every degraded send received.
func (s *Server) Sends() []Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Send(nil), s.sends...)
}
