package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// CookieName is the key the session id is persisted under.
	CookieName = "flowbotSessionId"
	// Retention is how long a session id survives in the store.
	Retention = 7 * 24 * time.Hour
)

// Store is the durable, cookie-like key/value storage the provider reads
// and writes. Entries expire on their own after ttl; nothing here ever
// deletes them.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration) error
}

// Provider issues the durable opaque session id.
// One Provider per client; there is no process-wide instance.
type Provider struct {
	store Store
	log   zerolog.Logger
	newID func() string

	mu     sync.Mutex
	cached string // survives store-write failures for the rest of the run
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// WithIDGenerator replaces the random UUID generator. Used by tests.
func WithIDGenerator(fn func() string) Option {
	return func(p *Provider) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// NewProvider creates a provider backed by store.
func NewProvider(store Store, opts ...Option) *Provider {
	p := &Provider{
		store: store,
		log:   zerolog.Nop(),
		newID: generateID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the session id, creating and persisting one on first
// need. It never fails: if the store cannot be written the id still holds
// for this run, it just won't survive a restart.
func (p *Provider) GetOrCreate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached
	}

	if id, ok := p.store.Get(CookieName); ok && id != "" {
		p.cached = id
		return id
	}

	id := p.newID()
	if err := p.store.Set(CookieName, id, Retention); err != nil {
		p.log.Warn().Err(err).Msg("session id not persisted; it will not survive a restart")
	} else {
		p.log.Info().Str("session", id).Msg("session created")
	}
	p.cached = id
	return id
}

// generateID creates a random (version 4) UUID string.
func generateID() string {
	return uuid.NewString()
}
