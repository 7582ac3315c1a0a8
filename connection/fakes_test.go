package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/risa-org/flowconn/transport"
)

// registry tracks every fake handle across both dialers so tests can
// check how many are open at once.
type registry struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (r *registry) open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if !h.isClosed() {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeHandles and never emits on its own;
// tests drive events through Machine.Deliver.
type fakeDialer struct {
	kind    transport.Kind
	reg     *registry
	dialErr error

	mu      sync.Mutex
	handles []*fakeHandle
	targets []transport.Target
}

func newFakeDialer(kind transport.Kind, reg *registry) *fakeDialer {
	return &fakeDialer{kind: kind, reg: reg}
}

func (d *fakeDialer) Dial(target transport.Target, emit transport.Emitter) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	h := &fakeHandle{kind: d.kind, emit: emit}
	d.handles = append(d.handles, h)
	d.reg.mu.Lock()
	d.reg.handles = append(d.reg.handles, h)
	d.reg.mu.Unlock()
	return h, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

type fakeHandle struct {
	kind transport.Kind
	emit transport.Emitter

	mu      sync.Mutex
	closed  int
	sent    []string
	sendErr error
}

func (h *fakeHandle) Send(_ context.Context, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed > 0 {
		return transport.ErrTransportClosed
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, string(payload))
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed > 0
}

func (h *fakeHandle) sentTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

var errBoom = errors.New("boom")

// statusLog records status callbacks.
type statusLog struct {
	mu  sync.Mutex
	got []Status
}

func (s *statusLog) record(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, st)
}

func (s *statusLog) all() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.got...)
}
