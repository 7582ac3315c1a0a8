package inbox

import "sync"

// Sink is the presentation side: it renders inbound payloads.
// Deliver is called synchronously, in arrival order.
type Sink interface {
	Deliver(payload []byte)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(payload []byte)

func (f SinkFunc) Deliver(payload []byte) { f(payload) }

// Buffer holds inbound payloads until the presentation layer is ready,
// then hands them over in arrival order exactly once.
//
// Readiness only goes one way: after SetReady every Push goes straight to
// the sink and nothing is buffered again.
//
// With a positive limit the queue becomes a bounded buffer: when full, the
// oldest payload is evicted to make room and counted in Dropped.
// A limit of zero or less means unbounded.
type Buffer struct {
	mu      sync.Mutex
	queue   [][]byte
	limit   int
	dropped uint64
	sink    Sink // written once by SetReady, then only read
}

// New creates a buffer. limit <= 0 means unbounded.
func New(limit int) *Buffer {
	b := &Buffer{limit: limit}
	if limit > 0 {
		b.queue = make([][]byte, 0, limit)
	}
	return b
}

// Push buffers a payload, or forwards it to the sink once ready.
func (b *Buffer) Push(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sink != nil {
		b.sink.Deliver(payload)
		return
	}

	if b.limit > 0 && len(b.queue) >= b.limit {
		b.queue = b.queue[1:] // evict oldest
		b.dropped++
	}
	// copy payload to avoid retaining references to the transport's buffer
	p := make([]byte, len(payload))
	copy(p, payload)
	b.queue = append(b.queue, p)
}

// SetReady attaches the sink, drains the queue into it in order and
// clears it. Only the first call has any effect; it reports whether this
// call was the one that made the buffer ready. A nil sink is ignored.
func (b *Buffer) SetReady(sink Sink) bool {
	if sink == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sink != nil {
		return false
	}
	b.sink = sink
	for _, p := range b.queue {
		sink.Deliver(p)
	}
	b.queue = nil
	return true
}

// IsReady reports whether a sink has been attached.
func (b *Buffer) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink != nil
}

// Len returns the number of buffered payloads.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns how many payloads were evicted by the limit.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
