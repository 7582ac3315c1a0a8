package inbox

import (
	"testing"
)

// recordingSink remembers everything delivered to it.
type recordingSink struct {
	got []string
}

func (s *recordingSink) Deliver(p []byte) { s.got = append(s.got, string(p)) }

func TestPushBeforeReadyBuffers(t *testing.T) {
	b := New(0)
	sink := &recordingSink{}

	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))

	if len(sink.got) != 0 {
		t.Fatalf("expected nothing delivered before ready, got %v", sink.got)
	}
	if b.Len() != 3 {
		t.Errorf("expected 3 buffered, got %d", b.Len())
	}
	if b.IsReady() {
		t.Error("expected buffer not ready")
	}
}

func TestSetReadyDrainsInOrderExactlyOnce(t *testing.T) {
	b := New(0)
	sink := &recordingSink{}

	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))

	if !b.SetReady(sink) {
		t.Fatal("expected first SetReady to report true")
	}

	want := []string{"a", "b", "c"}
	if len(sink.got) != len(want) {
		t.Fatalf("expected %v, got %v", want, sink.got)
	}
	for i := range want {
		if sink.got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], sink.got[i])
		}
	}
	if b.Len() != 0 {
		t.Errorf("expected empty buffer after drain, got %d", b.Len())
	}

	// a second readiness signal must not replay anything
	other := &recordingSink{}
	if b.SetReady(other) {
		t.Error("expected second SetReady to report false")
	}
	if len(sink.got) != 3 || len(other.got) != 0 {
		t.Errorf("expected no replay, got sink=%v other=%v", sink.got, other.got)
	}
}

func TestPushAfterReadyForwardsImmediately(t *testing.T) {
	b := New(0)
	sink := &recordingSink{}
	b.SetReady(sink)

	b.Push([]byte("x"))
	if len(sink.got) != 1 || sink.got[0] != "x" {
		t.Fatalf("expected immediate delivery of x, got %v", sink.got)
	}

	b.Push([]byte("y"))
	if len(sink.got) != 2 || sink.got[1] != "y" {
		t.Fatalf("expected y delivered second, got %v", sink.got)
	}
	if b.Len() != 0 {
		t.Errorf("expected nothing buffered after ready, got %d", b.Len())
	}
}

func TestSetReadyNilSinkIgnored(t *testing.T) {
	b := New(0)
	b.Push([]byte("a"))

	if b.SetReady(nil) {
		t.Error("expected nil sink to be rejected")
	}
	if b.IsReady() || b.Len() != 1 {
		t.Error("expected buffer unchanged by nil sink")
	}
}

func TestLimitDropsOldest(t *testing.T) {
	b := New(2)

	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))
	b.Push([]byte("d"))

	if b.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", b.Dropped())
	}

	sink := &recordingSink{}
	b.SetReady(sink)
	if len(sink.got) != 2 || sink.got[0] != "c" || sink.got[1] != "d" {
		t.Errorf("expected [c d], got %v", sink.got)
	}
}

func TestPushCopiesPayload(t *testing.T) {
	b := New(0)
	buf := []byte("abc")
	b.Push(buf)
	buf[0] = 'z'

	sink := &recordingSink{}
	b.SetReady(sink)
	if sink.got[0] != "abc" {
		t.Errorf("expected buffered copy 'abc', got %s", sink.got[0])
	}
}

func TestSinkFunc(t *testing.T) {
	var got string
	b := New(0)
	b.SetReady(SinkFunc(func(p []byte) { got = string(p) }))
	b.Push([]byte("hello"))
	if got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}
