package connection

import (
	"context"
	"testing"

	"github.com/risa-org/flowconn/inbox"
	"github.com/risa-org/flowconn/transport"
	"pgregory.net/rapid"
)

// ============================================================================
// Property-Based Tests for Transport Invariants
// ============================================================================

// TestProperty_AtMostOneTransportLive drives the machine with random
// sequences of calls and (possibly stale) transport events and checks that
// no two handles are ever live together.
func TestProperty_AtMostOneTransportLive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := &registry{}
		primary := newFakeDialer(transport.KindPrimary, reg)
		secondary := newFakeDialer(transport.KindSecondary, reg)
		m := New(primary, secondary, inbox.New(8))

		keys := []string{"Persona A", "Persona B"}
		var seen []Generation

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 6).Draw(t, "op") {
			case 0:
				m.Connect("s1", rapid.SampledFrom(keys).Draw(t, "key"))
			case 1:
				m.Disconnect()
			case 2:
				m.Deliver(m.Generation(), transport.Opened())
			case 3:
				m.Deliver(m.Generation(), transport.Errored(errBoom))
			case 4:
				m.Deliver(m.Generation(), transport.Closed(transport.ReasonClosedClean))
			case 5:
				m.Deliver(m.Generation(), transport.Message([]byte("x")))
			case 6:
				if len(seen) > 0 {
					gen := rapid.SampledFrom(seen).Draw(t, "staleGen")
					m.Deliver(gen, transport.Errored(errBoom))
				}
			}
			seen = append(seen, m.Generation())

			if n := reg.open(); n > 1 {
				t.Fatalf("step %d: %d transports live at once", i, n)
			}

			st := m.State()
			kind := m.Kind()
			live := st == StateOpen || st == StateConnecting
			if live && kind == transport.KindNone {
				t.Fatalf("step %d: state %s without a transport", i, st)
			}
			if kind == transport.KindNone && st != StateIdle {
				t.Fatalf("step %d: no transport but state %s", i, st)
			}
			if live && reg.open() != 1 {
				t.Fatalf("step %d: state %s but %d live handles", i, st, reg.open())
			}
			if m.IsConnected() != (kind == transport.KindPrimary && st == StateOpen) {
				t.Fatalf("step %d: IsConnected disagrees with %s/%s", i, kind, st)
			}
		}
	})
}

// TestProperty_DisconnectAlwaysIdles checks that Disconnect leaves the
// machine idle with nothing to send on, whatever came before.
func TestProperty_DisconnectAlwaysIdles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := &registry{}
		m := New(newFakeDialer(transport.KindPrimary, reg), newFakeDialer(transport.KindSecondary, reg), inbox.New(0))

		events := rapid.SliceOfN(rapid.IntRange(0, 3), 0, 10).Draw(t, "events")
		m.Connect("s1", "Persona A")
		for _, e := range events {
			switch e {
			case 0:
				m.Deliver(m.Generation(), transport.Opened())
			case 1:
				m.Deliver(m.Generation(), transport.Errored(errBoom))
			case 2:
				m.Deliver(m.Generation(), transport.Closed(transport.ReasonUnknown))
			case 3:
				m.Deliver(m.Generation(), transport.Message([]byte("x")))
			}
		}

		m.Disconnect()
		if m.State() != StateIdle || m.IsConnected() || reg.open() != 0 {
			t.Fatalf("after Disconnect: state=%s connected=%v live=%d", m.State(), m.IsConnected(), reg.open())
		}
		if m.Send(context.Background(), "hi") != Deferred {
			t.Fatal("expected Deferred after Disconnect")
		}
	})
}
