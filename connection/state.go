package connection

// State is where the active transport is in its lifecycle.
// A machine with no transport reports StateIdle.
type State int

const (
	StateIdle       State = iota // 0 - no transport
	StateConnecting              // 1 - dialed, handshake not finished
	StateOpen                    // 2 - live, messages flowing
	StateClosing                 // 3 - handle being torn down
	StateFailed                  // 4 - secondary failed, waiting for an explicit connect
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// isValidTransition defines which state changes are legal.
// Closing is the only way out of Open, so every handle gets torn down
// before the slot is reused.
func isValidTransition(from, to State) bool {
	allowed := map[State][]State{
		StateIdle:       {StateConnecting},
		StateConnecting: {StateOpen, StateClosing},
		StateOpen:       {StateClosing},
		StateClosing:    {StateIdle, StateConnecting, StateFailed},
		StateFailed:     {StateIdle},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}

// Status is the user-facing connection indicator.
// It never carries raw error text.
type Status int

const (
	StatusDisconnected       Status = iota // red
	StatusConnectedPrimary                 // green
	StatusConnectedSecondary               // orange, degraded
)

// Text is the label shown next to the indicator.
func (s Status) Text() string {
	switch s {
	case StatusConnectedPrimary:
		return "Connected via WebSocket"
	case StatusConnectedSecondary:
		return "Connected via SSE"
	default:
		return "Disconnected"
	}
}

// Color is the indicator color.
func (s Status) Color() string {
	switch s {
	case StatusConnectedPrimary:
		return "green"
	case StatusConnectedSecondary:
		return "orange"
	default:
		return "red"
	}
}

func (s Status) String() string { return s.Text() }

// StatusFunc receives every status change.
type StatusFunc func(Status)

// SendOutcome tells the caller where an outbound item went.
type SendOutcome int

const (
	// Deferred means no full-duplex transport took the item; the caller
	// should submit it through the degraded send path.
	Deferred SendOutcome = iota
	// SentPrimary means the item was written to the open primary transport.
	SentPrimary
)

func (o SendOutcome) String() string {
	if o == SentPrimary {
		return "sent_primary"
	}
	return "deferred"
}

// Generation tags every transport instance. It only grows.
type Generation uint64
