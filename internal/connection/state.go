// Package connection owns the lifecycle of the single messaging session:
// the phase state machine, bounded reconnection retries and the hand-off of
// credentials to a session store.
package connection

import "time"

// Phase is the discrete lifecycle state of the connection.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAwaitingScan
	PhaseAuthenticating
	PhaseReady
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAwaitingScan:
		return "awaiting_scan"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseReady:
		return "ready"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// EventKind identifies a lifecycle event emitted by a Gateway.
type EventKind int

const (
	EventQRReady EventKind = iota + 1
	EventAuthenticated
	EventReady
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventQRReady:
		return "qr_ready"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle notification from a Gateway.
// QR is set for EventQRReady, Credential for EventAuthenticated and Reason
// for EventDisconnected.
type Event struct {
	Kind       EventKind
	QR         string
	Credential []byte
	Reason     string
}

// QRReady builds an EventQRReady.
func QRReady(code string) Event { return Event{Kind: EventQRReady, QR: code} }

// Authenticated builds an EventAuthenticated carrying the session credential.
func Authenticated(credential []byte) Event {
	return Event{Kind: EventAuthenticated, Credential: credential}
}

// Ready builds an EventReady.
func Ready() Event { return Event{Kind: EventReady} }

// Disconnected builds an EventDisconnected.
func Disconnected(reason string) Event { return Event{Kind: EventDisconnected, Reason: reason} }

// Names used in Transition.Event for transitions not caused by a gateway event.
const (
	TriggerStart = "start"
	TriggerRetry = "retry"
	TriggerReset = "reset"
)

// Transition describes one committed phase change. Observers receive it after
// the state lock has been released.
type Transition struct {
	From           Phase
	To             Phase
	Event          string
	Reason         string
	RetryCount     int
	RetryScheduled bool
	Exhausted      bool
	Instance       string
	At             time.Time
}

// Observer is notified of every committed transition.
type Observer func(Transition)

// Status is the API-facing view of the connection.
type Status struct {
	Phase            Phase
	Connected        bool
	QRAvailable      bool
	SessionExists    bool
	RetryCount       int
	RetriesExhausted bool
}

// Snapshot extends Status with diagnostics for operators.
type Snapshot struct {
	Status
	InstanceID     string
	CredentialSize int
	RetryPending   bool
	MaxRetries     int
	LastReason     string
	LastEventAt    time.Time
}
