package connection

import "context"

// Gateway is the messaging client driven by the Controller.
//
// Initialize starts (or restarts) the connection and may block for a network
// round trip. Lifecycle events are delivered in emission order on Events.
// After Destroy the gateway emits nothing further and may close the channel.
type Gateway interface {
	Initialize(ctx context.Context) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendMessage(ctx context.Context, recipient, text string) error
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
	Events() <-chan Event
}

// GatewayFactory constructs a fresh gateway. seed is the persisted credential
// from a previous run, or nil for a brand new login.
type GatewayFactory func(ctx context.Context, seed []byte) (Gateway, error)

// SessionStore persists the opaque session credential.
// Load returns nil, nil when nothing is stored.
type SessionStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	Clear(ctx context.Context) error
}
