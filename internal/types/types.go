package types

import (
	"time"
)

// SessionRecord is the persisted copy of the session credential
type SessionRecord struct {
	Data      []byte
	UpdatedAt time.Time
}

// ConnectionEvent is one row of the connection transition log
type ConnectionEvent struct {
	ID         int64     `json:"id"`
	FromPhase  string    `json:"from"`
	ToPhase    string    `json:"to"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	RetryCount int       `json:"retryCount"`
	Instance   string    `json:"instance,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PairRequest asks for a pairing code for a phone number
type PairRequest struct {
	Phone string `json:"phone"` // Country code + number, punctuation is ignored
}

// PairResponse returns the pairing code to enter on the phone
type PairResponse struct {
	Success     bool   `json:"success"`
	PairingCode string `json:"pairingCode,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SendMessageRequest represents the request body for sending a text message
type SendMessageRequest struct {
	Phone   string `json:"phone"`   // Phone number or full JID
	Message string `json:"message"` // Text body
}

// SendMessageResponse represents the response for the send message API
type SendMessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse reports the connection lifecycle to pollers
type StatusResponse struct {
	Success          bool   `json:"success"`
	Connected        bool   `json:"connected"`
	QRAvailable      bool   `json:"qrAvailable"`
	SessionExists    bool   `json:"sessionExists"`
	Phase            string `json:"phase"`
	RetryCount       int    `json:"retryCount"`
	RetriesExhausted bool   `json:"retriesExhausted"`
}

// DebugSessionResponse describes the stored credential without exposing it
type DebugSessionResponse struct {
	Success      bool              `json:"success"`
	HasSession   bool              `json:"hasSession"`
	DataType     string            `json:"dataType,omitempty"` // "json" or "binary"
	Keys         []string          `json:"keys,omitempty"`     // Top-level keys when the credential is a JSON object
	Size         int               `json:"size"`
	Connected    bool              `json:"connected"`
	QRAvailable  bool              `json:"qrAvailable"`
	Phase        string            `json:"phase"`
	InstanceID   string            `json:"instanceId,omitempty"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	RetryPending bool              `json:"retryPending"`
	LastReason   string            `json:"lastReason,omitempty"`
	LastEventAt  *time.Time        `json:"lastEventAt,omitempty"`
	RecentEvents []ConnectionEvent `json:"recentEvents,omitempty"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string `json:"status"` // "ok" or "degraded"
	Connected bool   `json:"connected"`
	Phase     string `json:"phase"`
	Uptime    string `json:"uptime"`
}
