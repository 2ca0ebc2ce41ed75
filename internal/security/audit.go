package security

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// AuditLogger logs security-relevant events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
}

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType string
	IP        string
	UserAgent string
	Resource  string
	Action    string
	Status    string // success, failure, blocked
	Details   string
}

var (
	auditMu            sync.RWMutex
	defaultAuditLogger = NewAuditLogger(os.Stdout)
)

// NewAuditLogger creates a new audit logger writing to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Str("log", "audit").Logger(),
	}
}

// SetOutput redirects the package-level audit log
func SetOutput(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	defaultAuditLogger = NewAuditLogger(w)
}

func audit(event AuditEvent) {
	auditMu.RLock()
	logger := defaultAuditLogger
	auditMu.RUnlock()
	logger.Log(event)
}

// Log logs an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	entry := a.logger.Info()
	if event.Status == "failure" || event.Status == "blocked" {
		entry = a.logger.Warn()
	}
	entry = entry.Str("event_type", event.EventType).Str("status", event.Status)
	if event.IP != "" {
		entry = entry.Str("ip", event.IP)
	}
	if event.UserAgent != "" {
		entry = entry.Str("user_agent", event.UserAgent)
	}
	if event.Resource != "" {
		entry = entry.Str("resource", event.Resource)
	}
	if event.Action != "" {
		entry = entry.Str("action", event.Action)
	}
	if event.Details != "" {
		entry = entry.Str("details", event.Details)
	}
	entry.Send()
}

// LogAuthFailure logs an authentication failure
func LogAuthFailure(ip, userAgent, details string) {
	audit(AuditEvent{
		EventType: "auth_failure",
		IP:        ip,
		UserAgent: userAgent,
		Status:    "failure",
		Details:   details,
	})
}

// LogAuthSuccess logs successful authentication
func LogAuthSuccess(ip, resource string) {
	audit(AuditEvent{
		EventType: "auth_success",
		IP:        ip,
		Resource:  resource,
		Status:    "success",
	})
}

// LogRateLimitExceeded logs rate limit violations
func LogRateLimitExceeded(ip string) {
	audit(AuditEvent{
		EventType: "rate_limit_exceeded",
		IP:        ip,
		Status:    "blocked",
	})
}

// LogSessionExported logs a read of the raw session credential
func LogSessionExported(ip, resource string) {
	audit(AuditEvent{
		EventType: "session_exported",
		IP:        ip,
		Resource:  resource,
		Action:    "read",
		Status:    "success",
	})
}

// LogConnectionReset logs a reset or logout request
func LogConnectionReset(ip, action string, err error) {
	event := AuditEvent{
		EventType: "connection_reset",
		IP:        ip,
		Action:    action,
		Status:    "success",
	}
	if err != nil {
		event.Status = "failure"
		event.Details = err.Error()
	}
	audit(event)
}

// LogPairingRequested logs a pairing code request
func LogPairingRequested(ip, phone string, err error) {
	event := AuditEvent{
		EventType: "pairing_requested",
		IP:        ip,
		Resource:  MaskPhone(phone),
		Status:    "success",
	}
	if err != nil {
		event.Status = "failure"
		event.Details = err.Error()
	}
	audit(event)
}

// LogMessageSent logs outgoing messages
func LogMessageSent(recipient, messageType string) {
	audit(AuditEvent{
		EventType: "message_sent",
		Resource:  MaskPhone(recipient),
		Action:    messageType,
		Status:    "success",
	})
}

// MaskPhone keeps the last four characters of a phone number or address user part
func MaskPhone(phone string) string {
	user, server, found := strings.Cut(phone, "@")
	if found {
		server = "@" + server
	}
	if len(user) <= 4 {
		return "****" + server
	}
	return "****" + user[len(user)-4:] + server
}
