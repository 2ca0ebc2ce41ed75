package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func captureAudit(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("audit line is not JSON: %q", line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestAuditEvents(t *testing.T) {
	buf := captureAudit(t)

	LogAuthFailure("10.0.0.1", "curl/8", "invalid API key")
	LogConnectionReset("10.0.0.2", "logout", errors.New("network down"))
	LogMessageSent("5511999990000@s.whatsapp.net", "text")

	entries := decodeLines(t, buf)
	if len(entries) != 3 {
		t.Fatalf("got %d audit lines, want 3", len(entries))
	}

	tests := []struct {
		idx   int
		field string
		want  string
	}{
		{0, "event_type", "auth_failure"},
		{0, "status", "failure"},
		{0, "level", "warn"},
		{0, "ip", "10.0.0.1"},
		{1, "action", "logout"},
		{1, "details", "network down"},
		{2, "resource", "****0000@s.whatsapp.net"},
		{2, "level", "info"},
		{2, "log", "audit"},
	}
	for _, tt := range tests {
		if got := entries[tt.idx][tt.field]; got != tt.want {
			t.Errorf("entry %d %s = %v, want %q", tt.idx, tt.field, got, tt.want)
		}
	}
	if _, ok := entries[2]["ip"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestMaskPhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"5511999990000", "****0000"},
		{"123", "****"},
		{"", "****"},
		{"123456@s.whatsapp.net", "****3456@s.whatsapp.net"},
	}
	for _, tt := range tests {
		if got := MaskPhone(tt.input); got != tt.want {
			t.Errorf("MaskPhone(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
