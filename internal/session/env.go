package session

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// EnvStore reads the credential from an environment variable set by the
// operator. The process cannot write its own environment back to the host, so
// Save keeps the value in memory and tells the operator how to persist it.
type EnvStore struct {
	key    string
	logger waLog.Logger

	mu      sync.Mutex
	value   []byte
	cleared bool
}

func NewEnvStore(key string, logger waLog.Logger) *EnvStore {
	return &EnvStore{key: key, logger: logger}
}

func (s *EnvStore) Name() string { return "env:" + s.key }

func (s *EnvStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value != nil {
		return bytes.Clone(s.value), nil
	}
	if s.cleared {
		return nil, nil
	}
	raw := strings.TrimSpace(os.Getenv(s.key))
	if raw == "" {
		return nil, nil
	}
	// Values exported from the file backends carry the envelope
	if strings.HasPrefix(raw, "{") && strings.Contains(raw, `"sha256"`) {
		if blob, err := decodeEnvelope([]byte(raw)); err == nil {
			return blob, nil
		}
	}
	return []byte(raw), nil
}

func (s *EnvStore) Save(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = bytes.Clone(blob)
	s.cleared = false
	s.logger.Infof("Session updated (%d bytes). Fetch it from GET /get-session and set %s to keep it across restarts", len(blob), s.key)
	return nil
}

func (s *EnvStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = nil
	s.cleared = true
	if err := os.Unsetenv(s.key); err != nil {
		return err
	}
	s.logger.Infof("Session cleared; remove %s from the deployment environment", s.key)
	return nil
}
