package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// FileStore keeps the credential in a single file.
type FileStore struct {
	path   string
	logger waLog.Logger
	mu     sync.Mutex
}

func NewFileStore(path string, logger waLog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Name() string { return "file:" + s.path }

func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	blob, err := decodeEnvelope(raw)
	if err != nil {
		s.logger.Warnf("Ignoring session file %s: %v", s.path, err)
		return nil, nil
	}
	return blob, nil
}

func (s *FileStore) Save(ctx context.Context, blob []byte) error {
	data, err := encodeEnvelope(blob)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, data)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
