// Package session persists the opaque session credential between restarts.
// Every backend replaces the whole blob on save; a missing, empty or corrupt
// record loads as "no session".
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/database"
)

// Store is implemented by every session backend.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	Clear(ctx context.Context) error
	// Name identifies the backend in logs and diagnostics.
	Name() string
}

// Open builds the backend selected by cfg.SessionBackend. db is only used by
// the sqlite backend.
func Open(cfg *config.Config, db *database.Store, logger waLog.Logger) (Store, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendFile:
		return NewFileStore(cfg.SessionPath, logger), nil
	case config.SessionBackendDir:
		return NewDirStore(cfg.SessionDir, logger), nil
	case config.SessionBackendEnv:
		return NewEnvStore(cfg.SessionEnvVar, logger), nil
	case config.SessionBackendSQLite:
		if db == nil {
			return nil, fmt.Errorf("sqlite session backend needs the gateway database")
		}
		return NewSQLStore(db, logger), nil
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.SessionBackend)
	}
}

const envelopeVersion = 1

// envelope wraps the credential on disk so truncated or edited files are detected.
type envelope struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	SHA256  string    `json:"sha256"`
	Data    []byte    `json:"data"`
}

var errCorrupt = errors.New("corrupt session record")

func encodeEnvelope(blob []byte) ([]byte, error) {
	sum := sha256.Sum256(blob)
	return json.Marshal(envelope{
		Version: envelopeVersion,
		SavedAt: time.Now().UTC(),
		SHA256:  hex.EncodeToString(sum[:]),
		Data:    blob,
	})
}

func decodeEnvelope(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", errCorrupt)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, env.Version)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: no data", errCorrupt)
	}
	sum := sha256.Sum256(env.Data)
	if hex.EncodeToString(sum[:]) != env.SHA256 {
		return nil, fmt.Errorf("%w: checksum mismatch", errCorrupt)
	}
	return env.Data, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
