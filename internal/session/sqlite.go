package session

import (
	"context"
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/internal/database"
)

// SQLStore keeps the credential in the session_records table of the gateway database.
type SQLStore struct {
	db     *database.Store
	logger waLog.Logger
}

func NewSQLStore(db *database.Store, logger waLog.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) Name() string { return "sqlite" }

func (s *SQLStore) Load(ctx context.Context) ([]byte, error) {
	record, err := s.db.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	if len(record.Data) == 0 {
		s.logger.Warnf("Ignoring empty session record from %s", record.UpdatedAt)
		return nil, nil
	}
	return record.Data, nil
}

func (s *SQLStore) Save(ctx context.Context, blob []byte) error {
	if err := s.db.SaveSession(ctx, blob); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if err := s.db.DeleteSession(ctx); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}
