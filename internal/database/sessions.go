package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"whatsapp-gateway/internal/types"
)

// SaveSession replaces the stored session credential
func (store *Store) SaveSession(ctx context.Context, data []byte) error {
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO session_records (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, time.Now().UTC(),
	)
	return err
}

// LoadSession returns the stored session credential, or nil if there is none
func (store *Store) LoadSession(ctx context.Context) (*types.SessionRecord, error) {
	record := &types.SessionRecord{}
	err := store.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM session_records WHERE id = 1",
	).Scan(&record.Data, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteSession removes the stored session credential
func (store *Store) DeleteSession(ctx context.Context) error {
	_, err := store.db.ExecContext(ctx, "DELETE FROM session_records WHERE id = 1")
	return err
}
