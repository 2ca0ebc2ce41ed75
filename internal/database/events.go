package database

import (
	"context"
	"database/sql"
	"time"

	"whatsapp-gateway/internal/types"
)

// maxConnectionEvents bounds the transition log
const maxConnectionEvents = 500

// RecordConnectionEvent appends a transition to the log and prunes old rows
func (store *Store) RecordConnectionEvent(ctx context.Context, evt *types.ConnectionEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	result, err := store.db.ExecContext(ctx,
		`INSERT INTO connection_events (from_phase, to_phase, event, reason, retry_count, instance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.FromPhase, evt.ToPhase, evt.Event, evt.Reason, evt.RetryCount, evt.Instance, evt.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	evt.ID = id

	_, err = store.db.ExecContext(ctx,
		"DELETE FROM connection_events WHERE id <= ?",
		id-maxConnectionEvents,
	)
	return err
}

// RecentConnectionEvents returns up to limit transitions, newest first
func (store *Store) RecentConnectionEvents(ctx context.Context, limit int) ([]types.ConnectionEvent, error) {
	rows, err := store.db.QueryContext(ctx,
		`SELECT id, from_phase, to_phase, event, reason, retry_count, instance, created_at
		 FROM connection_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.ConnectionEvent
	for rows.Next() {
		var evt types.ConnectionEvent
		var reason, instance sql.NullString
		err := rows.Scan(&evt.ID, &evt.FromPhase, &evt.ToPhase, &evt.Event, &reason, &evt.RetryCount, &instance, &evt.CreatedAt)
		if err != nil {
			return nil, err
		}
		evt.Reason = reason.String
		evt.Instance = instance.String
		events = append(events, evt)
	}

	return events, rows.Err()
}
