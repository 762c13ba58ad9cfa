package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ConnectivityRepository stores the append-only connectivity history of sessions.
type ConnectivityRepository struct {
	pool *pgxpool.Pool
}

// NewConnectivityRepository creates a new ConnectivityRepository.
func NewConnectivityRepository(pool *pgxpool.Pool) *ConnectivityRepository {
	return &ConnectivityRepository{pool: pool}
}

var connectivityColumns = []string{"session_id", "test_id", "user_id", "kind", "reason", "offline_ms", "recorded_at"}

// BulkInsert copies a batch in one round trip.
func (r *ConnectivityRepository) BulkInsert(ctx context.Context, events []model.ConnectivityEvent) error {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{e.SessionID, e.TestID, e.UserID, string(e.Kind), e.Reason, e.OfflineMs, e.RecordedAt})
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"session_connectivity_events"},
		connectivityColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert writes a single event.
func (r *ConnectivityRepository) Insert(ctx context.Context, e model.ConnectivityEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_connectivity_events (session_id, test_id, user_id, kind, reason, offline_ms, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.SessionID, e.TestID, e.UserID, string(e.Kind), e.Reason, e.OfflineMs, e.RecordedAt,
	)
	return err
}

// ListBySession returns the history of one session, oldest first.
func (r *ConnectivityRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ConnectivityEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, test_id, user_id, kind, reason, offline_ms, recorded_at
		 FROM session_connectivity_events
		 WHERE session_id = $1
		 ORDER BY recorded_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.ConnectivityEvent{}
	for rows.Next() {
		var e model.ConnectivityEvent
		if err := rows.Scan(&e.SessionID, &e.TestID, &e.UserID, &e.Kind, &e.Reason, &e.OfflineMs, &e.RecordedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
