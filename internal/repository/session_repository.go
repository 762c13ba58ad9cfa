package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
)

// SessionSummary is one archived attempt, without its full record.
type SessionSummary struct {
	ID            uuid.UUID           `json:"id"`
	UserID        uuid.UUID           `json:"user_id"`
	AttemptNumber int                 `json:"attempt_number"`
	Status        model.SessionStatus `json:"status"`
	Score         *float64            `json:"score"`
	StartedAt     *time.Time          `json:"started_at"`
	FinishedAt    *time.Time          `json:"finished_at"`
}

// SessionRepository is the durable archive of test sessions. The full record
// is stored as JSONB next to the columns needed for querying.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// GetByID retrieves an archived session.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.TestSession, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM test_sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "load archived session")
	}
	s := &model.TestSession{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "decode archived session")
	}
	return s, nil
}

// CountAttempts returns the highest attempt number the user has used on the test.
func (r *SessionRepository) CountAttempts(ctx context.Context, userID, testID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM test_sessions
		 WHERE user_id = $1 AND test_id = $2`, userID, testID,
	).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindInternal, "count attempts")
	}
	return n, nil
}

// BulkUpsert writes sessions in one batch. A row is only overwritten by a
// newer version, so replays and out-of-order flushes are harmless.
func (r *SessionRepository) BulkUpsert(ctx context.Context, sessions []*model.TestSession) error {
	if len(sessions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range sessions {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", s.ID, err)
		}
		var score *float64
		if s.Result != nil {
			v := s.Result.Score
			score = &v
		}
		batch.Queue(
			`INSERT INTO test_sessions
			     (id, user_id, test_id, organization_id, attempt_number, status, version,
			      score, record, started_at, finished_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (id) DO UPDATE
			 SET status = EXCLUDED.status, version = EXCLUDED.version, score = EXCLUDED.score,
			     record = EXCLUDED.record, started_at = EXCLUDED.started_at,
			     finished_at = EXCLUDED.finished_at, updated_at = EXCLUDED.updated_at
			 WHERE test_sessions.version < EXCLUDED.version`,
			s.ID, s.UserID, s.TestID, s.OrganizationID, s.AttemptNumber, s.Status, s.Version,
			score, raw, s.StartedAt, s.FinishedAt, s.CreatedAt, s.UpdatedAt,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range sessions {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListByTest lists archived attempts of a test, newest first.
func (r *SessionRepository) ListByTest(ctx context.Context, testID uuid.UUID, limit, offset int) ([]SessionSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, attempt_number, status, score, started_at, finished_at
		 FROM test_sessions
		 WHERE test_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, testID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.UserID, &s.AttemptNumber, &s.Status, &s.Score, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountByTest returns the number of archived attempts of a test.
func (r *SessionRepository) CountByTest(ctx context.Context, testID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM test_sessions WHERE test_id = $1`, testID).Scan(&n)
	return n, err
}
