package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
)

// TestRepository handles test definition data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetByID retrieves a test with its settings, sections and questions.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t := &model.Test{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, organization_id, title, settings, sections, questions, updated_at
		 FROM tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.OrganizationID, &t.Title, &t.Settings, &t.Sections, &t.Questions, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrTestNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "load test")
	}
	return t, nil
}

// Upsert inserts or replaces a test definition. Running sessions are not
// affected because they grade against their own snapshot.
func (r *TestRepository) Upsert(ctx context.Context, t *model.Test) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO tests (id, organization_id, title, settings, sections, questions)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title, settings = EXCLUDED.settings,
		     sections = EXCLUDED.sections, questions = EXCLUDED.questions,
		     updated_at = NOW()
		 RETURNING updated_at`,
		t.ID, t.OrganizationID, t.Title, t.Settings, t.Sections, t.Questions,
	).Scan(&t.UpdatedAt)
}
