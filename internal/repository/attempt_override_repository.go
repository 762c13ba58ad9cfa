package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-engine/internal/apperr"
)

// AttemptOverride grants a user extra attempts at one test.
type AttemptOverride struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	TestID        uuid.UUID  `json:"test_id"`
	ExtraAttempts int        `json:"extra_attempts"`
	Reason        *string    `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AttemptOverrideRepository resolves how many attempts a user may take.
type AttemptOverrideRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptOverrideRepository creates a new AttemptOverrideRepository.
func NewAttemptOverrideRepository(pool *pgxpool.Pool) *AttemptOverrideRepository {
	return &AttemptOverrideRepository{pool: pool}
}

// AllowedAttempts returns base plus the extra attempts of every override
// that is neither revoked nor expired at now.
func (r *AttemptOverrideRepository) AllowedAttempts(ctx context.Context, userID, testID uuid.UUID, base int, now time.Time) (int, error) {
	var extra int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(extra_attempts), 0)
		 FROM attempt_overrides
		 WHERE user_id = $1 AND test_id = $2
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > $3)`,
		userID, testID, now,
	).Scan(&extra)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindInternal, "resolve attempt overrides")
	}
	return base + extra, nil
}

// Create grants an override.
func (r *AttemptOverrideRepository) Create(ctx context.Context, o *AttemptOverride) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempt_overrides (user_id, test_id, extra_attempts, reason, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		o.UserID, o.TestID, o.ExtraAttempts, o.Reason, o.ExpiresAt,
	).Scan(&o.ID, &o.CreatedAt)
}
