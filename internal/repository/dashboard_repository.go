package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-engine/internal/model"
)

// DashboardRepository answers the aggregate queries behind the proctor
// dashboard. All queries are scoped to one organization.
type DashboardRepository struct {
	pool *pgxpool.Pool
}

// NewDashboardRepository creates a new DashboardRepository.
func NewDashboardRepository(pool *pgxpool.Pool) *DashboardRepository {
	return &DashboardRepository{pool: pool}
}

// GetSummaryCounts retrieves the headline numbers of an organization.
func (r *DashboardRepository) GetSummaryCounts(ctx context.Context, orgID uuid.UUID) (totalTests, totalSessions, totalTakers int, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM tests WHERE organization_id = $1),
			(SELECT COUNT(*) FROM test_sessions WHERE organization_id = $1),
			(SELECT COUNT(DISTINCT user_id) FROM test_sessions WHERE organization_id = $1)`,
		orgID,
	).Scan(&totalTests, &totalSessions, &totalTakers)
	return
}

// GetSessionStatusCounts retrieves the distribution of archived sessions by status.
func (r *DashboardRepository) GetSessionStatusCounts(ctx context.Context, orgID uuid.UUID) (map[model.SessionStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM test_sessions WHERE organization_id = $1 GROUP BY status`,
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int)
	for rows.Next() {
		var status model.SessionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DashboardTestActivity summarises recent attempts of one test.
type DashboardTestActivity struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	LastActivityAt   *time.Time `json:"last_activity_at"`
	ParticipantCount int        `json:"participant_count"`
	FinishedCount    int        `json:"finished_count"`
	AverageScore     *float64   `json:"average_score"`
}

// GetRecentTestActivity retrieves the N tests with the most recent session
// activity. The average covers finished attempts only.
func (r *DashboardRepository) GetRecentTestActivity(ctx context.Context, orgID uuid.UUID, limit int) ([]DashboardTestActivity, error) {
	query := `
		SELECT
			t.id,
			t.title,
			MAX(s.updated_at) AS last_activity,
			COUNT(DISTINCT s.user_id) AS participant_count,
			COUNT(s.finished_at) AS finished_count,
			AVG(s.score) FILTER (WHERE s.finished_at IS NOT NULL) AS average_score
		FROM tests t
		JOIN test_sessions s ON s.test_id = t.id
		WHERE t.organization_id = $1
		GROUP BY t.id, t.title
		ORDER BY last_activity DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tests := []DashboardTestActivity{}
	for rows.Next() {
		var t DashboardTestActivity
		if err := rows.Scan(&t.ID, &t.Title, &t.LastActivityAt, &t.ParticipantCount, &t.FinishedCount, &t.AverageScore); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}
