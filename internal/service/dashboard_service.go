package service

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// recentTestsLimit caps the activity list on the dashboard.
const recentTestsLimit = 5

// DashboardSource runs the aggregate queries behind the dashboard.
type DashboardSource interface {
	GetSummaryCounts(ctx context.Context, orgID uuid.UUID) (totalTests, totalSessions, totalTakers int, err error)
	GetSessionStatusCounts(ctx context.Context, orgID uuid.UUID) (map[model.SessionStatus]int, error)
	GetRecentTestActivity(ctx context.Context, orgID uuid.UUID, limit int) ([]repository.DashboardTestActivity, error)
}

// DashboardData consolidates all metrics for the proctor dashboard.
type DashboardData struct {
	TotalTests          int                                `json:"total_tests"`
	TotalSessions       int                                `json:"total_sessions"`
	TotalTestTakers     int                                `json:"total_test_takers"`
	SessionStatusCounts map[model.SessionStatus]int        `json:"session_status_counts"`
	RecentTests         []repository.DashboardTestActivity `json:"recent_tests"`
}

// DashboardService handles proctor dashboard business logic. Figures come
// from the archive and trail live sessions by the persist worker's lag.
type DashboardService struct {
	repo DashboardSource
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(repo DashboardSource) *DashboardService {
	return &DashboardService{repo: repo}
}

// GetDashboardData fetches all dashboard metrics of an organization concurrently.
func (s *DashboardService) GetDashboardData(ctx context.Context, orgID uuid.UUID) (*DashboardData, error) {
	data := &DashboardData{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		data.TotalTests, data.TotalSessions, data.TotalTestTakers, err = s.repo.GetSummaryCounts(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		data.SessionStatusCounts, err = s.repo.GetSessionStatusCounts(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		data.RecentTests, err = s.repo.GetRecentTestActivity(gctx, orgID, recentTestsLimit)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if data.RecentTests == nil {
		data.RecentTests = []repository.DashboardTestActivity{}
	}
	return data, nil
}
