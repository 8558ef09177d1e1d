package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/sdu-review-console/internal/domain"
)

type StatsProvider interface {
	StateCounts(ctx context.Context) ([]domain.StateCount, error)
}

type DashboardService struct {
	repo StatsProvider
}

func NewDashboardService(repo StatsProvider) *DashboardService {
	return &DashboardService{repo: repo}
}

// Stats агрегаты для главной страницы SDU.
func (s *DashboardService) Stats(ctx context.Context) (*domain.ReviewDashboard, error) {
	rows, err := s.repo.StateCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard_service: failed to count states: %w", err)
	}
	return domain.BuildDashboard(rows), nil
}
