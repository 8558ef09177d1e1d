package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/sdu-review-console/internal/audit"
)

// AuditLogProvider описывает контракт для чтения журнала переходов.
// Модель ReviewEvent общая с пакетом audit, чтобы запись и чтение не расходились.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.ReviewEvent, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchLogs запрашивает журнал с фильтрацией. Пустые поля фильтра обрабатывает репозиторий.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.ReviewEvent, error) {
	logs, err := s.repo.FetchLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
