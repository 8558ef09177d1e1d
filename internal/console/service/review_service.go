package service

/*
Файл review_service.go — серверная сторона перехода статуса.

Сервер — источник правды. Клиентский диспетчер уже проверил переход своим движком,
но сервер проверяет его заново тем же движком с ролью из токена:
  1. действие определяется по паре (текущий статус, целевой статус из тела);
  2. движок решает, допустим ли переход для роли;
  3. перезапись чужого решения без confirmed=true → 428;
  4. запись с оптимистичной блокировкой по ожидаемому статусу и историей в одной транзакции;
  5. событие в Redis и запись в журнал аудита.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/sdu-review-console/internal/audit"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/events"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
	"go.uber.org/zap"
)

// SystemActorID автоматические переходы (аккредитация организации).
const SystemActorID = "system"

type EntityRepository interface {
	GetEntity(ctx context.Context, kind domain.Kind, id string) (*domain.ReviewableEntity, error)
	ListEntities(ctx context.Context, kind domain.Kind, f domain.EntityFilter) ([]*domain.ReviewableEntity, error)
	ListByOrganization(ctx context.Context, orgID string) ([]*domain.ReviewableEntity, error)
	History(ctx context.Context, kind domain.Kind, id string) ([]domain.HistoryEntry, error)
	UpdateStatus(ctx context.Context, c domain.StatusChange) (*domain.ReviewableEntity, error)
}

// Actor кто выполняет действие. Роль только из токена.
type Actor struct {
	ID   string
	Role domain.Role
}

type ReviewOptions struct {
	// AutoAccredit одобрение последней сущности организации одобряет её аккредитацию.
	AutoAccredit bool
	Metrics      *infra.Metrics
}

type ReviewService struct {
	repo      EntityRepository
	engine    *workflow.Engine
	publisher events.Publisher
	auditor   audit.Auditor
	metrics   *infra.Metrics
	logger    *zap.Logger
	auto      bool
}

func NewReviewService(
	repo EntityRepository,
	engine *workflow.Engine,
	publisher events.Publisher,
	auditor audit.Auditor,
	logger *zap.Logger,
	opts ReviewOptions,
) *ReviewService {
	if engine == nil {
		engine = workflow.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.NewMetrics(nil)
	}
	return &ReviewService{
		repo:      repo,
		engine:    engine,
		publisher: publisher,
		auditor:   auditor,
		metrics:   opts.Metrics,
		logger:    logger.Named("review-service"),
		auto:      opts.AutoAccredit,
	}
}

// Get сущность; withHistory: вместе с журналом статусов.
func (s *ReviewService) Get(ctx context.Context, kind domain.Kind, id string, withHistory bool) (*domain.ReviewableEntity, error) {
	e, err := s.repo.GetEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if withHistory {
		if e.History, err = s.repo.History(ctx, kind, id); err != nil {
			return nil, fmt.Errorf("review_service: history: %w", err)
		}
	}
	return e, nil
}

// List очередь; rawStatus в любом написании ("pending", "Revision From SDU").
func (s *ReviewService) List(ctx context.Context, kind domain.Kind, rawStatus, query string) ([]*domain.ReviewableEntity, error) {
	f := domain.EntityFilter{Query: query}
	if strings.TrimSpace(rawStatus) != "" {
		st, err := domain.ParseStatus(rawStatus)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	return s.repo.ListEntities(ctx, kind, f)
}

func (s *ReviewService) History(ctx context.Context, kind domain.Kind, id string) ([]domain.HistoryEntry, error) {
	if _, err := s.repo.GetEntity(ctx, kind, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, kind, id)
}

// AvailableActions кнопки, которые экран покажет этой роли для текущего статуса.
func (s *ReviewService) AvailableActions(ctx context.Context, kind domain.Kind, id string, role domain.Role) ([]domain.Action, error) {
	e, err := s.repo.GetEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return s.engine.AvailableActions(kind, e.Status, role), nil
}

// UpdateStatus применяет переход к целевому статусу upd.Status.
func (s *ReviewService) UpdateStatus(
	ctx context.Context,
	kind domain.Kind,
	id string,
	actor Actor,
	upd domain.StatusUpdate,
	traceID string,
) (*domain.ReviewableEntity, error) {
	start := time.Now()
	ev := audit.ReviewEvent{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Kind:      string(kind),
		EntityID:  id,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		ToStatus:  upd.Status.String(),
		Notes:     upd.RevisionNotes,
	}
	defer func() {
		ev.DurationMs = time.Since(start).Milliseconds()
		if s.auditor != nil {
			s.auditor.Log(ev)
		}
	}()

	current, err := s.repo.GetEntity(ctx, kind, id)
	if err != nil {
		ev.Outcome, ev.Error = audit.OutcomeFailed, err.Error()
		return nil, err
	}
	ev.FromStatus = current.Status.String()

	// Повтор уже применённого перехода: 200 без новой записи в истории
	if s.engine.Settled(kind, current.Status, actor.Role, upd.Status.State) {
		ev.Outcome, ev.Reason = audit.OutcomeConfirmed, "Unchanged"
		s.logger.Debug("status already applied",
			zap.String("kind", string(kind)),
			zap.String("entity_id", id),
			zap.String("status", current.Status.String()),
			zap.String("trace_id", traceID))
		return current, nil
	}

	action, err := s.engine.ResolveAction(kind, current.Status.State, upd.Status.State)
	if err != nil {
		s.rejected(&ev, err)
		return nil, err
	}
	ev.Action = string(action)

	var notes string
	if upd.RevisionNotes != nil {
		notes = *upd.RevisionNotes
	}
	decision, err := s.engine.Evaluate(workflow.Evaluation{
		Kind:    kind,
		Current: current.Status,
		Role:    actor.Role,
		Action:  action,
		Notes:   notes,
	})
	if err != nil {
		s.rejected(&ev, err)
		return nil, err
	}
	if decision.NeedsConfirmation() && !upd.Confirmed {
		err := fmt.Errorf("%w: %s", workflow.ErrConfirmationRequired, decision.Advisory.Message)
		s.rejected(&ev, err)
		return nil, err
	}

	var storedNotes *string
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		storedNotes = &trimmed
	}
	updated, err := s.repo.UpdateStatus(ctx, domain.StatusChange{
		Kind:      kind,
		ID:        id,
		Expected:  current.Status,
		Next:      decision.Next,
		Notes:     storedNotes,
		ActorRole: actor.Role,
		ActorID:   actor.ID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			ev.Outcome, ev.Error = audit.OutcomeConflict, err.Error()
			s.metrics.TransitionErrors.WithLabelValues("conflict").Inc()
		} else {
			ev.Outcome, ev.Error = audit.OutcomeFailed, err.Error()
			s.metrics.TransitionErrors.WithLabelValues("internal").Inc()
		}
		return nil, err
	}

	ev.Outcome = audit.OutcomeConfirmed
	ev.ToStatus = updated.Status.String()
	s.metrics.Transitions.WithLabelValues(string(kind), string(updated.Status.State)).Inc()

	s.publish(ctx, current, updated, actor)

	s.logger.Info("status changed",
		zap.String("kind", string(kind)),
		zap.String("entity_id", id),
		zap.String("from", current.Status.String()),
		zap.String("to", updated.Status.String()),
		zap.String("actor_role", string(actor.Role)),
		zap.String("trace_id", traceID),
	)

	if s.auto && updated.Status.State == domain.StateApproved && kind != domain.KindAccreditation && updated.OrganizationID != "" {
		// Ответ ревьюеру не зависит от успеха пересчёта аккредитации
		if err := s.syncAccreditation(context.WithoutCancel(ctx), updated.OrganizationID, traceID); err != nil {
			s.logger.Warn("accreditation sync failed",
				zap.String("organization_id", updated.OrganizationID), zap.Error(err))
		}
	}

	return updated, nil
}

func (s *ReviewService) rejected(ev *audit.ReviewEvent, err error) {
	ev.Outcome, ev.Error = audit.OutcomeRejected, err.Error()
	reason := string(workflow.ReasonOf(err))
	if reason == "" && errors.Is(err, workflow.ErrConfirmationRequired) {
		reason = "ConfirmationRequired"
	}
	ev.Reason = reason
	s.metrics.TransitionErrors.WithLabelValues(reason).Inc()
}

func (s *ReviewService) publish(ctx context.Context, from, to *domain.ReviewableEntity, actor Actor) {
	err := s.publisher.Publish(ctx, events.StatusChanged{
		Kind:           to.Kind,
		EntityID:       to.ID,
		OrganizationID: to.OrganizationID,
		From:           from.Status,
		To:             to.Status,
		ActorRole:      actor.Role,
		ActorID:        actor.ID,
		At:             time.Now().UTC(),
	})
	if err != nil {
		// Переход уже записан; подписчики перечитают экран при переподключении
		s.logger.Warn("failed to publish status change", zap.String("entity_id", to.ID), zap.Error(err))
	}
}

// syncAccreditation одобряет аккредитацию организации, когда все её сущности одобрены.
// Переход идёт тем же движком от имени SDU, поэтому таблица переходов не обходится.
func (s *ReviewService) syncAccreditation(ctx context.Context, orgID, traceID string) error {
	all, err := s.repo.ListByOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	var accreditation *domain.ReviewableEntity
	for _, e := range all {
		if e.Kind == domain.KindAccreditation {
			accreditation = e
			continue
		}
		if e.Status.State != domain.StateApproved && e.Status.State != domain.StateComplete {
			return nil
		}
	}
	if accreditation == nil || accreditation.Status.State == domain.StateApproved {
		return nil
	}

	_, err = s.UpdateStatus(ctx, domain.KindAccreditation, accreditation.ID,
		Actor{ID: SystemActorID, Role: domain.RoleSDU},
		domain.StatusUpdate{Status: domain.Status{State: domain.StateApproved, By: domain.RoleSDU}, Confirmed: true},
		traceID,
	)
	if errors.Is(err, domain.ErrStatusConflict) || workflow.ReasonOf(err) != "" {
		// Кто-то уже изменил аккредитацию, или из её статуса одобрение недоступно
		return nil
	}
	return err
}
