package dispatcher

/*
Файл dispatcher.go — Review Action Dispatcher.

Превращает одно проверенное движком действие ровно в один сетевой запрос:
- не более одного запроса в полёте на сущность (повторный Submit → ErrAlreadyInFlight);
- локальные отказы движка (IllegalTransition, Unauthorized, MissingNotes) до сети не доходят;
- финальной правдой считается ответ сервера, а не локально вычисленный nextStatus;
- после успеха вызывается Refresher — родительский список/карточка перечитываются целиком,
  так как агрегаты (счётчики, графики, суммы) считает только сервер;
- отправленный запрос не отменяется: ждём успех или ошибку.

Состояния на сущность: Idle → Submitting → (Idle | IdleWithError).
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/storeclient"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
	"go.uber.org/zap"
)

// EntityStore что диспетчеру нужно от хранилища (REST-клиент или фейк в тестах).
type EntityStore interface {
	Get(ctx context.Context, kind domain.Kind, id string) (*domain.ReviewableEntity, error)
	SubmitStatus(ctx context.Context, kind domain.Kind, id string, upd domain.StatusUpdate) (*domain.ReviewableEntity, error)
}

// Refresher перечитывает экран, с которого пришло действие.
type Refresher interface {
	Refresh(ctx context.Context, entity *domain.ReviewableEntity) error
}

// RefreshFunc адаптер для функций.
type RefreshFunc func(ctx context.Context, entity *domain.ReviewableEntity) error

func (f RefreshFunc) Refresh(ctx context.Context, entity *domain.ReviewableEntity) error {
	return f(ctx, entity)
}

type State string

const (
	StateIdle          State = "IDLE"
	StateSubmitting    State = "SUBMITTING"
	StateIdleWithError State = "IDLE_WITH_ERROR"
)

// Snapshot состояние диспетчера по одной сущности (для кнопок "Processing…").
type Snapshot struct {
	State         State
	LastErr       error
	LastConfirmed domain.Status
}

type slot struct {
	state     State
	lastErr   error
	confirmed domain.Status
}

const (
	DefaultTimeout = 30 * time.Second
	// DefaultMaxIdleSlots сколько последних подтверждённых статусов помнит Snapshot.
	DefaultMaxIdleSlots = 1024
)

type Options struct {
	Guard     Guard
	Refresher Refresher
	Metrics   *Metrics
	Timeout   time.Duration
	// MaxIdleSlots предел карты слотов для долгоживущего диспетчера.
	MaxIdleSlots int
}

type Dispatcher struct {
	engine    *workflow.Engine
	store     EntityStore
	guard     Guard
	refresher Refresher
	metrics   *Metrics
	timeout   time.Duration
	maxIdle   int
	logger    *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

func New(engine *workflow.Engine, store EntityStore, logger *zap.Logger, opts Options) *Dispatcher {
	if engine == nil {
		engine = workflow.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxIdleSlots <= 0 {
		opts.MaxIdleSlots = DefaultMaxIdleSlots
	}
	return &Dispatcher{
		engine:    engine,
		store:     store,
		guard:     opts.Guard,
		refresher: opts.Refresher,
		metrics:   opts.Metrics,
		timeout:   opts.Timeout,
		maxIdle:   opts.MaxIdleSlots,
		logger:    logger.Named("dispatcher"),
		slots:     make(map[string]*slot),
	}
}

// Submit отправляет переход. Возвращает сущность в том виде, как её подтвердил сервер.
func (d *Dispatcher) Submit(ctx context.Context, req domain.TransitionRequest) (*domain.ReviewableEntity, error) {
	key := req.Key()
	log := d.logger.With(
		zap.String("kind", string(req.Kind)),
		zap.String("entity_id", req.EntityID),
		zap.String("action", string(req.Action)),
		zap.String("role", string(req.ActorRole)),
	)

	// 1. Локальный гард: Submit принимается только в Idle
	prev, ok := d.begin(key)
	if !ok {
		d.count(req, "in_flight")
		log.Debug("duplicate submission ignored")
		return nil, ErrAlreadyInFlight
	}
	d.metrics.InFlight.Inc()
	defer d.metrics.InFlight.Dec()

	// 2. Межпроцессный гард (если настроен)
	if d.guard != nil {
		ok, err := d.guard.TryAcquire(ctx, key)
		if err != nil {
			// Без гарантии гарда запрос не шлём: лучше повтор пользователем, чем двойное решение
			fail := d.failure(req, domain.Status{}, err)
			d.finish(key, fail, nil)
			d.count(req, "failed")
			log.Error("in-flight guard unavailable", zap.Error(err))
			return nil, fail
		}
		if !ok {
			d.finish(key, nil, nil)
			d.count(req, "in_flight")
			return nil, ErrAlreadyInFlight
		}
		defer func() {
			// Release не должен зависеть от отмены контекста вызывающего
			if err := d.guard.Release(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("failed to release in-flight guard", zap.Error(err))
			}
		}()
	}

	// 3. Текущий подтверждённый статус
	current, fetched, err := d.currentStatus(ctx, req)
	if err != nil {
		fail := d.failure(req, domain.Status{}, err)
		d.finish(key, fail, nil)
		d.count(req, "failed")
		log.Warn("failed to load entity before submission", zap.Error(err))
		return nil, fail
	}

	// Повтор после SubmissionFailed: первый запрос мог дойти до сервера, а потерялся только ответ
	if fetched != nil && d.appliedBefore(req, prev, current) {
		log.Info("previous submission was applied by the server", zap.String("status", current.String()))
		return d.confirmed(ctx, key, req, fetched, log), nil
	}

	// 4. Решение движка без сети
	decision, err := d.engine.Evaluate(workflow.Evaluation{
		Kind:    req.Kind,
		Current: current,
		Role:    req.ActorRole,
		Action:  req.Action,
		Notes:   req.Notes,
	})
	if err != nil {
		d.finish(key, nil, &current)
		d.count(req, "rejected")
		log.Debug("transition rejected locally", zap.Error(err))
		return nil, err
	}
	if decision.NeedsConfirmation() && !req.Confirmed {
		d.finish(key, nil, &current)
		d.count(req, "confirmation")
		return nil, &ConfirmationError{Advisory: *decision.Advisory}
	}

	// 5. Ровно один POST. Отмена контекста вызывающего его не прерывает, только таймаут.
	upd := domain.StatusUpdate{Status: decision.Next, Confirmed: req.Confirmed}
	if decision.RequiresNotes || req.Notes != "" {
		notes := req.Notes
		upd.RevisionNotes = &notes
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	entity, err := d.store.SubmitStatus(sendCtx, req.Kind, req.EntityID, upd)
	d.metrics.SubmitDuration.WithLabelValues(string(req.Kind), string(req.Action)).Observe(time.Since(start).Seconds())

	if err != nil {
		fail := d.failure(req, current, err)
		d.finish(key, fail, &current)
		d.count(req, "failed")
		log.Error("status submission failed",
			zap.Int("status_code", fail.StatusCode),
			zap.Bool("timeout", fail.Timeout),
			zap.Error(err))
		return nil, fail
	}

	// 6. Сверяемся с ответом сервера: его политика могла выставить другой статус
	if entity.Status != decision.Next {
		log.Info("server confirmed a different status than predicted",
			zap.String("predicted", decision.Next.String()),
			zap.String("confirmed", entity.Status.String()))
	}
	return d.confirmed(ctx, key, req, entity, log), nil
}

func (d *Dispatcher) confirmed(ctx context.Context, key string, req domain.TransitionRequest, entity *domain.ReviewableEntity, log *zap.Logger) *domain.ReviewableEntity {
	d.finish(key, nil, &entity.Status)
	d.count(req, "confirmed")

	if d.refresher != nil {
		if err := d.refresher.Refresh(ctx, entity); err != nil {
			// Переход уже подтверждён, ошибка перечитывания не делает его неуспешным
			log.Warn("refresh after submission failed", zap.Error(err))
		}
	}

	log.Info("review transition confirmed", zap.String("status", entity.Status.String()))
	return entity
}

// appliedBefore прошлый отказ был сетевым для того же действия, и сущность уже в статусе,
// который это действие дало бы из отката. Переход ключуется целевым статусом, поэтому
// повторять его не нужно.
func (d *Dispatcher) appliedBefore(req domain.TransitionRequest, prev *SubmissionFailedError, current domain.Status) bool {
	if prev == nil || prev.Action != req.Action || prev.Rollback.IsZero() || prev.Rollback == current {
		return false
	}
	decision, err := d.engine.Evaluate(workflow.Evaluation{
		Kind:    req.Kind,
		Current: prev.Rollback,
		Role:    req.ActorRole,
		Action:  req.Action,
		Notes:   req.Notes,
	})
	return err == nil && decision.Next == current
}

// currentStatus статус из запроса или свежий с сервера; fetched != nil только во втором случае.
func (d *Dispatcher) currentStatus(ctx context.Context, req domain.TransitionRequest) (domain.Status, *domain.ReviewableEntity, error) {
	if req.Current != nil && !req.Current.IsZero() {
		return *req.Current, nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	entity, err := d.store.Get(fetchCtx, req.Kind, req.EntityID)
	if err != nil {
		return domain.Status{}, nil, err
	}
	return entity.Status, entity, nil
}

// begin атомарно переводит сущность в Submitting, если она в Idle/IdleWithError.
// Возвращает прошлую ошибку отправки: по ней распознаётся повтор.
func (d *Dispatcher) begin(key string) (*SubmissionFailedError, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.slots[key]
	if !ok {
		s = &slot{state: StateIdle}
		d.slots[key] = s
	}
	if s.state == StateSubmitting {
		return nil, false
	}
	prev, _ := s.lastErr.(*SubmissionFailedError)
	s.state = StateSubmitting
	s.lastErr = nil
	return prev, true
}

func (d *Dispatcher) finish(key string, fail *SubmissionFailedError, confirmed *domain.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.slots[key]
	if confirmed != nil && !confirmed.IsZero() {
		s.confirmed = *confirmed
	}
	if fail != nil {
		s.state = StateIdleWithError
		s.lastErr = fail
		return
	}
	s.state = StateIdle
	d.evictIdle(key)
}

// evictIdle держит карту в пределах maxIdle, вытесняя слоты в Idle. Submitting и
// IdleWithError не вытесняются: по ним идёт гард и распознаётся повтор.
func (d *Dispatcher) evictIdle(keep string) {
	if len(d.slots) <= d.maxIdle {
		return
	}
	for k, s := range d.slots {
		if len(d.slots) <= d.maxIdle {
			return
		}
		if k != keep && s.state == StateIdle {
			delete(d.slots, k)
		}
	}
}

// Snapshot состояние по сущности; для неизвестной Idle.
func (d *Dispatcher) Snapshot(kind domain.Kind, id string) Snapshot {
	key := domain.TransitionRequest{Kind: kind, EntityID: id}.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.slots[key]
	if !ok {
		return Snapshot{State: StateIdle}
	}
	return Snapshot{State: s.state, LastErr: s.lastErr, LastConfirmed: s.confirmed}
}

func (d *Dispatcher) failure(req domain.TransitionRequest, rollback domain.Status, err error) *SubmissionFailedError {
	fail := &SubmissionFailedError{
		Kind:     req.Kind,
		EntityID: req.EntityID,
		Action:   req.Action,
		Rollback: rollback,
		Message:  "Failed to update status. Please try again.",
		Err:      err,
	}

	var apiErr *storeclient.APIError
	if errors.As(err, &apiErr) {
		fail.StatusCode = apiErr.StatusCode
		if apiErr.Message != "" {
			fail.Message = apiErr.Message
		}
	}
	if errors.Is(err, storeclient.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		fail.Timeout = true
		fail.Message = "Request timed out. Please try again."
	}
	return fail
}

func (d *Dispatcher) count(req domain.TransitionRequest, outcome string) {
	d.metrics.Submissions.WithLabelValues(string(req.Kind), string(req.Action), outcome).Inc()
}
