package storeclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilitySettings настройки обёртки вокруг HTTP-вызовов к Entity Store.
type ReliabilitySettings struct {
	RateLimit float64 // запросов в секунду
	Burst     int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBMaxFailures uint32
}

func DefaultReliabilitySettings() ReliabilitySettings {
	return ReliabilitySettings{
		RateLimit:     20,
		Burst:         10,
		CBMaxRequests: 3,
		CBInterval:    5 * time.Second,
		CBTimeout:     30 * time.Second,
		CBMaxFailures: 5,
	}
}

type ReliabilityWrapper struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(name string, s ReliabilitySettings) *ReliabilityWrapper {
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.CBMaxRequests,
		Interval:    s.CBInterval,
		Timeout:     s.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > s.CBMaxFailures
		},
		// 4xx это ответ сервера по существу (409, 422), а не его деградация
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
	})

	limiter := rate.NewLimiter(rate.Limit(s.RateLimit), s.Burst)

	return &ReliabilityWrapper{cb: cb, limiter: limiter}
}

// Do выполняет call с лимитером, предохранителем и attempts попытками.
// attempts = 1: без повторов (так отправляются переходы статуса по умолчанию).
func (w *ReliabilityWrapper) Do(ctx context.Context, attempts uint, call func(ctx context.Context) error) error {
	if attempts == 0 {
		attempts = 1
	}

	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// 429 с Retry-After уважаем, остальное: экспоненциальный бэкофф
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			return call(ctx)
		})
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("entity store unavailable: %w", err)
	}
	return err
}

// ThrottleError сервер попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}
