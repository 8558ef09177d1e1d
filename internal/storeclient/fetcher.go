package storeclient

import (
	"context"
	"fmt"
	"sync"
)

// errSuperseded запрос вытеснен более новым (поиск по мере ввода, смена фильтра).
var errSuperseded = fmt.Errorf("fetch superseded by a newer request: %w", context.Canceled)

// ErrSuperseded экспортируемая форма; errors.Is(err, context.Canceled) тоже true.
var ErrSuperseded = errSuperseded

// LatestFetcher отменяет предыдущую выборку перед стартом новой,
// чтобы медленный старый ответ не перезаписал результаты нового.
type LatestFetcher[T any] struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func (f *LatestFetcher[T]) Fetch(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	f.seq++
	mine := f.seq
	f.cancel = cancel
	f.mu.Unlock()

	res, err := fn(ctx)

	f.mu.Lock()
	stale := mine != f.seq
	if !stale {
		f.cancel = nil
	}
	f.mu.Unlock()
	cancel()

	if stale {
		var zero T
		return zero, errSuperseded
	}
	return res, err
}
