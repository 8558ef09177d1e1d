package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/sdu-review-console/internal/infra"
)

// Guard межпроцессная гарантия "не более одного запроса в полёте".
// Внутри одного процесса это обеспечивает сам Dispatcher; Guard нужен,
// когда диспетчеров несколько (например, несколько инстансов CLI/бота).
type Guard interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryGuard реализация для одного процесса и для тестов.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]struct{})}
}

func (g *MemoryGuard) TryAcquire(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return false, nil
	}
	g.held[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
	return nil
}

// RedisGuard распределённая блокировка через SetNX с TTL.
// TTL страхует от "вечной" блокировки, если процесс упал, не дойдя до Release.
type RedisGuard struct {
	rdb   *redis.Client
	ttl   time.Duration
	owner string
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration, owner string) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisGuard{rdb: rdb, ttl: ttl, owner: owner}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (bool, error) {
	return g.rdb.SetNX(ctx, infra.InFlightKey(key), g.owner, g.ttl).Result()
}

// releaseScript снимает блокировку, только если она всё ещё наша (TTL мог истечь и ключ занял другой).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, g.rdb, []string{infra.InFlightKey(key)}, g.owner).Err()
}
