package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"vitalwatch/internal/config"
	"vitalwatch/internal/logging"
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

// redisClient is the part of *redis.Client the lock needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease-based lock shared by every instance pointing at the same
// Redis. The holder extends the lease every ttl/3; a lease expires after ttl
// only if the holder stops renewing it.
type Redis struct {
	client redisClient
	logger *slog.Logger
	prefix string
	ttl    time.Duration
	renew  time.Duration
	retry  time.Duration
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedis(client redisClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Redis{
		client: client,
		logger: logger,
		prefix: "vitalwatch:lock:",
		ttl:    ttl,
		renew:  ttl / 3,
		retry:  100 * time.Millisecond,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	name := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w (%w)", name, ErrNotAcquired, ctx.Err())
		case <-time.After(r.retry):
		}
	}

	renewCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go r.keepAlive(renewCtx, name, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			// the caller's context may already be cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := r.client.Eval(releaseCtx, releaseScript, []string{name}, token).Int64()
			switch {
			case err != nil:
				r.logger.Warn("lock release failed", "lock", name, "err", err)
			case n == 0:
				r.logger.Warn("lock lease lost before release", "lock", name)
			}
		})
	}, nil
}

// keepAlive extends the lease until ctx is cancelled or the lease turns out
// to belong to someone else.
func (r *Redis) keepAlive(ctx context.Context, name, token string, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.renew)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := r.client.Eval(ctx, renewScript, []string{name}, token, r.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("lock renewal failed", "lock", name, "err", err)
			continue
		}
		if n == 0 {
			r.logger.Error("lock lease lost", "lock", name)
			return
		}
	}
}

// New builds the locker selected by cfg.
func New(cfg config.LockConfig, logger *slog.Logger) Locker {
	if cfg.Driver == "redis" {
		return NewRedis(NewRedisClient(cfg.Redis), cfg.TTL, logger)
	}
	return NewLocal()
}
