package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"go.uber.org/zap"
)

// RedisConfig tunes the distributed locker
type RedisConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// RedisLocker shares locks between service instances
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	logger *logger.Logger
}

// NewRedisLocker creates a RedisLocker
func NewRedisLocker(client *redis.Client, cfg RedisConfig, log *logger.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	return &RedisLocker{client: client, cfg: cfg, logger: log.Named("lock")}
}

// Lock polls until key is acquired or ctx ends. While held, the TTL is
// refreshed every third of its length so long operations keep ownership.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	rkey := l.client.Key("lock", key)
	for {
		token, err := l.client.Lock(ctx, rkey, l.cfg.TTL)
		if err == nil {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.keepAlive(key, rkey, token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					if err := l.client.Unlock(context.Background(), rkey, token); err != nil {
						l.logger.Warn("release lock failed", zap.String("key", key), zap.Error(err))
					}
				})
			}, nil
		}
		if !errors.Is(err, redis.ErrLockNotHeld) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

func (l *RedisLocker) keepAlive(key, rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.cfg.TTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.client.Extend(ctx, rkey, token, l.cfg.TTL)
			cancel()
			if errors.Is(err, redis.ErrLockLost) {
				l.logger.Error("lock lost while held", zap.String("key", key))
				return
			}
			if err != nil {
				l.logger.Warn("extend lock failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}
