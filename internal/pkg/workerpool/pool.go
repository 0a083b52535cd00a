// Package workerpool runs background storage work on a bounded ants pool.
package workerpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed   = errors.New("worker pool is closed")
	ErrPoolOverload = errors.New("worker pool is overloaded")
)

// Config configures the pool
type Config struct {
	Workers int `mapstructure:"workers"`
	// MaxBlocking bounds callers waiting for a free worker; 0 means unbounded
	MaxBlocking int `mapstructure:"max_blocking"`
	// Nonblocking makes Submit fail fast with ErrPoolOverload
	Nonblocking bool          `mapstructure:"nonblocking"`
	ExpiryTime  time.Duration `mapstructure:"expiry_time"`
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:     16,
		MaxBlocking: 1000,
		ExpiryTime:  time.Minute,
	}
}

// Statistics counts submitted work
type Statistics struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// Pool wraps ants.Pool with panic logging and drain on shutdown
type Pool struct {
	pool   *ants.Pool
	logger *logger.Logger
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	closed    atomic.Bool
}

// New creates a Pool
func New(cfg *Config, log *logger.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.L()
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workerpool: workers must be > 0, got %d", cfg.Workers)
	}

	p := &Pool{logger: log.Named("workerpool")}

	opts := []ants.Option{
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlocking),
		ants.WithPanicHandler(func(v interface{}) {
			p.failed.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", v), zap.Stack("stack"))
		}),
	}
	if cfg.ExpiryTime > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.ExpiryTime))
	}

	pool, err := ants.NewPool(cfg.Workers, opts...)
	if err != nil {
		return nil, fmt.Errorf("workerpool: create ants pool: %w", err)
	}
	p.pool = pool

	p.logger.Info("worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Bool("nonblocking", cfg.Nonblocking),
	)
	return p, nil
}

// Submit schedules task
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.wg.Add(1)
	p.submitted.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		task()
		p.completed.Add(1)
	})
	if err != nil {
		p.wg.Done()
		p.failed.Add(1)
		switch {
		case errors.Is(err, ants.ErrPoolClosed):
			return ErrPoolClosed
		case errors.Is(err, ants.ErrPoolOverload):
			return ErrPoolOverload
		}
		return err
	}
	return nil
}

// SubmitErr schedules a task whose error is logged under name
func (p *Pool) SubmitErr(name string, task func() error) error {
	return p.Submit(func() {
		if err := task(); err != nil {
			p.failed.Add(1)
			p.logger.Warn("task failed", zap.String("task", name), zap.Error(err))
		}
	})
}

// Running returns the number of busy workers
func (p *Pool) Running() int { return p.pool.Running() }

// Free returns the number of idle workers
func (p *Pool) Free() int { return p.pool.Free() }

// Stats returns counters
func (p *Pool) Stats() Statistics {
	return Statistics{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Wait blocks until every submitted task has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits up to timeout for in-flight tasks
func (p *Pool) Shutdown(timeout time.Duration) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("worker pool shutdown timed out", zap.Duration("timeout", timeout))
	}
	p.pool.Release()

	stats := p.Stats()
	p.logger.Info("worker pool stopped",
		zap.Int64("submitted", stats.Submitted),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
	)
}
