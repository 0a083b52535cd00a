package events

import (
	"context"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/lk2023060901/filevault-backend/internal/pkg/sse"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"go.uber.org/zap"
)

// Submitter runs work in the background
type Submitter interface {
	SubmitErr(name string, task func() error) error
}

// Dispatcher hands events to a worker pool so slow consumers never delay
// the caller. Publish only fails when the pool rejects the work.
type Dispatcher struct {
	next    biz.EventPublisher
	pool    Submitter
	timeout time.Duration
	logger  *logger.Logger
}

func NewDispatcher(next biz.EventPublisher, pool Submitter, timeout time.Duration, log *logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{next: next, pool: pool, timeout: timeout, logger: log.Named("events")}
}

func (d *Dispatcher) Publish(ctx context.Context, e biz.Event) error {
	base := context.WithoutCancel(ctx)
	return d.pool.SubmitErr("event:"+e.Type, func() error {
		ctx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		if err := d.next.Publish(ctx, e); err != nil {
			d.logger.WithContext(ctx).Warn("deliver event failed",
				zap.String("type", e.Type),
				zap.String("file_id", e.FileID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
}

// New assembles the configured publishers. client and hub may be nil.
func New(cfg *Config, client *redis.Client, hub *sse.Hub, pool Submitter, log *logger.Logger) biz.EventPublisher {
	pubs := Multi{NewLogPublisher(log)}
	if cfg.Redis && client != nil {
		pubs = append(pubs, NewRedisPublisher(client, cfg))
	}
	if hub != nil {
		pubs = append(pubs, NewHubPublisher(hub))
	}

	var out biz.EventPublisher = pubs
	if len(pubs) == 1 {
		out = pubs[0]
	}
	if cfg.Async && pool != nil {
		out = NewDispatcher(out, pool, cfg.Timeout, log)
	}
	return out
}
