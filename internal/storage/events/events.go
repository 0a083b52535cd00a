// Package events delivers storage events to external consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/lk2023060901/filevault-backend/internal/pkg/sse"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config selects the publishers
type Config struct {
	// Redis pushes events onto a capped Redis list
	Redis bool `mapstructure:"redis"`
	// Key is the list name under the client's key prefix
	Key    string `mapstructure:"key" validate:"required_if=Redis true"`
	MaxLen int64  `mapstructure:"max_len" validate:"gte=0"`
	// Async publishes on the worker pool instead of the request goroutine
	Async   bool          `mapstructure:"async"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default event configuration
func DefaultConfig() *Config {
	return &Config{
		Key:     "events",
		MaxLen:  10000,
		Async:   true,
		Timeout: 5 * time.Second,
	}
}

// LogPublisher writes every event to the structured log
type LogPublisher struct {
	logger *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log.Named("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e biz.Event) error {
	p.logger.WithContext(ctx).Info("storage event",
		zap.String("type", e.Type),
		zap.String("file_id", e.FileID),
		zap.String("owner_id", e.OwnerID),
		zap.String("display_name", e.DisplayName),
		zap.Int64("size", e.Size),
		zap.String("mime_type", e.MimeType),
		zap.Time("timestamp", e.Timestamp),
	)
	return nil
}

// RedisPublisher pushes JSON events onto a Redis list, newest at the head,
// trimmed to MaxLen entries
type RedisPublisher struct {
	client *redis.Client
	key    string
	maxLen int64
}

func NewRedisPublisher(client *redis.Client, cfg *Config) *RedisPublisher {
	return &RedisPublisher{client: client, key: client.Key(cfg.Key), maxLen: cfg.MaxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, e biz.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.client.LPush(ctx, p.key, payload); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	if p.maxLen > 0 {
		if err := p.client.LTrim(ctx, p.key, 0, p.maxLen-1); err != nil {
			return fmt.Errorf("trim event list: %w", err)
		}
	}
	return nil
}

// Key returns the fully prefixed list name
func (p *RedisPublisher) Key() string {
	return p.key
}

// HubPublisher forwards events to the owner's live SSE subscribers
type HubPublisher struct {
	hub *sse.Hub
}

func NewHubPublisher(hub *sse.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(_ context.Context, e biz.Event) error {
	p.hub.Broadcast(OwnerResource(e.OwnerID), sse.Event{Type: e.Type, Data: e})
	return nil
}

// OwnerResource is the hub resource an owner's stream subscribes to
func OwnerResource(ownerID string) string {
	return "owner:" + ownerID
}

// Multi fans an event out to every publisher and combines their errors
type Multi []biz.EventPublisher

func (m Multi) Publish(ctx context.Context, e biz.Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(ctx, e))
	}
	return err
}
