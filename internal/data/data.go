package data

import (
	"context"
	"fmt"
	"os"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/minio"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/lk2023060901/filevault-backend/internal/pkg/sse"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	storagedata "github.com/lk2023060901/filevault-backend/internal/storage/data"
	"github.com/lk2023060901/filevault-backend/internal/storage/events"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Data owns the shared infrastructure clients
type Data struct {
	DB *database.DB
	// Redis is nil unless redis.enabled
	Redis *redis.Client
	// MinIO is nil unless the blob backend is minio
	MinIO *minio.Client
	Pool  *workerpool.Pool
	// Hub carries events to live /events subscribers
	Hub    *sse.Hub
	Logger *logger.Logger
}

func NewData(config *conf.Config, log *logger.Logger) (*Data, func(), error) {
	db, err := database.New(config.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := storagedata.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	d := &Data{DB: db, Hub: sse.NewHub(), Logger: log}
	closeAll := func() error {
		var errs error
		if d.Pool != nil {
			d.Pool.Shutdown(config.Server.ShutdownTimeout)
		}
		if d.MinIO != nil {
			errs = multierr.Append(errs, d.MinIO.Close())
		}
		if d.Redis != nil {
			errs = multierr.Append(errs, d.Redis.Close())
		}
		return multierr.Append(errs, d.DB.Close())
	}
	fail := func(err error) (*Data, func(), error) {
		if cerr := closeAll(); cerr != nil {
			log.Warn("cleanup after failed init", zap.Error(cerr))
		}
		return nil, nil, err
	}

	if config.Redis.Enabled {
		d.Redis, err = redis.New(&config.Redis.Config, log)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
	}

	if config.Storage.Blob.Backend == "minio" {
		d.MinIO, err = minio.NewClient(context.Background(), config.MinIO, log)
		if err != nil {
			return fail(fmt.Errorf("failed to init minio: %w", err))
		}
	}

	d.Pool, err = workerpool.New(config.Workers, log)
	if err != nil {
		return fail(fmt.Errorf("failed to init worker pool: %w", err))
	}

	if dir := config.Storage.Validation.StagingDir; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fail(fmt.Errorf("failed to create staging dir: %w", err))
		}
	}

	cleanup := func() {
		log.Info("cleaning up data resources")
		if err := closeAll(); err != nil {
			log.Error("cleanup failed", zap.Error(err))
		}
	}
	return d, cleanup, nil
}

// NewBlobBackend selects the filesystem or object-store backend
func NewBlobBackend(config *conf.Config, d *Data) (blob.Backend, error) {
	if config.Storage.Blob.Backend == "minio" {
		if d.MinIO == nil {
			return nil, fmt.Errorf("minio backend selected but client is not initialized")
		}
		return blob.NewMinIOBackend(d.MinIO), nil
	}
	return blob.NewLocalBackend(config.Storage.Blob.Root)
}

// NewLocker shares locks through Redis when available, otherwise locks are
// process-local
func NewLocker(config *conf.Config, d *Data) lock.Locker {
	if d.Redis != nil {
		return lock.NewRedisLocker(d.Redis, config.Redis.Lock, d.Logger)
	}
	d.Logger.Warn("redis disabled, using in-process locks; run a single instance")
	return lock.NewLocalLocker()
}

// NewEventPublisher builds the configured event chain
func NewEventPublisher(config *conf.Config, d *Data) biz.EventPublisher {
	return events.New(config.Events, d.Redis, d.Hub, d.Pool, d.Logger)
}
