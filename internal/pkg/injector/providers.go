package injector

import (
	"github.com/lk2023060901/filevault-backend/internal/auth"
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/data"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/lk2023060901/filevault-backend/internal/pkg/sse"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"github.com/lk2023060901/filevault-backend/internal/server"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	"github.com/lk2023060901/filevault-backend/internal/storage/media"
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
)

// Data layer helpers

func provideDB(d *data.Data) *database.DB {
	return d.DB
}

func provideRedisClient(d *data.Data) *redis.Client {
	return d.Redis
}

func provideHub(d *data.Data) *sse.Hub {
	return d.Hub
}

func providePool(d *data.Data) *workerpool.Pool {
	return d.Pool
}

func provideBlobStore(config *conf.Config, backend blob.Backend, log *logger.Logger) *blob.Store {
	return blob.NewStore(backend, config.Storage.Blob, log)
}

// Use case helpers

func provideInspector(config *conf.Config, log *logger.Logger) *validator.Validator {
	return validator.New(config.Storage.Validation, log)
}

func provideMediaProcessor(config *conf.Config) *media.Processor {
	return media.NewProcessor(config.Storage.Media)
}

func provideAccessPolicy() biz.AccessPolicy {
	return biz.OwnerPolicy{}
}

func providePipelineConfig(config *conf.Config) *biz.PipelineConfig {
	return &biz.PipelineConfig{DedupEnabled: config.Storage.DedupEnabled}
}

func provideQuotaLedger(repo biz.QuotaRepo, files biz.FileRepo, config *conf.Config, log *logger.Logger) *biz.QuotaLedger {
	return biz.NewQuotaLedger(repo, files, config.Storage.DefaultQuotaBytes, log)
}

// Service helpers

func provideJWTManager(config *conf.Config) *auth.JWTManager {
	return auth.NewJWTManager(config.Auth.JWTSecret, config.Auth.TokenTTL)
}

func provideHealthChecks(d *data.Data) map[string]server.HealthChecker {
	checks := map[string]server.HealthChecker{
		"database": d.DB,
	}
	if d.Redis != nil {
		checks["redis"] = server.HealthCheckFunc(d.Redis.Ping)
	}
	if d.MinIO != nil {
		checks["minio"] = server.HealthCheckFunc(d.MinIO.Ping)
	}
	return checks
}
