//go:build wireinject
// +build wireinject

package injector

import (
	"github.com/google/wire"
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/data"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/metrics"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"github.com/lk2023060901/filevault-backend/internal/server"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	storagedata "github.com/lk2023060901/filevault-backend/internal/storage/data"
	"github.com/lk2023060901/filevault-backend/internal/storage/media"
	"github.com/lk2023060901/filevault-backend/internal/storage/service"
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
)

// Data layer providers
var dataProviderSet = wire.NewSet(
	data.NewData,
	provideDB,
	provideRedisClient,
	providePool,
	provideHub,
	data.NewBlobBackend,
	provideBlobStore,
	data.NewLocker,
	data.NewEventPublisher,
	metrics.New,
	wire.Bind(new(biz.Transactor), new(*database.DB)),
	wire.Bind(new(biz.TaskRunner), new(*workerpool.Pool)),
	wire.Bind(new(biz.BlobStore), new(*blob.Store)),
)

// Repository providers
var repositoryProviderSet = wire.NewSet(
	storagedata.NewFileRepo,
	storagedata.NewVersionRepo,
	storagedata.NewQuotaRepo,
	storagedata.NewAuditRepo,
	wire.Bind(new(biz.FileRepo), new(*storagedata.FileRepo)),
	wire.Bind(new(biz.VersionRepo), new(*storagedata.VersionRepo)),
	wire.Bind(new(biz.QuotaRepo), new(*storagedata.QuotaRepo)),
	wire.Bind(new(biz.AuditWriter), new(*storagedata.AuditRepo)),
)

// Use case providers
var useCaseProviderSet = wire.NewSet(
	provideInspector,
	provideMediaProcessor,
	provideAccessPolicy,
	providePipelineConfig,
	provideQuotaLedger,
	biz.NewVersionLedger,
	biz.NewUploadPipeline,
	biz.NewLifecycleUseCase,
	biz.NewFileUseCase,
	wire.Bind(new(biz.ContentInspector), new(*validator.Validator)),
	wire.Bind(new(biz.MediaProcessor), new(*media.Processor)),
)

// HTTP/gRPC providers
var serviceProviderSet = wire.NewSet(
	service.NewFileService,
	service.NewEventService,
	provideJWTManager,
	provideHealthChecks,
	server.NewHTTPServer,
	server.NewGRPCServer,
)

// InitializeApp builds the API server graph
func InitializeApp(config *conf.Config, log *logger.Logger) (*App, func(), error) {
	wire.Build(dataProviderSet, repositoryProviderSet, useCaseProviderSet, serviceProviderSet, newApp)
	return nil, nil, nil
}

// InitializeMaintenance builds the use cases needed by the maintenance CLI
func InitializeMaintenance(config *conf.Config, log *logger.Logger) (*Maintenance, func(), error) {
	wire.Build(dataProviderSet, repositoryProviderSet, useCaseProviderSet, newMaintenance)
	return nil, nil, nil
}
