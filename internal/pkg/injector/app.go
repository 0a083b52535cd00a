package injector

import (
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/server"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
)

// App holds the long-running servers
type App struct {
	Config     *conf.Config
	Logger     *logger.Logger
	HTTPServer *server.HTTPServer
	GRPCServer *server.GRPCServer
}

func newApp(
	config *conf.Config,
	log *logger.Logger,
	httpServer *server.HTTPServer,
	grpcServer *server.GRPCServer,
) *App {
	return &App{
		Config:     config,
		Logger:     log,
		HTTPServer: httpServer,
		GRPCServer: grpcServer,
	}
}

// Maintenance exposes the administrative jobs run by cmd/maintenance
type Maintenance struct {
	Config    *conf.Config
	Files     *biz.FileUseCase
	Lifecycle *biz.LifecycleUseCase
}

func newMaintenance(config *conf.Config, files *biz.FileUseCase, lifecycle *biz.LifecycleUseCase) *Maintenance {
	return &Maintenance{Config: config, Files: files, Lifecycle: lifecycle}
}
