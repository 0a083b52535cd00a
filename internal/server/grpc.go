package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service reported over gRPC
const ServiceName = "filevault.v1.Storage"

// GRPCServer serves the standard health protocol so orchestrators can probe
// the same dependencies as GET /health
type GRPCServer struct {
	config     *conf.Config
	logger     *logger.Logger
	grpcServer *grpc.Server
	health     *health.Server
	checks     map[string]HealthChecker
	stop       chan struct{}
}

func NewGRPCServer(config *conf.Config, log *logger.Logger, checks map[string]HealthChecker) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logger.RecoveryInterceptor(log),
			logger.UnaryServerInterceptor(log, healthpb.Health_Check_FullMethodName),
		),
		grpc.ChainStreamInterceptor(
			logger.StreamServerInterceptor(log),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	return &GRPCServer{
		config:     config,
		logger:     log,
		grpcServer: grpcServer,
		health:     hs,
		checks:     checks,
		stop:       make(chan struct{}),
	}
}

func (s *GRPCServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("starting gRPC server", zap.String("addr", addr))
	go s.watch(10 * time.Second)

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (s *GRPCServer) Stop() {
	s.logger.Info("stopping gRPC server")
	close(s.stop)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// watch refreshes the serving status from the dependency checks
func (s *GRPCServer) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.refresh()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		if err := check.HealthCheck(ctx); err != nil {
			s.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
