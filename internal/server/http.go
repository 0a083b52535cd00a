package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/auth"
	"github.com/lk2023060901/filevault-backend/internal/auth/middleware"
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/metrics"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/lk2023060901/filevault-backend/internal/storage/service"
	"go.uber.org/zap"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type HTTPServer struct {
	server *http.Server
	router *gin.Engine
	logger *logger.Logger
}

func NewHTTPServer(
	config *conf.Config,
	log *logger.Logger,
	fileService *service.FileService,
	eventService *service.EventService,
	jwtManager *auth.JWTManager,
	redisClient *redis.Client,
	m *metrics.Metrics,
	checks map[string]HealthChecker,
) *HTTPServer {
	gin.SetMode(config.Server.Mode)

	router := gin.New()
	router.MaxMultipartMemory = config.Server.MaxMultipartMemory
	router.Use(logger.GinRecovery(log))
	router.Use(logger.GinLoggerWithConfig(log, logger.MiddlewareOptions{
		SkipPaths: []string{"/health", config.Metrics.Path},
	}))
	router.Use(m.GinMiddleware())
	router.Use(middleware.CORS())

	router.GET("/health", healthHandler(checks))
	if config.Metrics.Enabled {
		router.GET(config.Metrics.Path, gin.WrapH(m.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtManager, log))
	if redisClient != nil {
		api.Use(middleware.RateLimiter(redisClient, config.Auth.RateLimit, log))
	}
	fileService.RegisterRoutes(api)
	eventService.RegisterRoutes(api)

	admin := api.Group("/admin", middleware.RequireRole(auth.RoleAdmin))
	fileService.RegisterAdminRoutes(admin)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	return &HTTPServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  config.Server.ReadTimeout,
			WriteTimeout: config.Server.WriteTimeout,
		},
		router: router,
		logger: log,
	}
}

// Handler exposes the router for in-process tests
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func healthHandler(checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.HealthCheck(ctx); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":       state,
			"time":         time.Now().Format(time.RFC3339),
			"dependencies": deps,
		})
	}
}
