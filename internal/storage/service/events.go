package service

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/sse"
	"github.com/lk2023060901/filevault-backend/internal/storage/events"
	"go.uber.org/zap"
)

const eventHeartbeat = 25 * time.Second

// EventService streams the caller's storage events over SSE
type EventService struct {
	hub    *sse.Hub
	logger *logger.Logger
}

func NewEventService(hub *sse.Hub, log *logger.Logger) *EventService {
	return &EventService{hub: hub, logger: log.Named("event-service")}
}

func (s *EventService) RegisterRoutes(r gin.IRoutes) {
	r.GET("/events", s.Stream)
}

// Stream blocks until the client disconnects
func (s *EventService) Stream(c *gin.Context) {
	userID := c.GetString("user_id")
	client := sse.NewClient(uuid.NewString(), events.OwnerResource(userID), 64)

	log := s.logger.WithContext(c.Request.Context())
	log.Debug("event stream opened", zap.String("client_id", client.ID))
	sse.Serve(c, s.hub, client, eventHeartbeat)
	log.Debug("event stream closed", zap.String("client_id", client.ID))
}
