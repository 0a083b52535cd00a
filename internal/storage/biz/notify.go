package biz

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// notifier writes audit entries and publishes events after a commit.
// Failures are logged and never undo the committed change.
type notifier struct {
	events EventPublisher
	audit  AuditWriter
	logger *logger.Logger
	now    func() time.Time
}

func (n *notifier) record(ctx context.Context, action, actorID string, f *FileRecord, before, after map[string]interface{}) {
	if n.audit == nil {
		return
	}
	resourceType := "file"
	if f.IsDirectory {
		resourceType = "directory"
	}
	n.write(ctx, &AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   f.ID,
		Before:       before,
		After:        after,
		ActorID:      actorID,
	})
}

func (n *notifier) write(ctx context.Context, entry *AuditEntry) {
	if n.audit == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = n.now()
	}
	if err := n.audit.Write(context.WithoutCancel(ctx), entry); err != nil {
		n.logger.WithContext(ctx).Error("write audit entry failed",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err),
		)
	}
}

func (n *notifier) publish(ctx context.Context, typ string, f *FileRecord) {
	if n.events == nil {
		return
	}
	if err := n.events.Publish(context.WithoutCancel(ctx), NewEvent(typ, f, n.now())); err != nil {
		n.logger.WithContext(ctx).Warn("publish event failed",
			zap.String("event", typ),
			zap.String("file_id", f.ID),
			zap.Error(err),
		)
	}
}
