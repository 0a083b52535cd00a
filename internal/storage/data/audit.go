package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
)

// AuditPO is a row of audit_logs
type AuditPO struct {
	ID           string    `gorm:"column:id;size:36;primaryKey"`
	Action       string    `gorm:"column:action;size:64;not null;index:idx_audit_logs_action"`
	ResourceType string    `gorm:"column:resource_type;size:32;not null"`
	ResourceID   string    `gorm:"column:resource_id;size:64;not null;index:idx_audit_logs_resource"`
	Before       string    `gorm:"column:before_state;type:text"`
	After        string    `gorm:"column:after_state;type:text"`
	ActorID      string    `gorm:"column:actor_id;size:64;not null;index:idx_audit_logs_actor"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_audit_logs_created_at"`
}

func (AuditPO) TableName() string {
	return "audit_logs"
}

// AuditRepo implements biz.AuditWriter on gorm
type AuditRepo struct {
	db *database.DB
}

func NewAuditRepo(db *database.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Write(ctx context.Context, e *biz.AuditEntry) error {
	before, err := marshalState(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(e.After)
	if err != nil {
		return err
	}
	po := &AuditPO{
		ID:           e.ID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Before:       before,
		After:        after,
		ActorID:      e.ActorID,
		CreatedAt:    e.CreatedAt.UTC(),
	}
	if err := r.db.Conn(ctx).Create(po).Error; err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// ListByResource returns the entries of one resource oldest first
func (r *AuditRepo) ListByResource(ctx context.Context, resourceID string) ([]*biz.AuditEntry, error) {
	var pos []AuditPO
	err := r.db.Conn(ctx).Where("resource_id = ?", resourceID).Order("created_at ASC").Order("id ASC").Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	out := make([]*biz.AuditEntry, 0, len(pos))
	for _, po := range pos {
		e := &biz.AuditEntry{
			ID:           po.ID,
			Action:       po.Action,
			ResourceType: po.ResourceType,
			ResourceID:   po.ResourceID,
			ActorID:      po.ActorID,
			CreatedAt:    po.CreatedAt,
		}
		if err := unmarshalState(po.Before, &e.Before); err != nil {
			return nil, err
		}
		if err := unmarshalState(po.After, &e.After); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalState(m map[string]interface{}) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit state: %w", err)
	}
	return string(b), nil
}

func unmarshalState(s string, out *map[string]interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("failed to unmarshal audit state: %w", err)
	}
	return nil
}
