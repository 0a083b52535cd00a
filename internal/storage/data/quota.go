package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaPO is a row of quota_accounts
type QuotaPO struct {
	OwnerID       string    `gorm:"column:owner_id;size:64;primaryKey"`
	UsedBytes     int64     `gorm:"column:used_bytes;not null;default:0"`
	ReservedBytes int64     `gorm:"column:reserved_bytes;not null;default:0"`
	QuotaBytes    int64     `gorm:"column:quota_bytes;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (QuotaPO) TableName() string {
	return "quota_accounts"
}

// QuotaRepo implements biz.QuotaRepo. Every change is a single
// conditional UPDATE.
type QuotaRepo struct {
	db *database.DB
}

func NewQuotaRepo(db *database.DB) *QuotaRepo {
	return &QuotaRepo{db: db}
}

func (r *QuotaRepo) Get(ctx context.Context, ownerID string) (*biz.QuotaAccount, error) {
	var po QuotaPO
	err := r.db.Conn(ctx).Where("owner_id = ?", ownerID).First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrQuotaAccountNotFound
		}
		return nil, fmt.Errorf("failed to get quota account: %w", err)
	}
	return &biz.QuotaAccount{
		OwnerID:       po.OwnerID,
		UsedBytes:     po.UsedBytes,
		ReservedBytes: po.ReservedBytes,
		QuotaBytes:    po.QuotaBytes,
	}, nil
}

func (r *QuotaRepo) CreateIfMissing(ctx context.Context, ownerID string, quotaBytes int64) error {
	now := time.Now().UTC()
	po := &QuotaPO{OwnerID: ownerID, QuotaBytes: quotaBytes, CreatedAt: now, UpdatedAt: now}
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(po).Error
	if err != nil {
		return fmt.Errorf("failed to create quota account: %w", err)
	}
	return nil
}

// TryReserve reports whether bytes fit under the quota and were reserved
func (r *QuotaRepo) TryReserve(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	res := r.db.Conn(ctx).Model(&QuotaPO{}).
		Where("owner_id = ? AND (quota_bytes <= 0 OR used_bytes + reserved_bytes + ? <= quota_bytes)", ownerID, bytes).
		UpdateColumns(map[string]interface{}{
			"reserved_bytes": gorm.Expr("reserved_bytes + ?", bytes),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *QuotaRepo) Commit(ctx context.Context, ownerID string, bytes int64) error {
	return r.apply(ctx, ownerID, "commit", map[string]interface{}{
		"reserved_bytes": floorSub("reserved_bytes", bytes),
		"used_bytes":     gorm.Expr("used_bytes + ?", bytes),
	})
}

func (r *QuotaRepo) Cancel(ctx context.Context, ownerID string, bytes int64) error {
	return r.apply(ctx, ownerID, "cancel", map[string]interface{}{
		"reserved_bytes": floorSub("reserved_bytes", bytes),
	})
}

// Release lowers used_bytes, floored at zero
func (r *QuotaRepo) Release(ctx context.Context, ownerID string, bytes int64) error {
	return r.apply(ctx, ownerID, "release", map[string]interface{}{
		"used_bytes": floorSub("used_bytes", bytes),
	})
}

func (r *QuotaRepo) SetQuota(ctx context.Context, ownerID string, quotaBytes int64) error {
	return r.apply(ctx, ownerID, "set quota", map[string]interface{}{"quota_bytes": quotaBytes})
}

func (r *QuotaRepo) SetUsed(ctx context.Context, ownerID string, usedBytes int64) error {
	return r.apply(ctx, ownerID, "set used", map[string]interface{}{"used_bytes": usedBytes})
}

// apply is a no-op for a missing account
func (r *QuotaRepo) apply(ctx context.Context, ownerID, op string, cols map[string]interface{}) error {
	cols["updated_at"] = time.Now().UTC()
	err := r.db.Conn(ctx).Model(&QuotaPO{}).Where("owner_id = ?", ownerID).UpdateColumns(cols).Error
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func floorSub(column string, bytes int64) clause.Expr {
	return gorm.Expr(fmt.Sprintf("CASE WHEN %s > ? THEN %s - ? ELSE 0 END", column, column), bytes, bytes)
}
