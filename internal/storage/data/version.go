package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"gorm.io/gorm"
)

// VersionPO is a row of file_versions keyed by (file_id, version_no)
type VersionPO struct {
	FileID      string    `gorm:"column:file_id;size:36;primaryKey"`
	VersionNo   int       `gorm:"column:version_no;primaryKey;autoIncrement:false"`
	BlobPath    string    `gorm:"column:blob_path;size:512;not null;index:idx_file_versions_blob_path"`
	ContentHash string    `gorm:"column:content_hash;size:64;not null"`
	Size        int64     `gorm:"column:size;not null"`
	MimeType    string    `gorm:"column:mime_type;size:128"`
	AuthorID    string    `gorm:"column:author_id;size:64"`
	Note        string    `gorm:"column:note;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (VersionPO) TableName() string {
	return "file_versions"
}

// VersionRepo implements biz.VersionRepo on gorm
type VersionRepo struct {
	db *database.DB
}

func NewVersionRepo(db *database.DB) *VersionRepo {
	return &VersionRepo{db: db}
}

// Append inserts an entry; a duplicate version number is a conflict
func (r *VersionRepo) Append(ctx context.Context, v *biz.VersionEntry) error {
	po := &VersionPO{
		FileID:      v.FileID,
		VersionNo:   v.VersionNo,
		BlobPath:    v.BlobPath,
		ContentHash: v.ContentHash,
		Size:        v.Size,
		MimeType:    v.MimeType,
		AuthorID:    v.AuthorID,
		Note:        v.Note,
		CreatedAt:   v.CreatedAt.UTC(),
	}
	if err := r.db.Conn(ctx).Create(po).Error; err != nil {
		if database.IsDuplicateKeyError(err) {
			return biz.ErrVersionConflict
		}
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

func (r *VersionRepo) ListByFile(ctx context.Context, fileID string) ([]*biz.VersionEntry, error) {
	var pos []VersionPO
	err := r.db.Conn(ctx).Where("file_id = ?", fileID).Order("version_no DESC").Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	out := make([]*biz.VersionEntry, len(pos))
	for i := range pos {
		out[i] = toVersionEntry(&pos[i])
	}
	return out, nil
}

func (r *VersionRepo) Get(ctx context.Context, fileID string, versionNo int) (*biz.VersionEntry, error) {
	var po VersionPO
	err := r.db.Conn(ctx).Where("file_id = ? AND version_no = ?", fileID, versionNo).First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrVersionNotFound
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return toVersionEntry(&po), nil
}

func (r *VersionRepo) DeleteByFile(ctx context.Context, fileID string) error {
	if err := r.db.Conn(ctx).Where("file_id = ?", fileID).Delete(&VersionPO{}).Error; err != nil {
		return fmt.Errorf("failed to delete versions: %w", err)
	}
	return nil
}

func (r *VersionRepo) BlobPaths(ctx context.Context, fileID string) ([]string, error) {
	var paths []string
	err := r.db.Conn(ctx).Model(&VersionPO{}).
		Where("file_id = ?", fileID).
		Distinct().Order("blob_path").
		Pluck("blob_path", &paths).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list version blobs: %w", err)
	}
	return paths, nil
}

func toVersionEntry(po *VersionPO) *biz.VersionEntry {
	return &biz.VersionEntry{
		FileID:      po.FileID,
		VersionNo:   po.VersionNo,
		BlobPath:    po.BlobPath,
		ContentHash: po.ContentHash,
		Size:        po.Size,
		MimeType:    po.MimeType,
		AuthorID:    po.AuthorID,
		Note:        po.Note,
		CreatedAt:   po.CreatedAt,
	}
}
