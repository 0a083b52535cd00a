package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// likeEscape pairs with database.ContainsPattern
const likeEscape = ` ESCAPE '\'`

// FilePO is a row of files
type FilePO struct {
	ID               string     `gorm:"column:id;size:36;primaryKey"`
	OwnerID          string     `gorm:"column:owner_id;size:64;not null;index:idx_files_owner_state"`
	ParentID         *string    `gorm:"column:parent_id;size:36;index:idx_files_parent"`
	IsDirectory      bool       `gorm:"column:is_directory;not null;default:false"`
	DisplayName      string     `gorm:"column:display_name;size:255;not null"`
	StoredName       string     `gorm:"column:stored_name;size:255;not null"`
	Extension        string     `gorm:"column:extension;size:32;index:idx_files_extension"`
	ContentHash      string     `gorm:"column:content_hash;size:64;index:idx_files_content_hash"`
	BlobPath         string     `gorm:"column:blob_path;size:512;index:idx_files_blob_path"`
	CompressedPath   string     `gorm:"column:compressed_path;size:512"`
	ThumbnailPath    string     `gorm:"column:thumbnail_path;size:512"`
	Size             int64      `gorm:"column:size;not null;default:0"`
	MimeType         string     `gorm:"column:mime_type;size:128"`
	Description      string     `gorm:"column:description;type:text"`
	Visibility       string     `gorm:"column:visibility;size:16;not null;default:'private'"`
	State            string     `gorm:"column:lifecycle_state;size:16;not null;index:idx_files_owner_state"`
	VersionNo        int        `gorm:"column:version_no;not null;default:1"`
	VersionAuthorID  string     `gorm:"column:version_author_id;size:64"`
	VersionNote      string     `gorm:"column:version_note;type:text"`
	VersionCreatedAt time.Time  `gorm:"column:version_created_at"`
	DownloadCount    int64      `gorm:"column:download_count;not null;default:0"`
	LastAccessedAt   *time.Time `gorm:"column:last_accessed_at"`
	Metadata         string     `gorm:"column:metadata;type:text"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null;index:idx_files_created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null"`
	TrashedAt        *time.Time `gorm:"column:trashed_at;index:idx_files_trashed_at"`
}

func (FilePO) TableName() string {
	return "files"
}

// FileTagPO is a row of file_tags
type FileTagPO struct {
	FileID string `gorm:"column:file_id;size:36;primaryKey"`
	Tag    string `gorm:"column:tag;size:64;primaryKey;index:idx_file_tags_tag"`
}

func (FileTagPO) TableName() string {
	return "file_tags"
}

// FileRepo implements biz.FileRepo on gorm
type FileRepo struct {
	db *database.DB
}

func NewFileRepo(db *database.DB) *FileRepo {
	return &FileRepo{db: db}
}

// Create inserts the record and its tags
func (r *FileRepo) Create(ctx context.Context, f *biz.FileRecord) error {
	po, err := toFilePO(f)
	if err != nil {
		return err
	}
	return r.db.InTx(ctx, func(ctx context.Context) error {
		if err := r.db.Conn(ctx).Create(po).Error; err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		return r.replaceTags(ctx, f.ID, f.Tags)
	})
}

// GetByID returns the record, purged tombstones included
func (r *FileRepo) GetByID(ctx context.Context, id string) (*biz.FileRecord, error) {
	var po FilePO
	err := r.db.Conn(ctx).Where("id = ?", id).First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	files, err := r.withTags(ctx, []FilePO{po})
	if err != nil {
		return nil, err
	}
	return files[0], nil
}

func (r *FileRepo) Update(ctx context.Context, f *biz.FileRecord) error {
	return r.update(ctx, f, nil)
}

func (r *FileRepo) UpdateVersioned(ctx context.Context, f *biz.FileRecord, expectedVersion int) error {
	return r.update(ctx, f, &expectedVersion)
}

func (r *FileRepo) update(ctx context.Context, f *biz.FileRecord, expectedVersion *int) error {
	po, err := toFilePO(f)
	if err != nil {
		return err
	}
	return r.db.InTx(ctx, func(ctx context.Context) error {
		q := r.db.Conn(ctx).Model(&FilePO{}).Where("id = ?", f.ID)
		if expectedVersion != nil {
			q = q.Where("version_no = ?", *expectedVersion)
		}
		res := q.Select("*").Omit("id", "created_at").Updates(po)
		if res.Error != nil {
			return fmt.Errorf("failed to update file: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			if expectedVersion != nil {
				return biz.ErrVersionConflict
			}
			return biz.ErrFileNotFound
		}
		return r.replaceTags(ctx, f.ID, f.Tags)
	})
}

// Delete removes the row and its tags
func (r *FileRepo) Delete(ctx context.Context, id string) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		if err := r.db.Conn(ctx).Where("file_id = ?", id).Delete(&FileTagPO{}).Error; err != nil {
			return fmt.Errorf("failed to delete file tags: %w", err)
		}
		res := r.db.Conn(ctx).Where("id = ?", id).Delete(&FilePO{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete file: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return biz.ErrFileNotFound
		}
		return nil
	})
}

// FindByContentHash returns the oldest active file with the hash
func (r *FileRepo) FindByContentHash(ctx context.Context, hash string) (*biz.FileRecord, error) {
	var po FilePO
	err := r.db.Conn(ctx).
		Where("content_hash = ? AND lifecycle_state = ? AND is_directory = ?", hash, string(biz.StateActive), false).
		Order("created_at ASC").Order("id ASC").
		First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to find file by hash: %w", err)
	}
	files, err := r.withTags(ctx, []FilePO{po})
	if err != nil {
		return nil, err
	}
	return files[0], nil
}

// Search returns candidates newest first; ranking happens in biz.Rank
func (r *FileRepo) Search(ctx context.Context, c *biz.SearchCriteria) ([]*biz.FileRecord, error) {
	q := r.db.Conn(ctx).Model(&FilePO{}).Scopes(
		database.WhereIf(c.OwnerID != "", "owner_id = ?", c.OwnerID),
		database.WhereIf(c.State != "", "lifecycle_state = ?", string(c.State)),
		database.WhereIf(c.State == "", "lifecycle_state <> ?", string(biz.StatePurged)),
		database.WhereIf(c.ParentID != nil, "parent_id = ?", derefString(c.ParentID)),
		database.WhereIf(c.Extension != "", "extension = ?", normalizeExtension(c.Extension)),
		database.WhereIf(c.CreatedAfter != nil, "created_at >= ?", utcPtr(c.CreatedAfter)),
		database.WhereIf(c.CreatedBefore != nil, "created_at <= ?", utcPtr(c.CreatedBefore)),
	)
	if c.Query != "" {
		pattern := database.ContainsPattern(c.Query)
		q = q.Where("(LOWER(display_name) LIKE ?"+likeEscape+" OR LOWER(description) LIKE ?"+likeEscape+")", pattern, pattern)
	}
	if tags := dedupeStrings(c.Tags); len(tags) > 0 {
		sub := r.db.Conn(ctx).Model(&FileTagPO{}).
			Select("file_id").
			Where("tag IN ?", tags).
			Group("file_id").
			Having("COUNT(DISTINCT tag) = ?", len(tags))
		q = q.Where("id IN (?)", sub)
	}
	if c.Limit > 0 {
		q = q.Limit(c.Limit)
	}

	var pos []FilePO
	if err := q.Order("created_at DESC").Order("id ASC").Find(&pos).Error; err != nil {
		return nil, fmt.Errorf("failed to search files: %w", err)
	}
	return r.withTags(ctx, pos)
}

// ListByOwner pages records with directories first, then newest first
func (r *FileRepo) ListByOwner(ctx context.Context, f *biz.ListFilter) ([]*biz.FileRecord, int64, error) {
	q := r.db.Conn(ctx).Model(&FilePO{}).
		Where("owner_id = ?", f.OwnerID).
		Scopes(database.WhereIf(f.State != "", "lifecycle_state = ?", string(f.State)))
	switch {
	case f.ParentID != nil:
		q = q.Where("parent_id = ?", *f.ParentID)
	case !f.AllFolders:
		q = q.Where("parent_id IS NULL")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	var pos []FilePO
	err := q.Order("is_directory DESC").Order("created_at DESC").Order("id ASC").
		Scopes(database.Paginate(f.Page, f.PageSize)).
		Find(&pos).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list files: %w", err)
	}
	files, err := r.withTags(ctx, pos)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (r *FileRepo) CountChildren(ctx context.Context, parentID string, states ...biz.LifecycleState) (int64, error) {
	q := r.db.Conn(ctx).Model(&FilePO{}).Where("parent_id = ?", parentID)
	if len(states) > 0 {
		q = q.Where("lifecycle_state IN ?", stateStrings(states))
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return n, nil
}

func (r *FileRepo) IncrementDownloads(ctx context.Context, id string, at time.Time) error {
	err := r.db.Conn(ctx).Model(&FilePO{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"download_count":   gorm.Expr("download_count + 1"),
		"last_accessed_at": at.UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to increment downloads: %w", err)
	}
	return nil
}

func (r *FileRepo) CountBlobReferences(ctx context.Context, blobPath string) (int64, error) {
	var records int64
	err := r.db.Conn(ctx).Model(&FilePO{}).
		Where("blob_path = ? AND lifecycle_state <> ?", blobPath, string(biz.StatePurged)).
		Count(&records).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count record references: %w", err)
	}

	var versions int64
	err = r.db.Conn(ctx).Model(&VersionPO{}).
		Joins("JOIN files ON files.id = file_versions.file_id").
		Where("file_versions.blob_path = ? AND files.lifecycle_state <> ?", blobPath, string(biz.StatePurged)).
		Count(&versions).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count version references: %w", err)
	}
	return records + versions, nil
}

func (r *FileRepo) ListLive(ctx context.Context, afterID string, limit int) ([]*biz.FileRecord, error) {
	var pos []FilePO
	err := r.db.Conn(ctx).
		Where("lifecycle_state <> ? AND is_directory = ? AND id > ?", string(biz.StatePurged), false, afterID).
		Order("id ASC").Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list live files: %w", err)
	}
	return r.withTags(ctx, pos)
}

func (r *FileRepo) ListTrashed(ctx context.Context, ownerID string, before time.Time, afterID string, limit int) ([]*biz.FileRecord, error) {
	var pos []FilePO
	err := r.db.Conn(ctx).
		Where("lifecycle_state = ? AND trashed_at <= ? AND id > ?", string(biz.StateTrashed), before.UTC(), afterID).
		Scopes(database.WhereIf(ownerID != "", "owner_id = ?", ownerID)).
		Order("id ASC").Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trashed files: %w", err)
	}
	return r.withTags(ctx, pos)
}

func (r *FileRepo) SumActiveSize(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := r.db.Conn(ctx).Model(&FilePO{}).
		Select("COALESCE(SUM(size), 0)").
		Where("owner_id = ? AND lifecycle_state = ? AND is_directory = ?", ownerID, string(biz.StateActive), false).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum active size: %w", err)
	}
	return total, nil
}

func (r *FileRepo) replaceTags(ctx context.Context, fileID string, tags []string) error {
	if err := r.db.Conn(ctx).Where("file_id = ?", fileID).Delete(&FileTagPO{}).Error; err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	tags = dedupeStrings(tags)
	if len(tags) == 0 {
		return nil
	}
	rows := make([]FileTagPO, len(tags))
	for i, t := range tags {
		rows[i] = FileTagPO{FileID: fileID, Tag: t}
	}
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save tags: %w", err)
	}
	return nil
}

// withTags loads tags for the whole batch in one query
func (r *FileRepo) withTags(ctx context.Context, pos []FilePO) ([]*biz.FileRecord, error) {
	out := make([]*biz.FileRecord, 0, len(pos))
	if len(pos) == 0 {
		return out, nil
	}

	ids := make([]string, len(pos))
	for i := range pos {
		ids[i] = pos[i].ID
	}
	var tags []FileTagPO
	if err := r.db.Conn(ctx).Where("file_id IN ?", ids).Order("tag ASC").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	byFile := make(map[string][]string, len(pos))
	for _, t := range tags {
		byFile[t.FileID] = append(byFile[t.FileID], t.Tag)
	}

	for i := range pos {
		f, err := toFileRecord(&pos[i], byFile[pos[i].ID])
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func toFilePO(f *biz.FileRecord) (*FilePO, error) {
	metadata := ""
	if len(f.Metadata) > 0 {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	return &FilePO{
		ID:               f.ID,
		OwnerID:          f.OwnerID,
		ParentID:         f.ParentID,
		IsDirectory:      f.IsDirectory,
		DisplayName:      f.DisplayName,
		StoredName:       f.StoredName,
		Extension:        f.Extension,
		ContentHash:      f.ContentHash,
		BlobPath:         f.BlobPath,
		CompressedPath:   f.CompressedPath,
		ThumbnailPath:    f.ThumbnailPath,
		Size:             f.Size,
		MimeType:         f.MimeType,
		Description:      f.Description,
		Visibility:       string(f.Visibility),
		State:            string(f.State),
		VersionNo:        f.VersionNo,
		VersionAuthorID:  f.VersionAuthorID,
		VersionNote:      f.VersionNote,
		VersionCreatedAt: f.VersionCreatedAt.UTC(),
		DownloadCount:    f.DownloadCount,
		LastAccessedAt:   utcPtr(f.LastAccessedAt),
		Metadata:         metadata,
		CreatedAt:        f.CreatedAt.UTC(),
		UpdatedAt:        f.UpdatedAt.UTC(),
		TrashedAt:        utcPtr(f.TrashedAt),
	}, nil
}

func toFileRecord(po *FilePO, tags []string) (*biz.FileRecord, error) {
	var metadata map[string]interface{}
	if po.Metadata != "" {
		if err := json.Unmarshal([]byte(po.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", po.ID, err)
		}
	}
	return &biz.FileRecord{
		ID:               po.ID,
		OwnerID:          po.OwnerID,
		ParentID:         po.ParentID,
		IsDirectory:      po.IsDirectory,
		DisplayName:      po.DisplayName,
		StoredName:       po.StoredName,
		Extension:        po.Extension,
		ContentHash:      po.ContentHash,
		BlobPath:         po.BlobPath,
		CompressedPath:   po.CompressedPath,
		ThumbnailPath:    po.ThumbnailPath,
		Size:             po.Size,
		MimeType:         po.MimeType,
		Description:      po.Description,
		Tags:             tags,
		Visibility:       biz.Visibility(po.Visibility),
		State:            biz.LifecycleState(po.State),
		VersionNo:        po.VersionNo,
		VersionAuthorID:  po.VersionAuthorID,
		VersionNote:      po.VersionNote,
		VersionCreatedAt: po.VersionCreatedAt,
		DownloadCount:    po.DownloadCount,
		LastAccessedAt:   po.LastAccessedAt,
		Metadata:         metadata,
		CreatedAt:        po.CreatedAt,
		UpdatedAt:        po.UpdatedAt,
		TrashedAt:        po.TrashedAt,
	}, nil
}
