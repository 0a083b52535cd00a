package biz

import (
	"context"
	"errors"
	"io"
	"time"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/metrics"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	"go.uber.org/zap"
)

const (
	defaultSearchLimit   = 50
	searchCandidateLimit = 1000
)

// DetailsUpdate changes descriptive attributes; nil fields are kept
type DetailsUpdate struct {
	DisplayName *string
	Description *string
	Tags        *[]string
	Visibility  *Visibility
}

// FileUseCase is the caller-facing API of the storage subsystem
type FileUseCase struct {
	files     FileRepo
	quota     *QuotaLedger
	ledger    *VersionLedger
	pipeline  *UploadPipeline
	lifecycle *LifecycleUseCase
	blobs     BlobStore
	locker    lock.Locker
	policy    AccessPolicy
	tasks     TaskRunner
	metrics   *metrics.Metrics
	logger    *logger.Logger
	notify    *notifier
	now       func() time.Time
}

func NewFileUseCase(
	files FileRepo,
	quota *QuotaLedger,
	ledger *VersionLedger,
	pipeline *UploadPipeline,
	lifecycle *LifecycleUseCase,
	blobs BlobStore,
	locker lock.Locker,
	policy AccessPolicy,
	tasks TaskRunner,
	events EventPublisher,
	audit AuditWriter,
	m *metrics.Metrics,
	log *logger.Logger,
) *FileUseCase {
	if policy == nil {
		policy = OwnerPolicy{}
	}
	log = log.Named("files")
	return &FileUseCase{
		files:     files,
		quota:     quota,
		ledger:    ledger,
		pipeline:  pipeline,
		lifecycle: lifecycle,
		blobs:     blobs,
		locker:    locker,
		policy:    policy,
		tasks:     tasks,
		metrics:   m,
		logger:    log,
		notify:    &notifier{events: events, audit: audit, logger: log, now: time.Now},
		now:       time.Now,
	}
}

// Upload stores a new file
func (uc *FileUseCase) Upload(ctx context.Context, req *UploadRequest) (*FileRecord, error) {
	return uc.pipeline.Upload(ctx, req)
}

// AppendVersion stores new content for an existing file
func (uc *FileUseCase) AppendVersion(ctx context.Context, req *AppendVersionRequest) (*VersionEntry, error) {
	return uc.pipeline.AppendVersion(ctx, req)
}

// Get returns a record the requester may read
func (uc *FileUseCase) Get(ctx context.Context, requesterID, fileID string) (*FileRecord, error) {
	rec, err := uc.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !uc.policy.Allowed(ctx, requesterID, rec, ActionRead) {
		return nil, apperrors.New(apperrors.ErrFileForbidden)
	}
	return rec, nil
}

// Download opens the current content of an active file
func (uc *FileUseCase) Download(ctx context.Context, requesterID, fileID string) (*FileRecord, io.ReadCloser, error) {
	rec, err := uc.readable(ctx, requesterID, fileID)
	if err != nil {
		return nil, nil, err
	}
	body, err := uc.open(ctx, rec.BlobPath)
	if err != nil {
		return nil, nil, err
	}

	uc.recordDownload(ctx, rec)
	uc.metrics.Download()
	uc.notify.publish(ctx, EventFileDownloaded, rec)
	return rec, body, nil
}

// DownloadVersion opens the content of one version of an active file
func (uc *FileUseCase) DownloadVersion(ctx context.Context, requesterID, fileID string, versionNo int) (*VersionEntry, io.ReadCloser, error) {
	rec, err := uc.readable(ctx, requesterID, fileID)
	if err != nil {
		return nil, nil, err
	}
	v, err := uc.ledger.GetVersion(ctx, rec, versionNo)
	if err != nil {
		return nil, nil, err
	}
	body, err := uc.open(ctx, v.BlobPath)
	if err != nil {
		return nil, nil, err
	}
	uc.metrics.Download()
	return v, body, nil
}

// Thumbnail opens the JPEG preview of an image file
func (uc *FileUseCase) Thumbnail(ctx context.Context, requesterID, fileID string) (io.ReadCloser, error) {
	rec, err := uc.readable(ctx, requesterID, fileID)
	if err != nil {
		return nil, err
	}
	if rec.ThumbnailPath == "" {
		return nil, apperrors.New(apperrors.ErrFileNotFound, "file has no thumbnail")
	}
	body, err := uc.blobs.ReadThumbnail(ctx, rec.BlobPath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, apperrors.Wrap(err, apperrors.ErrFileNotFound, "thumbnail missing")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrStorageRead)
	}
	return body, nil
}

// ListVersions returns the history of a file newest first
func (uc *FileUseCase) ListVersions(ctx context.Context, requesterID, fileID string) ([]*VersionEntry, error) {
	rec, err := uc.Get(ctx, requesterID, fileID)
	if err != nil {
		return nil, err
	}
	if rec.IsDirectory {
		return nil, apperrors.New(apperrors.ErrInvalidState, "directories have no versions")
	}
	return uc.ledger.ListVersions(ctx, rec)
}

// List pages the requester's own records
func (uc *FileUseCase) List(ctx context.Context, requesterID string, filter ListFilter) ([]*FileRecord, int64, error) {
	filter.OwnerID = requesterID
	if filter.State == "" {
		filter.State = StateActive
	}
	if !filter.State.Valid() || filter.State == StatePurged {
		return nil, 0, apperrors.Newf(apperrors.ErrInvalidParams, "state %q", filter.State)
	}
	items, total, err := uc.files.ListByOwner(ctx, &filter)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrInternalServer, "list files")
	}
	return items, total, nil
}

// Search filters the requester's records and ranks them by relevance
func (uc *FileUseCase) Search(ctx context.Context, requesterID string, c SearchCriteria) ([]ScoredFile, error) {
	c.OwnerID = requesterID
	if c.State == "" {
		c.State = StateActive
	}
	if !c.State.Valid() || c.State == StatePurged {
		return nil, apperrors.Newf(apperrors.ErrInvalidParams, "state %q", c.State)
	}
	limit := c.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	c.Limit = searchCandidateLimit

	candidates, err := uc.files.Search(ctx, &c)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer, "search files")
	}
	ranked := Rank(candidates, c.Query)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// CreateDirectory adds an empty directory
func (uc *FileUseCase) CreateDirectory(ctx context.Context, ownerID string, parentID *string, name string) (*FileRecord, error) {
	if parentID != nil {
		if err := checkParent(ctx, uc.files, ownerID, *parentID); err != nil {
			return nil, err
		}
	}
	dir, err := NewDirectory(ownerID, parentID, name, uc.now())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrValidation, err.Error())
	}
	if err := uc.files.Create(ctx, dir); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrMetadataWrite)
	}

	uc.notify.record(ctx, AuditCreateDirectory, ownerID, dir, nil, dir.Snapshot())
	uc.notify.publish(ctx, EventDirectoryCreated, dir)
	return dir, nil
}

// UpdateDetails renames or re-describes an active record
func (uc *FileUseCase) UpdateDetails(ctx context.Context, requesterID, fileID string, u DetailsUpdate) (*FileRecord, error) {
	unlock, err := uc.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFileConflict, "acquire file lock")
	}
	defer unlock()

	rec, err := uc.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !uc.policy.Allowed(ctx, requesterID, rec, ActionWrite) {
		return nil, apperrors.New(apperrors.ErrFileForbidden)
	}
	if rec.State != StateActive {
		return nil, apperrors.New(apperrors.ErrInvalidState, "only active files can be edited")
	}

	next := rec.Clone()
	if u.DisplayName != nil {
		name, err := NormalizeName(*u.DisplayName)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrValidation, err.Error())
		}
		next.DisplayName = name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Tags != nil {
		tags, err := NormalizeTags(*u.Tags)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrValidation, err.Error())
		}
		next.Tags = tags
	}
	if u.Visibility != nil {
		if !u.Visibility.Valid() {
			return nil, apperrors.Newf(apperrors.ErrValidation, "visibility %q", *u.Visibility)
		}
		next.Visibility = *u.Visibility
	}
	next.UpdatedAt = uc.now()

	if err := uc.files.Update(ctx, next); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrMetadataWrite)
	}
	uc.notify.record(ctx, AuditUpdate, requesterID, next, rec.Snapshot(), next.Snapshot())
	return next, nil
}

// Trash moves a record to the trash
func (uc *FileUseCase) Trash(ctx context.Context, requesterID, fileID string) (*FileRecord, error) {
	return uc.lifecycle.Trash(ctx, requesterID, fileID)
}

// Restore takes a record out of the trash
func (uc *FileUseCase) Restore(ctx context.Context, requesterID, fileID string) (*FileRecord, error) {
	return uc.lifecycle.Restore(ctx, requesterID, fileID)
}

// Purge deletes a record permanently
func (uc *FileUseCase) Purge(ctx context.Context, requesterID, fileID string) error {
	return uc.lifecycle.Purge(ctx, requesterID, fileID)
}

// Quota returns the owner's storage account
func (uc *FileUseCase) Quota(ctx context.Context, ownerID string) (*QuotaAccount, error) {
	return uc.quota.Get(ctx, ownerID)
}

// SetQuota changes an owner's cap on behalf of actorID
func (uc *FileUseCase) SetQuota(ctx context.Context, actorID, ownerID string, quotaBytes int64) (*QuotaAccount, error) {
	before, err := uc.quota.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := uc.quota.SetQuota(ctx, ownerID, quotaBytes); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer, "set quota")
	}
	after, err := uc.quota.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	uc.notify.write(ctx, &AuditEntry{
		Action:       AuditSetQuota,
		ResourceType: "quota",
		ResourceID:   ownerID,
		Before:       map[string]interface{}{"quota_bytes": before.QuotaBytes},
		After:        map[string]interface{}{"quota_bytes": after.QuotaBytes},
		ActorID:      actorID,
	})
	return after, nil
}

// RecalculateQuota rebuilds used bytes from the owner's active files
func (uc *FileUseCase) RecalculateQuota(ctx context.Context, ownerID string) (*QuotaAccount, error) {
	return uc.quota.Recalculate(ctx, ownerID)
}

func (uc *FileUseCase) load(ctx context.Context, id string) (*FileRecord, error) {
	rec, err := uc.files.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err)
	}
	if rec.State == StatePurged {
		return nil, apperrors.New(apperrors.ErrFileNotFound)
	}
	return rec, nil
}

// readable returns an active, non-directory record the requester may read
func (uc *FileUseCase) readable(ctx context.Context, requesterID, fileID string) (*FileRecord, error) {
	rec, err := uc.Get(ctx, requesterID, fileID)
	if err != nil {
		return nil, err
	}
	if rec.State != StateActive {
		return nil, apperrors.New(apperrors.ErrFileNotFound, "file is in the trash")
	}
	if rec.IsDirectory {
		return nil, apperrors.New(apperrors.ErrInvalidState, "directories cannot be downloaded")
	}
	return rec, nil
}

func (uc *FileUseCase) open(ctx context.Context, blobPath string) (io.ReadCloser, error) {
	body, err := uc.blobs.Read(ctx, blobPath)
	if err != nil {
		uc.logger.WithContext(ctx).Error("open blob failed", zap.String("blob_path", blobPath), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrStorageRead)
	}
	return body, nil
}

// recordDownload bumps the counters in the background
func (uc *FileUseCase) recordDownload(ctx context.Context, rec *FileRecord) {
	id, at := rec.ID, uc.now()
	update := func() error {
		return uc.files.IncrementDownloads(context.Background(), id, at)
	}
	if uc.tasks == nil {
		if err := update(); err != nil {
			uc.logger.WithContext(ctx).Warn("update download stats failed", zap.String("file_id", id), zap.Error(err))
		}
		return
	}
	if err := uc.tasks.SubmitErr("download_stats", update); err != nil {
		uc.logger.WithContext(ctx).Warn("download stats dropped", zap.String("file_id", id), zap.Error(err))
	}
}

func checkParent(ctx context.Context, files FileRepo, ownerID, parentID string) error {
	parent, err := files.GetByID(ctx, parentID)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return apperrors.New(apperrors.ErrValidation, "parent directory does not exist")
		}
		return lookupError(err)
	}
	if !parent.IsDirectory || parent.State != StateActive || parent.OwnerID != ownerID {
		return apperrors.New(apperrors.ErrValidation, "parent must be an active directory of the owner")
	}
	return nil
}
