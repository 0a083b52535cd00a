package biz

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/metrics"
	"go.uber.org/zap"
)

const maintenanceBatch = 200

// LifecycleUseCase moves records between active, trashed and purged and
// runs the storage maintenance jobs.
type LifecycleUseCase struct {
	files    FileRepo
	versions VersionRepo
	quota    *QuotaLedger
	tx       Transactor
	blobs    BlobStore
	locker   lock.Locker
	policy   AccessPolicy
	metrics  *metrics.Metrics
	logger   *logger.Logger
	notify   *notifier
	now      func() time.Time
}

func NewLifecycleUseCase(
	files FileRepo,
	versions VersionRepo,
	quota *QuotaLedger,
	tx Transactor,
	blobs BlobStore,
	locker lock.Locker,
	policy AccessPolicy,
	events EventPublisher,
	audit AuditWriter,
	m *metrics.Metrics,
	log *logger.Logger,
) *LifecycleUseCase {
	if policy == nil {
		policy = OwnerPolicy{}
	}
	log = log.Named("lifecycle")
	return &LifecycleUseCase{
		files:    files,
		versions: versions,
		quota:    quota,
		tx:       tx,
		blobs:    blobs,
		locker:   locker,
		policy:   policy,
		metrics:  m,
		logger:   log,
		notify:   &notifier{events: events, audit: audit, logger: log, now: time.Now},
		now:      time.Now,
	}
}

// load returns a non-purged record; purged rows read as not found
func (uc *LifecycleUseCase) load(ctx context.Context, id string) (*FileRecord, error) {
	rec, err := uc.files.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err)
	}
	if rec.State == StatePurged {
		return nil, apperrors.New(apperrors.ErrFileNotFound)
	}
	return rec, nil
}

func (uc *LifecycleUseCase) authorize(ctx context.Context, requesterID string, rec *FileRecord) error {
	if !uc.policy.Allowed(ctx, requesterID, rec, ActionDelete) {
		return apperrors.New(apperrors.ErrFileForbidden)
	}
	return nil
}

// Trash hides an active record and returns its bytes to the owner's quota
func (uc *LifecycleUseCase) Trash(ctx context.Context, requesterID, fileID string) (*FileRecord, error) {
	unlock, err := uc.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFileConflict, "acquire file lock")
	}
	defer unlock()

	rec, err := uc.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(ctx, requesterID, rec); err != nil {
		return nil, err
	}
	if rec.State != StateActive {
		return nil, apperrors.New(apperrors.ErrInvalidState, "file is already in the trash")
	}
	if rec.IsDirectory {
		n, err := uc.files.CountChildren(ctx, rec.ID, StateActive)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
		}
		if n > 0 {
			return nil, apperrors.New(apperrors.ErrDirectoryNotEmpty)
		}
	}

	before := rec.Snapshot()
	now := uc.now()
	next := rec.Clone()
	next.State = StateTrashed
	next.TrashedAt = &now
	next.UpdatedAt = now

	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.files.Update(ctx, next); err != nil {
			return err
		}
		if next.IsDirectory {
			return nil
		}
		return uc.quota.Release(ctx, next.OwnerID, next.Size)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrMetadataWrite)
	}

	uc.metrics.Lifecycle("trash")
	uc.notify.record(ctx, AuditTrash, requesterID, next, before, next.Snapshot())
	uc.notify.publish(ctx, EventFileDeleted, next)
	uc.logger.WithContext(ctx).Info("file trashed", zap.String("file_id", next.ID))
	return next, nil
}

// Restore brings a trashed record back, charging its size again
func (uc *LifecycleUseCase) Restore(ctx context.Context, requesterID, fileID string) (*FileRecord, error) {
	unlock, err := uc.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFileConflict, "acquire file lock")
	}
	defer unlock()

	rec, err := uc.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(ctx, requesterID, rec); err != nil {
		return nil, err
	}
	if rec.State != StateTrashed {
		return nil, apperrors.New(apperrors.ErrInvalidState, "file is not in the trash")
	}
	if rec.ParentID != nil {
		parent, err := uc.files.GetByID(ctx, *rec.ParentID)
		if err != nil && !errors.Is(err, ErrFileNotFound) {
			return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
		}
		if parent == nil || parent.State != StateActive {
			return nil, apperrors.New(apperrors.ErrInvalidState, "parent directory is not active")
		}
	}

	charge := rec.Size
	if rec.IsDirectory {
		charge = 0
	}
	if err := uc.quota.Reserve(ctx, rec.OwnerID, charge); err != nil {
		return nil, err
	}

	before := rec.Snapshot()
	next := rec.Clone()
	next.State = StateActive
	next.TrashedAt = nil
	next.UpdatedAt = uc.now()

	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.files.Update(ctx, next); err != nil {
			return err
		}
		return uc.quota.Commit(ctx, next.OwnerID, charge)
	})
	if err != nil {
		uc.quota.Cancel(context.WithoutCancel(ctx), rec.OwnerID, charge)
		return nil, apperrors.Wrap(err, apperrors.ErrMetadataWrite)
	}

	uc.metrics.Lifecycle("restore")
	uc.notify.record(ctx, AuditRestore, requesterID, next, before, next.Snapshot())
	uc.logger.WithContext(ctx).Info("file restored", zap.String("file_id", next.ID))
	return next, nil
}

// Purge permanently removes a record and deletes every blob it was the last
// reference to
func (uc *LifecycleUseCase) Purge(ctx context.Context, requesterID, fileID string) error {
	unlock, err := uc.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrFileConflict, "acquire file lock")
	}
	defer unlock()

	rec, err := uc.load(ctx, fileID)
	if err != nil {
		return err
	}
	if err := uc.authorize(ctx, requesterID, rec); err != nil {
		return err
	}
	return uc.purgeLocked(ctx, requesterID, rec)
}

func (uc *LifecycleUseCase) purgeLocked(ctx context.Context, actorID string, rec *FileRecord) error {
	log := uc.logger.WithContext(ctx).With(zap.String("file_id", rec.ID))

	if rec.IsDirectory {
		n, err := uc.files.CountChildren(ctx, rec.ID, StateActive, StateTrashed)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrInternalServer)
		}
		if n > 0 {
			return apperrors.New(apperrors.ErrDirectoryNotEmpty)
		}
	}

	paths, err := uc.blobPaths(ctx, rec)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternalServer, "collect blob paths")
	}

	before := rec.Snapshot()
	wasActive := rec.State == StateActive
	next := rec.Clone()
	next.State = StatePurged
	next.UpdatedAt = uc.now()

	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.files.Update(ctx, next); err != nil {
			return err
		}
		if err := uc.versions.DeleteByFile(ctx, next.ID); err != nil {
			return err
		}
		if wasActive && !next.IsDirectory {
			return uc.quota.Release(ctx, next.OwnerID, next.Size)
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrMetadataWrite)
	}

	// the record is gone either way; blob cleanup failures leave garbage
	// for CollectGarbage
	for _, p := range paths {
		deleted, err := uc.deleteIfUnreferenced(context.WithoutCancel(ctx), p)
		if err != nil {
			log.Error("delete blob failed", zap.String("blob_path", p), zap.Error(err))
			continue
		}
		uc.metrics.BlobDelete(deleted)
	}

	uc.metrics.Lifecycle("purge")
	uc.notify.record(ctx, AuditPurge, actorID, next, before, next.Snapshot())
	uc.notify.publish(ctx, EventFileDeleted, next)
	log.Info("file purged", zap.Int("blobs_checked", len(paths)))
	return nil
}

// blobPaths lists the distinct blobs of the current content and history
func (uc *LifecycleUseCase) blobPaths(ctx context.Context, rec *FileRecord) ([]string, error) {
	if rec.IsDirectory {
		return nil, nil
	}
	history, err := uc.versions.BlobPaths(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(history)+1)
	out := make([]string, 0, len(history)+1)
	for _, p := range append([]string{rec.BlobPath}, history...) {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (uc *LifecycleUseCase) deleteIfUnreferenced(ctx context.Context, blobPath string) (bool, error) {
	unlock, err := uc.locker.Lock(ctx, lock.BlobKey(blobPath))
	if err != nil {
		return false, err
	}
	defer unlock()

	return uc.blobs.DeleteIfUnreferenced(ctx, blobPath, func(ctx context.Context) (int64, error) {
		return uc.files.CountBlobReferences(ctx, blobPath)
	})
}

// SweepOrphans removes records whose blob no longer exists and returns
// how many were removed
func (uc *LifecycleUseCase) SweepOrphans(ctx context.Context) (int, error) {
	log := uc.logger.WithContext(ctx).With(zap.String("job", "sweep_orphans"))
	removed := 0
	after := ""
	for {
		page, err := uc.files.ListLive(ctx, after, maintenanceBatch)
		if err != nil {
			return removed, apperrors.Wrap(err, apperrors.ErrInternalServer, "list live files")
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].ID

		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			ok, err := uc.blobs.Exists(ctx, rec.BlobPath)
			if err != nil {
				log.Warn("check blob failed", zap.String("file_id", rec.ID), zap.Error(err))
				continue
			}
			if ok {
				continue
			}
			swept, err := uc.sweepOne(ctx, rec.ID)
			if err != nil {
				log.Error("sweep record failed", zap.String("file_id", rec.ID), zap.Error(err))
				continue
			}
			if swept {
				removed++
			}
		}
		if len(page) < maintenanceBatch {
			break
		}
	}

	uc.metrics.MaintenanceRemoved("sweep_orphans", removed)
	log.Info("orphan sweep finished", zap.Int("removed", removed))
	return removed, nil
}

// sweepOne re-checks the record under its lock before removing it
func (uc *LifecycleUseCase) sweepOne(ctx context.Context, fileID string) (bool, error) {
	unlock, err := uc.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := uc.files.GetByID(ctx, fileID)
	if errors.Is(err, ErrFileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.State == StatePurged || rec.IsDirectory {
		return false, nil
	}
	ok, err := uc.blobs.Exists(ctx, rec.BlobPath)
	if err != nil || ok {
		return false, err
	}

	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.versions.DeleteByFile(ctx, rec.ID); err != nil {
			return err
		}
		if err := uc.files.Delete(ctx, rec.ID); err != nil {
			return err
		}
		if rec.State == StateActive {
			return uc.quota.Release(ctx, rec.OwnerID, rec.Size)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	uc.notify.record(ctx, AuditSweep, SystemActorID, rec, rec.Snapshot(), nil)
	uc.logger.WithContext(ctx).Warn("removed record with missing blob",
		zap.String("file_id", rec.ID),
		zap.String("blob_path", rec.BlobPath),
	)
	return true, nil
}

// CollectGarbage deletes stored blobs older than grace that nothing
// references. The grace window covers uploads that have stored bytes but
// not yet committed their record.
func (uc *LifecycleUseCase) CollectGarbage(ctx context.Context, grace time.Duration) (int, error) {
	log := uc.logger.WithContext(ctx).With(zap.String("job", "collect_garbage"))
	objects, err := uc.blobs.ListBlobs(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrStorageRead, "list blobs")
	}

	cutoff := uc.now().Add(-grace)
	removed := 0
	for _, o := range objects {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if o.ModTime.After(cutoff) {
			continue
		}
		deleted, err := uc.deleteIfUnreferenced(ctx, o.Path)
		if err != nil {
			log.Warn("collect blob failed", zap.String("blob_path", o.Path), zap.Error(err))
			continue
		}
		if deleted {
			removed++
			log.Info("unreferenced blob deleted", zap.String("blob_path", o.Path))
		}
	}

	uc.metrics.MaintenanceRemoved("collect_garbage", removed)
	log.Info("garbage collection finished", zap.Int("scanned", len(objects)), zap.Int("removed", removed))
	return removed, nil
}

// EmptyTrash purges records trashed more than olderThan ago. An empty
// ownerID covers every owner. Directories are purged on a later pass once
// their children are gone.
func (uc *LifecycleUseCase) EmptyTrash(ctx context.Context, ownerID string, olderThan time.Duration) (int, error) {
	log := uc.logger.WithContext(ctx).With(zap.String("job", "empty_trash"), zap.String("owner_id", ownerID))
	cutoff := uc.now().Add(-olderThan)
	total := 0

	for {
		purged, err := uc.emptyTrashPass(ctx, ownerID, cutoff)
		total += purged
		if err != nil {
			return total, err
		}
		if purged == 0 {
			break
		}
	}

	uc.metrics.MaintenanceRemoved("empty_trash", total)
	log.Info("trash emptied", zap.Int("purged", total))
	return total, nil
}

func (uc *LifecycleUseCase) emptyTrashPass(ctx context.Context, ownerID string, cutoff time.Time) (int, error) {
	purged := 0
	after := ""
	for {
		page, err := uc.files.ListTrashed(ctx, ownerID, cutoff, after, maintenanceBatch)
		if err != nil {
			return purged, apperrors.Wrap(err, apperrors.ErrInternalServer, "list trashed files")
		}
		if len(page) == 0 {
			return purged, nil
		}
		after = page[len(page)-1].ID

		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return purged, err
			}
			ok, err := uc.purgeTrashed(ctx, rec.ID, cutoff)
			if err != nil {
				if !apperrors.Is(err, apperrors.ErrDirectoryNotEmpty) {
					uc.logger.WithContext(ctx).Warn("purge trashed file failed",
						zap.String("file_id", rec.ID),
						zap.Error(err),
					)
				}
				continue
			}
			if ok {
				purged++
			}
		}
		if len(page) < maintenanceBatch {
			return purged, nil
		}
	}
}

func (uc *LifecycleUseCase) purgeTrashed(ctx context.Context, fileID string, cutoff time.Time) (bool, error) {
	unlock, err := uc.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := uc.files.GetByID(ctx, fileID)
	if errors.Is(err, ErrFileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// restored or re-trashed since the listing
	if rec.State != StateTrashed || rec.TrashedAt == nil || rec.TrashedAt.After(cutoff) {
		return false, nil
	}
	if err := uc.purgeLocked(ctx, SystemActorID, rec); err != nil {
		return false, err
	}
	return true, nil
}
