package biz

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// VersionLedger keeps the append-only history of a file. Appends on one
// file are serialized by the file lock and guarded by a compare-and-swap on
// version_no.
type VersionLedger struct {
	files    FileRepo
	versions VersionRepo
	tx       Transactor
	locker   lock.Locker
	logger   *logger.Logger
	now      func() time.Time
}

func NewVersionLedger(files FileRepo, versions VersionRepo, tx Transactor, locker lock.Locker, log *logger.Logger) *VersionLedger {
	return &VersionLedger{
		files:    files,
		versions: versions,
		tx:       tx,
		locker:   locker,
		logger:   log.Named("versions"),
		now:      time.Now,
	}
}

// AppendVersion archives the file's current content and makes info current.
// It returns the entry describing the new current version.
func (l *VersionLedger) AppendVersion(ctx context.Context, fileID string, info BlobInfo, authorID, note string) (*VersionEntry, error) {
	unlock, err := l.locker.Lock(ctx, lock.FileKey(fileID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFileConflict, "acquire file lock")
	}
	defer unlock()

	rec, err := l.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, lookupError(err)
	}
	if rec.State != StateActive || rec.IsDirectory {
		return nil, apperrors.New(apperrors.ErrInvalidState, "versions can only be added to active files")
	}
	return l.appendLocked(ctx, rec, info, authorID, note, nil)
}

// appendLocked requires the caller to hold the file lock. extra runs inside
// the same transaction.
func (l *VersionLedger) appendLocked(ctx context.Context, rec *FileRecord, info BlobInfo, authorID, note string, extra func(ctx context.Context) error) (*VersionEntry, error) {
	archived := rec.CurrentVersion()
	expected := rec.VersionNo
	next := rec.Clone()
	next.ApplyBlob(info, authorID, note, l.now())

	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		if err := l.versions.Append(ctx, archived); err != nil {
			return err
		}
		if err := l.files.UpdateVersioned(ctx, next, expected); err != nil {
			return err
		}
		if extra != nil {
			return extra(ctx)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, apperrors.Wrap(err, apperrors.ErrFileConflict)
		}
		return nil, writeError(ctx, err, apperrors.ErrMetadataWrite)
	}

	*rec = *next
	l.logger.WithContext(ctx).Info("version appended",
		zap.String("file_id", rec.ID),
		zap.Int("version_no", rec.VersionNo),
	)

	return rec.CurrentVersion(), nil
}

// ListVersions returns every version newest first, the current one included
func (l *VersionLedger) ListVersions(ctx context.Context, rec *FileRecord) ([]*VersionEntry, error) {
	history, err := l.versions.ListByFile(ctx, rec.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer, "list versions")
	}
	out := make([]*VersionEntry, 0, len(history)+1)
	out = append(out, rec.CurrentVersion())
	for _, v := range history {
		if v.VersionNo < rec.VersionNo {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetVersion returns one version, synthesizing the current one
func (l *VersionLedger) GetVersion(ctx context.Context, rec *FileRecord, versionNo int) (*VersionEntry, error) {
	if versionNo == rec.VersionNo {
		return rec.CurrentVersion(), nil
	}
	v, err := l.versions.Get(ctx, rec.ID, versionNo)
	if err != nil {
		return nil, lookupError(err)
	}
	return v, nil
}
