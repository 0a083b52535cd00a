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
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
	"go.uber.org/zap"
)

// Stage is a step of the upload state machine
type Stage string

const (
	StageValidating         Stage = "validating"
	StageHashing            Stage = "hashing"
	StageDedupCheck         Stage = "dedup_check"
	StageReferenceExisting  Stage = "reference_existing"
	StageStoring            Stage = "storing"
	StageExtractingMetadata Stage = "extracting_metadata"
	StageDerivingAssets     Stage = "deriving_assets"
	StageCommitting         Stage = "committing"
	StageDone               Stage = "done"
	StageFailed             Stage = "failed"
)

// PipelineConfig toggles pipeline behaviour
type PipelineConfig struct {
	DedupEnabled bool `mapstructure:"dedup_enabled"`
}

// UploadOptions are caller supplied attributes of a new file
type UploadOptions struct {
	ParentID    *string
	Description string
	Tags        []string
	Visibility  Visibility
	// SkipDedup stores a separate physical copy even if the content exists
	SkipDedup bool
}

// UploadRequest carries one upload stream
type UploadRequest struct {
	OwnerID  string
	Filename string
	// Size is the declared length, -1 when unknown
	Size    int64
	Body    io.Reader
	Options UploadOptions
}

// AppendVersionRequest carries new content for an existing file
type AppendVersionRequest struct {
	FileID      string
	RequesterID string
	// Filename defaults to the file's display name
	Filename string
	Size     int64
	Body     io.Reader
	Note     string
}

// UploadPipeline turns a byte stream into a committed FileRecord:
// validate and hash, dedup or store, derive metadata and previews, then
// commit the record together with the quota charge.
type UploadPipeline struct {
	files     FileRepo
	quota     *QuotaLedger
	ledger    *VersionLedger
	tx        Transactor
	blobs     BlobStore
	inspector ContentInspector
	media     MediaProcessor
	locker    lock.Locker
	policy    AccessPolicy
	metrics   *metrics.Metrics
	cfg       *PipelineConfig
	logger    *logger.Logger
	notify    *notifier
	now       func() time.Time
}

func NewUploadPipeline(
	files FileRepo,
	quota *QuotaLedger,
	ledger *VersionLedger,
	tx Transactor,
	blobs BlobStore,
	inspector ContentInspector,
	media MediaProcessor,
	locker lock.Locker,
	policy AccessPolicy,
	events EventPublisher,
	audit AuditWriter,
	m *metrics.Metrics,
	cfg *PipelineConfig,
	log *logger.Logger,
) *UploadPipeline {
	if cfg == nil {
		cfg = &PipelineConfig{DedupEnabled: true}
	}
	if policy == nil {
		policy = OwnerPolicy{}
	}
	log = log.Named("upload")
	return &UploadPipeline{
		files:     files,
		quota:     quota,
		ledger:    ledger,
		tx:        tx,
		blobs:     blobs,
		inspector: inspector,
		media:     media,
		locker:    locker,
		policy:    policy,
		metrics:   m,
		cfg:       cfg,
		logger:    log,
		notify:    &notifier{events: events, audit: audit, logger: log, now: time.Now},
		now:       time.Now,
	}
}

// staged is content ready to commit: a fresh blob or a reference to an
// existing one whose blob lock is held until the commit finishes
type staged struct {
	info         BlobInfo
	deduplicated bool
	unlockBlob   lock.Unlock
}

func (s *staged) release() {
	if s.unlockBlob != nil {
		s.unlockBlob()
		s.unlockBlob = nil
	}
}

type uploadRun struct {
	metrics *metrics.Metrics
	log     *logger.Logger
	stage   Stage
}

func (r *uploadRun) enter(stage Stage) {
	r.stage = stage
	r.log.Debug("upload stage", zap.String("stage", string(stage)))
}

func (r *uploadRun) fail(err error) error {
	r.metrics.UploadFailed(string(r.stage))
	r.log.Warn("upload failed",
		zap.String("stage", string(r.stage)),
		zap.Error(err),
	)
	r.stage = StageFailed
	return err
}

func (p *UploadPipeline) newRun(ctx context.Context, fields ...zap.Field) *uploadRun {
	return &uploadRun{metrics: p.metrics, log: p.logger.WithContext(ctx).With(fields...)}
}

// Upload stores a new file for req.OwnerID
func (p *UploadPipeline) Upload(ctx context.Context, req *UploadRequest) (*FileRecord, error) {
	started := p.now()
	run := p.newRun(ctx, zap.String("owner_id", req.OwnerID), zap.String("name", req.Filename))

	run.enter(StageValidating)
	if vis := req.Options.Visibility; vis != "" && !vis.Valid() {
		return nil, run.fail(apperrors.Newf(apperrors.ErrValidation, "visibility %q", vis))
	}
	if req.Options.ParentID != nil {
		if err := checkParent(ctx, p.files, req.OwnerID, *req.Options.ParentID); err != nil {
			return nil, run.fail(err)
		}
	}
	ins, err := p.inspect(ctx, req.Body, req.Filename, req.Size)
	if err != nil {
		return nil, run.fail(err)
	}
	defer ins.Close()

	// the digest is produced during validation in the same pass
	run.enter(StageHashing)
	run.log = run.log.With(zap.String("content_hash", ins.ContentHash))

	unlockHash, err := p.locker.Lock(ctx, lock.HashKey(ins.ContentHash))
	if err != nil {
		return nil, run.fail(writeError(ctx, err, apperrors.ErrFileConflict))
	}
	defer unlockHash()

	run.enter(StageDedupCheck)
	if err := p.quota.Reserve(ctx, req.OwnerID, ins.Size); err != nil {
		return nil, run.fail(writeError(ctx, err, apperrors.ErrInternalServer))
	}
	committed := false
	defer func() {
		if !committed {
			p.quota.Cancel(context.WithoutCancel(ctx), req.OwnerID, ins.Size)
		}
	}()

	st, err := p.stage(ctx, run, ins, req.Filename, p.cfg.DedupEnabled && !req.Options.SkipDedup)
	if err != nil {
		return nil, run.fail(err)
	}
	p.derive(ctx, run, ins, st)

	run.enter(StageCommitting)
	rec, err := NewFileRecord(NewFileParams{
		OwnerID:     req.OwnerID,
		ParentID:    req.Options.ParentID,
		DisplayName: req.Filename,
		Blob:        st.info,
		Description: req.Options.Description,
		Tags:        req.Options.Tags,
		Visibility:  req.Options.Visibility,
	}, p.now())
	if err != nil {
		p.discard(ctx, st)
		return nil, run.fail(apperrors.Wrap(err, apperrors.ErrValidation, err.Error()))
	}

	err = p.tx.InTx(ctx, func(ctx context.Context) error {
		if err := p.files.Create(ctx, rec); err != nil {
			return err
		}
		return p.quota.Commit(ctx, rec.OwnerID, rec.Size)
	})
	if err != nil {
		p.discard(ctx, st)
		return nil, run.fail(writeError(ctx, err, apperrors.ErrMetadataWrite))
	}
	committed = true
	st.release()
	run.enter(StageDone)

	p.metrics.UploadSucceeded(st.deduplicated, rec.Size, p.now().Sub(started))
	p.notify.record(ctx, AuditUpload, req.OwnerID, rec, nil, rec.Snapshot())
	p.notify.publish(ctx, EventFileUploaded, rec)

	run.log.Info("file uploaded",
		zap.String("file_id", rec.ID),
		zap.String("blob_path", rec.BlobPath),
		zap.Int64("size", rec.Size),
		zap.Bool("deduplicated", st.deduplicated),
	)
	return rec, nil
}

// AppendVersion stores new content for an existing file and makes it the
// current version. Quota is charged or released by the size difference.
func (p *UploadPipeline) AppendVersion(ctx context.Context, req *AppendVersionRequest) (*VersionEntry, error) {
	started := p.now()
	run := p.newRun(ctx, zap.String("file_id", req.FileID), zap.String("requester_id", req.RequesterID))

	run.enter(StageValidating)
	unlockFile, err := p.locker.Lock(ctx, lock.FileKey(req.FileID))
	if err != nil {
		return nil, run.fail(writeError(ctx, err, apperrors.ErrFileConflict))
	}
	defer unlockFile()

	rec, err := p.files.GetByID(ctx, req.FileID)
	if err != nil {
		return nil, run.fail(lookupError(err))
	}
	if rec.State == StatePurged {
		return nil, run.fail(apperrors.New(apperrors.ErrFileNotFound))
	}
	if !p.policy.Allowed(ctx, req.RequesterID, rec, ActionWrite) {
		return nil, run.fail(apperrors.New(apperrors.ErrFileForbidden))
	}
	if rec.State != StateActive || rec.IsDirectory {
		return nil, run.fail(apperrors.New(apperrors.ErrInvalidState, "versions can only be added to active files"))
	}

	name := req.Filename
	if name == "" {
		name = rec.DisplayName
	}
	ins, err := p.inspect(ctx, req.Body, name, req.Size)
	if err != nil {
		return nil, run.fail(err)
	}
	defer ins.Close()

	run.enter(StageHashing)
	unlockHash, err := p.locker.Lock(ctx, lock.HashKey(ins.ContentHash))
	if err != nil {
		return nil, run.fail(writeError(ctx, err, apperrors.ErrFileConflict))
	}
	defer unlockHash()

	run.enter(StageDedupCheck)
	delta := ins.Size - rec.Size
	if delta > 0 {
		if err := p.quota.Reserve(ctx, rec.OwnerID, delta); err != nil {
			return nil, run.fail(writeError(ctx, err, apperrors.ErrInternalServer))
		}
	}
	committed := false
	defer func() {
		if !committed && delta > 0 {
			p.quota.Cancel(context.WithoutCancel(ctx), rec.OwnerID, delta)
		}
	}()

	st, err := p.stage(ctx, run, ins, name, p.cfg.DedupEnabled)
	if err != nil {
		return nil, run.fail(err)
	}
	p.derive(ctx, run, ins, st)

	run.enter(StageCommitting)
	before := rec.Snapshot()
	entry, err := p.ledger.appendLocked(ctx, rec, st.info, req.RequesterID, req.Note, func(ctx context.Context) error {
		if delta > 0 {
			return p.quota.Commit(ctx, rec.OwnerID, delta)
		}
		return p.quota.Release(ctx, rec.OwnerID, -delta)
	})
	if err != nil {
		p.discard(ctx, st)
		return nil, run.fail(err)
	}
	committed = true
	st.release()
	run.enter(StageDone)

	p.metrics.UploadSucceeded(st.deduplicated, ins.Size, p.now().Sub(started))
	p.notify.record(ctx, AuditAppendVersion, req.RequesterID, rec, before, rec.Snapshot())
	p.notify.publish(ctx, EventFileUploaded, rec)
	return entry, nil
}

func (p *UploadPipeline) inspect(ctx context.Context, body io.Reader, name string, size int64) (*validator.Inspection, error) {
	ins, err := p.inspector.Inspect(ctx, body, name, size)
	if err == nil {
		return ins, nil
	}
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		return nil, apperrors.Wrap(err, apperrors.ErrValidation, verr.Reason)
	}
	return nil, writeError(ctx, err, apperrors.ErrStorageWrite)
}

type refOutcome int

const (
	refHeld refOutcome = iota
	refVanished
	refMissingBlob
)

// stage runs dedup_check and then reference_existing or storing. The caller
// holds the hash lock. A reference that disappears under a concurrent purge
// is retried once before failing with a conflict.
func (p *UploadPipeline) stage(ctx context.Context, run *uploadRun, ins *validator.Inspection, name string, dedup bool) (*staged, error) {
	for attempt := 0; dedup; attempt++ {
		run.enter(StageDedupCheck)
		existing, err := p.files.FindByContentHash(ctx, ins.ContentHash)
		if errors.Is(err, ErrFileNotFound) {
			break
		}
		if err != nil {
			return nil, writeError(ctx, err, apperrors.ErrInternalServer)
		}
		if existing.Size != ins.Size {
			run.log.Warn("hash match with different size, storing a copy",
				zap.String("file_id", existing.ID),
			)
			break
		}

		run.enter(StageReferenceExisting)
		st, outcome, err := p.reference(ctx, existing, ins)
		if err != nil {
			return nil, err
		}
		if outcome == refHeld {
			return st, nil
		}
		if outcome == refMissingBlob {
			run.log.Warn("dedup candidate blob is missing, storing a copy",
				zap.String("blob_path", existing.BlobPath),
			)
			break
		}
		if attempt >= 1 {
			return nil, apperrors.New(apperrors.ErrFileConflict, "referenced content was removed concurrently")
		}
		run.log.Info("dedup reference vanished, retrying", zap.String("blob_path", existing.BlobPath))
	}

	run.enter(StageStoring)
	return p.store(ctx, run, ins, name)
}

// reference takes the blob lock and re-checks that the blob is still live
func (p *UploadPipeline) reference(ctx context.Context, existing *FileRecord, ins *validator.Inspection) (*staged, refOutcome, error) {
	unlock, err := p.locker.Lock(ctx, lock.BlobKey(existing.BlobPath))
	if err != nil {
		return nil, refVanished, writeError(ctx, err, apperrors.ErrFileConflict)
	}

	refs, err := p.files.CountBlobReferences(ctx, existing.BlobPath)
	if err != nil {
		unlock()
		return nil, refVanished, writeError(ctx, err, apperrors.ErrInternalServer)
	}
	if refs == 0 {
		unlock()
		return nil, refVanished, nil
	}
	present, err := p.blobs.Exists(ctx, existing.BlobPath)
	if err != nil {
		unlock()
		return nil, refVanished, writeError(ctx, err, apperrors.ErrStorageRead)
	}
	if !present {
		unlock()
		return nil, refMissingBlob, nil
	}

	return &staged{
		info: BlobInfo{
			BlobPath:       existing.BlobPath,
			CompressedPath: existing.CompressedPath,
			ThumbnailPath:  existing.ThumbnailPath,
			ContentHash:    ins.ContentHash,
			Size:           ins.Size,
			MimeType:       ins.MimeType,
			Extension:      ins.Extension,
		},
		deduplicated: true,
		unlockBlob:   unlock,
	}, refHeld, nil
}

func (p *UploadPipeline) store(ctx context.Context, run *uploadRun, ins *validator.Inspection, name string) (*staged, error) {
	body, err := ins.Open()
	if err != nil {
		return nil, writeError(ctx, err, apperrors.ErrStorageWrite)
	}
	defer body.Close()

	blobPath, err := p.blobs.Put(ctx, body, ins.Size, ins.ContentHash, name)
	if err != nil {
		return nil, writeError(ctx, err, apperrors.ErrStorageWrite)
	}
	st := &staged{info: BlobInfo{
		BlobPath:    blobPath,
		ContentHash: ins.ContentHash,
		Size:        ins.Size,
		MimeType:    ins.MimeType,
		Extension:   ins.Extension,
	}}

	cb, err := p.blobs.MaybeCompress(ctx, blobPath, ins.MimeType, ins.Size)
	switch {
	case err != nil && isCancellation(ctx, err):
		p.discard(ctx, st)
		return nil, writeError(ctx, err, apperrors.ErrStorageWrite)
	case err != nil:
		run.log.Warn("compression failed, keeping original", zap.String("blob_path", blobPath), zap.Error(err))
	case cb != nil:
		st.info.CompressedPath = cb.Path
		p.metrics.CompressionSaved(cb.OriginalSize - cb.CompressedSize)
	}
	return st, nil
}

// derive extracts image metadata and renders a preview. Failures are logged
// and never fail the upload.
func (p *UploadPipeline) derive(ctx context.Context, run *uploadRun, ins *validator.Inspection, st *staged) {
	run.enter(StageExtractingMetadata)
	if p.media == nil || !validator.IsImage(ins.MimeType) {
		return
	}

	if rs, err := ins.Open(); err == nil {
		meta, err := p.media.Extract(rs)
		rs.Close()
		if err != nil {
			run.log.Warn("metadata extraction failed", zap.Error(err))
		}
		if len(meta) > 0 {
			st.info.Metadata = meta
		}
	}

	run.enter(StageDerivingAssets)
	if st.info.ThumbnailPath != "" {
		return
	}
	rs, err := ins.Open()
	if err != nil {
		run.log.Warn("open spool for thumbnail failed", zap.Error(err))
		return
	}
	thumb, err := p.media.Thumbnail(rs)
	rs.Close()
	if err != nil {
		run.log.Warn("thumbnail generation failed", zap.Error(err))
		return
	}
	tp, err := p.blobs.PutThumbnail(ctx, st.info.BlobPath, thumb)
	if err != nil {
		run.log.Warn("store thumbnail failed", zap.Error(err))
		return
	}
	st.info.ThumbnailPath = tp
}

// discard undoes staging after a failed commit. Referenced blobs belong to
// other records and are left alone.
func (p *UploadPipeline) discard(ctx context.Context, st *staged) {
	defer st.release()
	if st.deduplicated {
		return
	}
	if err := p.blobs.Delete(context.WithoutCancel(ctx), st.info.BlobPath); err != nil {
		p.logger.WithContext(ctx).Error("compensating blob delete failed",
			zap.String("blob_path", st.info.BlobPath),
			zap.Error(err),
		)
	}
}
