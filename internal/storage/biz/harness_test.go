package biz_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/metrics"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	"github.com/lk2023060901/filevault-backend/internal/storage/data"
	"github.com/lk2023060901/filevault-backend/internal/storage/media"
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
	"github.com/stretchr/testify/require"
)

type harnessOptions struct {
	defaultQuota int64
	dedup        bool
	files        func(biz.FileRepo) biz.FileRepo
	blobs        func(biz.BlobStore) biz.BlobStore
}

type harness struct {
	t         *testing.T
	db        *database.DB
	files     *data.FileRepo
	versions  *data.VersionRepo
	quotas    *data.QuotaRepo
	audit     *data.AuditRepo
	backend   *blob.LocalBackend
	store     *blob.Store
	events    *eventLog
	ledger    *biz.VersionLedger
	lifecycle *biz.LifecycleUseCase
	uc        *biz.FileUseCase
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := &harnessOptions{dedup: true}
	for _, fn := range opts {
		fn(o)
	}
	log := logger.NewNop()

	db, err := database.New(database.SQLiteConfig(filepath.Join(t.TempDir(), "meta.db")), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, data.Migrate(db))

	files := data.NewFileRepo(db)
	versions := data.NewVersionRepo(db)
	quotas := data.NewQuotaRepo(db)
	audit := data.NewAuditRepo(db)

	var fileRepo biz.FileRepo = files
	if o.files != nil {
		fileRepo = o.files(files)
	}

	backend, err := blob.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	store := blob.NewStore(backend, blob.DefaultConfig(), log)
	var blobs biz.BlobStore = store
	if o.blobs != nil {
		blobs = o.blobs(store)
	}

	vcfg := validator.DefaultConfig()
	vcfg.StagingDir = t.TempDir()
	inspector := validator.New(vcfg, log)
	processor := media.NewProcessor(media.DefaultConfig())
	locker := lock.NewLocalLocker()
	m := metrics.New()
	events := &eventLog{}

	quota := biz.NewQuotaLedger(quotas, fileRepo, o.defaultQuota, log)
	ledger := biz.NewVersionLedger(fileRepo, versions, db, locker, log)
	pipeline := biz.NewUploadPipeline(fileRepo, quota, ledger, db, blobs, inspector, processor, locker,
		nil, events, audit, m, &biz.PipelineConfig{DedupEnabled: o.dedup}, log)
	lifecycle := biz.NewLifecycleUseCase(fileRepo, versions, quota, db, blobs, locker, nil, events, audit, m, log)
	uc := biz.NewFileUseCase(fileRepo, quota, ledger, pipeline, lifecycle, blobs, locker, nil, syncRunner{}, events, audit, m, log)

	return &harness{
		t:         t,
		db:        db,
		files:     files,
		versions:  versions,
		quotas:    quotas,
		audit:     audit,
		backend:   backend,
		store:     store,
		events:    events,
		ledger:    ledger,
		lifecycle: lifecycle,
		uc:        uc,
	}
}

func withQuota(n int64) func(*harnessOptions) {
	return func(o *harnessOptions) { o.defaultQuota = n }
}

func (h *harness) upload(owner, name, content string) (*biz.FileRecord, error) {
	return h.uc.Upload(context.Background(), &biz.UploadRequest{
		OwnerID:  owner,
		Filename: name,
		Size:     int64(len(content)),
		Body:     strings.NewReader(content),
	})
}

func (h *harness) mustUpload(owner, name, content string) *biz.FileRecord {
	h.t.Helper()
	rec, err := h.upload(owner, name, content)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) appendVersion(owner, fileID, content, note string) (*biz.VersionEntry, error) {
	return h.uc.AppendVersion(context.Background(), &biz.AppendVersionRequest{
		FileID:      fileID,
		RequesterID: owner,
		Size:        int64(len(content)),
		Body:        strings.NewReader(content),
		Note:        note,
	})
}

func (h *harness) readBlob(blobPath string) string {
	h.t.Helper()
	rc, err := h.store.Read(context.Background(), blobPath)
	require.NoError(h.t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(h.t, err)
	return string(b)
}

func (h *harness) blobExists(blobPath string) bool {
	h.t.Helper()
	ok, err := h.store.Exists(context.Background(), blobPath)
	require.NoError(h.t, err)
	return ok
}

func (h *harness) blobCount() int {
	h.t.Helper()
	objs, err := h.store.ListBlobs(context.Background())
	require.NoError(h.t, err)
	return len(objs)
}

func (h *harness) objects(prefix string) []blob.Object {
	h.t.Helper()
	objs, err := h.backend.List(context.Background(), prefix)
	require.NoError(h.t, err)
	return objs
}

func (h *harness) account(owner string) *biz.QuotaAccount {
	h.t.Helper()
	acct, err := h.quotas.Get(context.Background(), owner)
	require.NoError(h.t, err)
	return acct
}

func (h *harness) record(id string) *biz.FileRecord {
	h.t.Helper()
	rec, err := h.files.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return rec
}

type eventLog struct {
	mu     sync.Mutex
	events []biz.Event
}

func (l *eventLog) Publish(_ context.Context, e biz.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type syncRunner struct{}

func (syncRunner) SubmitErr(_ string, task func() error) error {
	return task()
}

// failingCreate rejects every metadata insert
type failingCreate struct {
	biz.FileRepo
}

func (failingCreate) Create(context.Context, *biz.FileRecord) error {
	return io.ErrUnexpectedEOF
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func textOfSize(n int) string {
	line := "the quick brown fox jumps over the lazy dog\n"
	return strings.Repeat(line, n/len(line)+1)[:n]
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
