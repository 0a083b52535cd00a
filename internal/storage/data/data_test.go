package data

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.SQLiteConfig(filepath.Join(t.TempDir(), "meta.db")), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newRecord(t *testing.T, owner, name, content string, created time.Time) *biz.FileRecord {
	t.Helper()
	h := hashOf(content)
	rec, err := biz.NewFileRecord(biz.NewFileParams{
		OwnerID:     owner,
		DisplayName: name,
		Blob: biz.BlobInfo{
			BlobPath:    "uploads/2024/03/" + h[:8] + "_" + name,
			ContentHash: h,
			Size:        int64(len(content)),
			MimeType:    "text/plain",
			Extension:   "txt",
		},
	}, created)
	require.NoError(t, err)
	return rec
}

func TestFileRepo_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepo(openTestDB(t))

	rec := newRecord(t, "alice", "notes.txt", "hello", time.Now())
	rec.Tags = []string{"work", "draft"}
	rec.Metadata = map[string]interface{}{"width": float64(10)}
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.DisplayName, got.DisplayName)
	assert.Equal(t, []string{"draft", "work"}, got.Tags)
	assert.Equal(t, float64(10), got.Metadata["width"])
	assert.Equal(t, biz.StateActive, got.State)
	assert.Nil(t, got.ParentID)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, biz.ErrFileNotFound)
}

func TestFileRepo_UpdateVersioned(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepo(openTestDB(t))

	rec := newRecord(t, "alice", "a.txt", "v1", time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	next := rec.Clone()
	next.VersionNo = 2
	require.NoError(t, repo.UpdateVersioned(ctx, next, 1))

	stale := rec.Clone()
	stale.VersionNo = 2
	assert.ErrorIs(t, repo.UpdateVersioned(ctx, stale, 1), biz.ErrVersionConflict)

	ghost := rec.Clone()
	ghost.ID = "ghost"
	assert.ErrorIs(t, repo.Update(ctx, ghost), biz.ErrFileNotFound)
}

func TestFileRepo_FindByContentHash_ActiveOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepo(openTestDB(t))

	rec := newRecord(t, "alice", "a.txt", "same", time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.FindByContentHash(ctx, rec.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	rec.State = biz.StateTrashed
	require.NoError(t, repo.Update(ctx, rec))
	_, err = repo.FindByContentHash(ctx, rec.ContentHash)
	assert.ErrorIs(t, err, biz.ErrFileNotFound)
}

func TestFileRepo_SearchFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepo(openTestDB(t))
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	a := newRecord(t, "alice", "report.pdf", "a", base)
	a.Extension = "pdf"
	a.Tags = []string{"finance", "q1"}
	b := newRecord(t, "alice", "100%_done.txt", "b", base.Add(time.Hour))
	c := newRecord(t, "alice", "notes.txt", "c", base.Add(2*time.Hour))
	c.Description = "weekly REPORT summary"
	c.Tags = []string{"finance"}
	other := newRecord(t, "bob", "report.pdf", "d", base)
	for _, r := range []*biz.FileRecord{a, b, c, other} {
		require.NoError(t, repo.Create(ctx, r))
	}

	got, err := repo.Search(ctx, &biz.SearchCriteria{OwnerID: "alice", Query: "report"})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID}, ids(got))

	got, err = repo.Search(ctx, &biz.SearchCriteria{OwnerID: "alice", Query: "%"})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(got))

	got, err = repo.Search(ctx, &biz.SearchCriteria{OwnerID: "alice", Tags: []string{"finance", "q1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(got))

	got, err = repo.Search(ctx, &biz.SearchCriteria{OwnerID: "alice", Extension: ".PDF"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(got))

	after := base.Add(30 * time.Minute)
	got, err = repo.Search(ctx, &biz.SearchCriteria{OwnerID: "alice", CreatedAfter: &after})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, b.ID}, ids(got))
}

func TestFileRepo_ListByOwner_DirectoriesFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepo(openTestDB(t))
	base := time.Now()

	f1 := newRecord(t, "alice", "old.txt", "1", base)
	f2 := newRecord(t, "alice", "new.txt", "2", base.Add(time.Minute))
	dir, err := biz.NewDirectory("alice", nil, "docs", base.Add(-time.Hour))
	require.NoError(t, err)
	child := newRecord(t, "alice", "inner.txt", "3", base)
	child.ParentID = &dir.ID
	for _, r := range []*biz.FileRecord{f1, f2, dir, child} {
		require.NoError(t, repo.Create(ctx, r))
	}

	items, total, err := repo.ListByOwner(ctx, &biz.ListFilter{OwnerID: "alice", State: biz.StateActive})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Equal(t, []string{dir.ID, f2.ID, f1.ID}, ids(items))

	items, total, err = repo.ListByOwner(ctx, &biz.ListFilter{OwnerID: "alice", ParentID: &dir.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, []string{child.ID}, ids(items))

	n, err := repo.CountChildren(ctx, dir.ID, biz.StateActive)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFileRepo_CountBlobReferences(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	files := NewFileRepo(db)
	versions := NewVersionRepo(db)

	rec := newRecord(t, "alice", "a.txt", "v2", time.Now())
	require.NoError(t, files.Create(ctx, rec))
	require.NoError(t, versions.Append(ctx, &biz.VersionEntry{
		FileID: rec.ID, VersionNo: 1, BlobPath: "uploads/old", ContentHash: hashOf("v1"), CreatedAt: time.Now(),
	}))

	n, err := files.CountBlobReferences(ctx, rec.BlobPath)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = files.CountBlobReferences(ctx, "uploads/old")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec.State = biz.StatePurged
	require.NoError(t, files.Update(ctx, rec))
	n, err = files.CountBlobReferences(ctx, "uploads/old")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = files.CountBlobReferences(ctx, rec.BlobPath)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileRepo_Scans(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepo(openTestDB(t))
	now := time.Now()

	live := newRecord(t, "alice", "live.txt", "live", now)
	old := newRecord(t, "alice", "old.txt", "older", now)
	trashedAt := now.Add(-48 * time.Hour)
	old.State = biz.StateTrashed
	old.TrashedAt = &trashedAt
	fresh := newRecord(t, "bob", "fresh.txt", "fresh", now)
	fresh.State = biz.StateTrashed
	fresh.TrashedAt = &now
	for _, r := range []*biz.FileRecord{live, old, fresh} {
		require.NoError(t, repo.Create(ctx, r))
	}

	all, err := repo.ListLive(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	page, err := repo.ListLive(ctx, all[0].ID, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	trashed, err := repo.ListTrashed(ctx, "", now.Add(-24*time.Hour), "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids(trashed))

	sum, err := repo.SumActiveSize(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, len("live"), sum)

	require.NoError(t, repo.IncrementDownloads(ctx, live.ID, now))
	require.NoError(t, repo.IncrementDownloads(ctx, live.ID, now))
	got, err := repo.GetByID(ctx, live.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.DownloadCount)
	require.NotNil(t, got.LastAccessedAt)
}

func TestVersionRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewVersionRepo(openTestDB(t))

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Append(ctx, &biz.VersionEntry{
			FileID: "f1", VersionNo: i, BlobPath: "uploads/shared", ContentHash: hashOf("x"), CreatedAt: time.Now(),
		}))
	}
	err := repo.Append(ctx, &biz.VersionEntry{FileID: "f1", VersionNo: 2, BlobPath: "uploads/x", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, biz.ErrVersionConflict)

	list, err := repo.ListByFile(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{list[0].VersionNo, list[1].VersionNo, list[2].VersionNo})

	paths, err := repo.BlobPaths(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/shared"}, paths)

	_, err = repo.Get(ctx, "f1", 9)
	assert.ErrorIs(t, err, biz.ErrVersionNotFound)

	require.NoError(t, repo.DeleteByFile(ctx, "f1"))
	list, err = repo.ListByFile(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestQuotaRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewQuotaRepo(openTestDB(t))

	_, err := repo.Get(ctx, "alice")
	assert.ErrorIs(t, err, biz.ErrQuotaAccountNotFound)

	require.NoError(t, repo.CreateIfMissing(ctx, "alice", 1000))
	require.NoError(t, repo.CreateIfMissing(ctx, "alice", 5))

	ok, err := repo.TryReserve(ctx, "alice", 900)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.TryReserve(ctx, "alice", 150)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Commit(ctx, "alice", 900))
	acct, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 900, acct.UsedBytes)
	assert.Zero(t, acct.ReservedBytes)
	assert.EqualValues(t, 1000, acct.QuotaBytes)

	require.NoError(t, repo.Release(ctx, "alice", 2000))
	acct, err = repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, acct.UsedBytes)

	ok, err = repo.TryReserve(ctx, "alice", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Cancel(ctx, "alice", 100))
	acct, err = repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, acct.ReservedBytes)

	require.NoError(t, repo.SetQuota(ctx, "alice", 0))
	ok, err = repo.TryReserve(ctx, "alice", 1<<40)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, repo.Release(ctx, "nobody", 10))
}

func TestAuditRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepo(openTestDB(t))

	require.NoError(t, repo.Write(ctx, &biz.AuditEntry{
		ID:           "a1",
		Action:       biz.AuditUpload,
		ResourceType: "file",
		ResourceID:   "f1",
		After:        map[string]interface{}{"size": 5},
		ActorID:      "alice",
		CreatedAt:    time.Now(),
	}))

	list, err := repo.ListByResource(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, biz.AuditUpload, list[0].Action)
	assert.Nil(t, list[0].Before)
	assert.EqualValues(t, 5, list[0].After["size"])
}

func ids(files []*biz.FileRecord) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.ID
	}
	return out
}
