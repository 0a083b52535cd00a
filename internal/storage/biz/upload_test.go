package biz_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload_StoresAndCharges(t *testing.T) {
	h := newHarness(t)

	rec := h.mustUpload("alice", "notes.txt", "hello world")

	assert.Equal(t, biz.StateActive, rec.State)
	assert.Equal(t, 1, rec.VersionNo)
	assert.Equal(t, "txt", rec.Extension)
	assert.True(t, strings.HasPrefix(rec.BlobPath, "uploads/"))
	assert.Equal(t, "hello world", h.readBlob(rec.BlobPath))
	assert.EqualValues(t, 11, h.account("alice").UsedBytes)
	assert.Zero(t, h.account("alice").ReservedBytes)
	assert.Equal(t, []string{biz.EventFileUploaded}, h.events.types())

	entries, err := h.audit.ListByResource(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, biz.AuditUpload, entries[0].Action)
	assert.Equal(t, "alice", entries[0].ActorID)
}

func TestUpload_DedupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	content := "identical bytes"

	a := h.mustUpload("alice", "a.txt", content)
	b := h.mustUpload("bob", "b.txt", content)
	c := h.mustUpload("alice", "again.txt", content)

	assert.Equal(t, a.BlobPath, b.BlobPath)
	assert.Equal(t, a.BlobPath, c.BlobPath)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 1, h.blobCount())

	assert.EqualValues(t, 2*len(content), h.account("alice").UsedBytes)
	assert.EqualValues(t, len(content), h.account("bob").UsedBytes)
}

func TestUpload_SkipDedupStoresCopy(t *testing.T) {
	h := newHarness(t)
	a := h.mustUpload("alice", "a.txt", "same")

	b, err := h.uc.Upload(context.Background(), &biz.UploadRequest{
		OwnerID:  "alice",
		Filename: "a.txt",
		Size:     4,
		Body:     strings.NewReader("same"),
		Options:  biz.UploadOptions{SkipDedup: true},
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.BlobPath, b.BlobPath)
	assert.Equal(t, 2, h.blobCount())
}

func TestUpload_QuotaEnforced(t *testing.T) {
	h := newHarness(t, withQuota(1000))

	_, err := h.upload("alice", "big.txt", textOfSize(900))
	require.NoError(t, err)

	_, err = h.upload("alice", "more.txt", strings.Repeat("z", 150))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQuotaExceeded))

	acct := h.account("alice")
	assert.EqualValues(t, 900, acct.UsedBytes)
	assert.Zero(t, acct.ReservedBytes)
	assert.EqualValues(t, 1000, acct.QuotaBytes)
	assert.Equal(t, 1, h.blobCount())
}

func TestUpload_MetadataFailureCleansUp(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.files = func(r biz.FileRepo) biz.FileRepo { return failingCreate{r} }
	})

	_, err := h.uc.Upload(context.Background(), &biz.UploadRequest{
		OwnerID:  "alice",
		Filename: "photo.jpg",
		Size:     -1,
		Body:     strings.NewReader(string(jpegBytes(t, 320, 240))),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMetadataWrite))

	assert.Zero(t, h.blobCount())
	assert.Empty(t, h.objects("thumbnails"))
	acct := h.account("alice")
	assert.Zero(t, acct.UsedBytes)
	assert.Zero(t, acct.ReservedBytes)
	assert.Empty(t, h.events.types())
}

type cancellingReader struct {
	cancel context.CancelFunc
	served int
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if r.served > 0 {
		r.cancel()
	}
	n := copy(p, "partial data ")
	r.served += n
	return n, nil
}

func TestUpload_CancellationIsStorageWriteError(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.uc.Upload(ctx, &biz.UploadRequest{
		OwnerID:  "alice",
		Filename: "stream.txt",
		Size:     -1,
		Body:     &cancellingReader{cancel: cancel},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageWrite))
	assert.Zero(t, h.blobCount())
}

func TestUpload_ValidationRejections(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name    string
		file    string
		content string
		size    int64
	}{
		{name: "denied extension", file: "shell.php", content: "hi", size: 2},
		{name: "script marker", file: "page.txt", content: "<?php echo 1;", size: 13},
		{name: "size mismatch", file: "a.txt", content: "abc", size: 10},
		{name: "empty name", file: " ", content: "abc", size: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.uc.Upload(context.Background(), &biz.UploadRequest{
				OwnerID:  "alice",
				Filename: tt.file,
				Size:     tt.size,
				Body:     strings.NewReader(tt.content),
			})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
	assert.Zero(t, h.blobCount())
}

func TestUpload_CompressionGate(t *testing.T) {
	h := newHarness(t)
	text := textOfSize(8 << 10)

	doc := h.mustUpload("alice", "readme.txt", text)
	require.NotEmpty(t, doc.CompressedPath)
	assert.True(t, strings.HasSuffix(doc.CompressedPath, ".gz"))
	assert.Equal(t, text, h.readBlob(doc.BlobPath))

	photo := jpegBytes(t, 400, 300)
	img := h.mustUpload("alice", "photo.jpg", string(photo))
	assert.Empty(t, img.CompressedPath)
	assert.Equal(t, "image/jpeg", img.MimeType)
	assert.Equal(t, string(photo), h.readBlob(img.BlobPath))
}

func TestUpload_ImageDerivatives(t *testing.T) {
	h := newHarness(t)
	img := h.mustUpload("alice", "photo.jpg", string(jpegBytes(t, 400, 300)))

	require.NotEmpty(t, img.ThumbnailPath)
	assert.EqualValues(t, 400, img.Metadata["width"])
	assert.EqualValues(t, 300, img.Metadata["height"])

	stored := h.record(img.ID)
	assert.EqualValues(t, 400, stored.Metadata["width"])

	rc, err := h.uc.Thumbnail(context.Background(), "alice", img.ID)
	require.NoError(t, err)
	defer rc.Close()
}

func TestUpload_ParentMustBeActiveDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	file := h.mustUpload("alice", "a.txt", "a")

	_, err := h.uc.Upload(ctx, &biz.UploadRequest{
		OwnerID: "alice", Filename: "b.txt", Size: 1, Body: strings.NewReader("b"),
		Options: biz.UploadOptions{ParentID: &file.ID},
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	dir, err := h.uc.CreateDirectory(ctx, "alice", nil, "docs")
	require.NoError(t, err)
	child, err := h.uc.Upload(ctx, &biz.UploadRequest{
		OwnerID: "alice", Filename: "b.txt", Size: 1, Body: strings.NewReader("b"),
		Options: biz.UploadOptions{ParentID: &dir.ID, Tags: []string{"Work"}, Description: "inside"},
	})
	require.NoError(t, err)
	assert.Equal(t, dir.ID, *child.ParentID)
	assert.Equal(t, []string{"work"}, child.Tags)

	_, err = h.uc.Upload(ctx, &biz.UploadRequest{
		OwnerID: "bob", Filename: "c.txt", Size: 1, Body: strings.NewReader("c"),
		Options: biz.UploadOptions{ParentID: &dir.ID},
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestUpload_ReusesDerivedAssetsOnDedup(t *testing.T) {
	h := newHarness(t)
	photo := string(jpegBytes(t, 300, 300))

	a := h.mustUpload("alice", "a.jpg", photo)
	b := h.mustUpload("bob", "b.jpg", photo)

	assert.Equal(t, a.ThumbnailPath, b.ThumbnailPath)
	assert.Len(t, h.objects("thumbnails"), 1)
}

// vanishingRefs pretends every dedup candidate was purged after lookup
type vanishingRefs struct {
	biz.FileRepo
	calls int
}

func (v *vanishingRefs) CountBlobReferences(context.Context, string) (int64, error) {
	v.calls++
	return 0, nil
}

func TestUpload_VanishedReferenceRetriesThenConflicts(t *testing.T) {
	refs := &vanishingRefs{}
	h := newHarness(t, withQuota(100), func(o *harnessOptions) {
		o.files = func(r biz.FileRepo) biz.FileRepo {
			refs.FileRepo = r
			return refs
		}
	})
	h.mustUpload("alice", "a.txt", "dup")

	_, err := h.upload("alice", "b.txt", "dup")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrFileConflict))
	assert.Equal(t, 2, refs.calls)
	assert.EqualValues(t, 3, h.account("alice").UsedBytes)
	assert.Zero(t, h.account("alice").ReservedBytes)
}

func TestUpload_MissingDedupBlobStoresFreshCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.mustUpload("alice", "a.txt", "content")
	require.NoError(t, h.backend.Delete(ctx, a.BlobPath))

	b := h.mustUpload("alice", "b.txt", "content")
	assert.NotEqual(t, a.BlobPath, b.BlobPath)
	assert.Equal(t, "content", h.readBlob(b.BlobPath))
}

func TestUpload_ConcurrentUploadsRespectQuota(t *testing.T) {
	h := newHarness(t, withQuota(1000))

	const uploads = 10
	var wg sync.WaitGroup
	errs := make([]error, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("%03d", i) + strings.Repeat("q", 147)
			_, errs[i] = h.upload("alice", fmt.Sprintf("part-%d.txt", i), content)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperrors.Is(err, apperrors.ErrQuotaExceeded), "unexpected error: %v", err)
	}
	assert.Equal(t, 6, ok)

	acct := h.account("alice")
	assert.EqualValues(t, 900, acct.UsedBytes)
	assert.Zero(t, acct.ReservedBytes)
	assert.Equal(t, ok, h.blobCount())
}

func TestUpload_ConcurrentIdenticalContentSharesBlob(t *testing.T) {
	h := newHarness(t)

	const uploads = 6
	var wg sync.WaitGroup
	recs := make([]*biz.FileRecord, uploads)
	errs := make([]error, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = h.upload(fmt.Sprintf("user-%d", i), "same.txt", "identical bytes")
		}(i)
	}
	wg.Wait()

	for i := range recs {
		require.NoError(t, errs[i])
		assert.Equal(t, recs[0].BlobPath, recs[i].BlobPath)
	}
	assert.Equal(t, 1, h.blobCount())
	assert.Equal(t, "identical bytes", h.readBlob(recs[0].BlobPath))
}
