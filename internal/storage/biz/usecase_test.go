package biz_test

import (
	"context"
	"io"
	"testing"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload_CountsAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.mustUpload("alice", "a.txt", "payload")

	got, body, err := h.uc.Download(ctx, "alice", rec.ID)
	require.NoError(t, err)
	b, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
	assert.Equal(t, rec.ID, got.ID)

	stored := h.record(rec.ID)
	assert.EqualValues(t, 1, stored.DownloadCount)
	assert.NotNil(t, stored.LastAccessedAt)
	assert.Equal(t, []string{biz.EventFileUploaded, biz.EventFileDownloaded}, h.events.types())
}

func TestAccessPolicy_PublicReadOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.mustUpload("alice", "a.txt", "secret")

	_, _, err := h.uc.Download(ctx, "bob", rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrFileForbidden))

	public := biz.VisibilityPublic
	_, err = h.uc.UpdateDetails(ctx, "alice", rec.ID, biz.DetailsUpdate{Visibility: &public})
	require.NoError(t, err)

	_, body, err := h.uc.Download(ctx, "bob", rec.ID)
	require.NoError(t, err)
	body.Close()

	name := "mine.txt"
	_, err = h.uc.UpdateDetails(ctx, "bob", rec.ID, biz.DetailsUpdate{DisplayName: &name})
	assert.True(t, apperrors.Is(err, apperrors.ErrFileForbidden))
}

func TestUpdateDetails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.mustUpload("alice", "a.txt", "a")

	name, desc := "renamed.txt", "new description"
	tags := []string{"One", "two", "one"}
	updated, err := h.uc.UpdateDetails(ctx, "alice", rec.ID, biz.DetailsUpdate{
		DisplayName: &name,
		Description: &desc,
		Tags:        &tags,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", updated.DisplayName)
	assert.Equal(t, rec.BlobPath, updated.BlobPath)
	assert.Equal(t, rec.VersionNo, updated.VersionNo)

	stored := h.record(rec.ID)
	assert.Equal(t, "new description", stored.Description)
	assert.ElementsMatch(t, []string{"one", "two"}, stored.Tags)

	bad := "a/b"
	_, err = h.uc.UpdateDetails(ctx, "alice", rec.ID, biz.DetailsUpdate{DisplayName: &bad})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	entries, err := h.audit.ListByResource(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, biz.AuditUpdate, entries[1].Action)
	assert.Equal(t, "a.txt", entries[1].Before["display_name"])
	assert.Equal(t, "renamed.txt", entries[1].After["display_name"])
}

func TestList_PagesOwnRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir, err := h.uc.CreateDirectory(ctx, "alice", nil, "docs")
	require.NoError(t, err)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		h.mustUpload("alice", name, name)
	}
	h.mustUpload("bob", "x.txt", "x")

	items, total, err := h.uc.List(ctx, "alice", biz.ListFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, items, 2)
	assert.Equal(t, dir.ID, items[0].ID)
	assert.Equal(t, "c.txt", items[1].DisplayName)

	_, _, err = h.uc.List(ctx, "alice", biz.ListFilter{State: biz.StatePurged})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))
}

func TestCreateDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir, err := h.uc.CreateDirectory(ctx, "alice", nil, "  projects ")
	require.NoError(t, err)
	assert.True(t, dir.IsDirectory)
	assert.Equal(t, "projects", dir.DisplayName)
	assert.Equal(t, []string{biz.EventDirectoryCreated}, h.events.types())

	_, _, err = h.uc.Download(ctx, "alice", dir.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidState))

	_, err = h.uc.CreateDirectory(ctx, "alice", nil, "..")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	sub, err := h.uc.CreateDirectory(ctx, "alice", &dir.ID, "2024")
	require.NoError(t, err)
	assert.Equal(t, dir.ID, *sub.ParentID)
}

func TestQuota_SetAndRecalculate(t *testing.T) {
	h := newHarness(t, withQuota(1000))
	ctx := context.Background()

	acct, err := h.uc.Quota(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, acct.QuotaBytes)
	assert.EqualValues(t, 1000, acct.Available())

	acct, err = h.uc.SetQuota(ctx, "admin", "alice", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, acct.QuotaBytes)

	_, err = h.upload("alice", "big.txt", "more than ten bytes")
	assert.True(t, apperrors.Is(err, apperrors.ErrQuotaExceeded))

	entries, err := h.audit.ListByResource(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, biz.AuditSetQuota, entries[0].Action)
	assert.Equal(t, "admin", entries[0].ActorID)

	_, err = h.uc.SetQuota(ctx, "admin", "alice", 0)
	require.NoError(t, err)
	h.mustUpload("alice", "a.txt", "12345")
	require.NoError(t, h.quotas.SetUsed(ctx, "alice", 999))

	acct, err = h.uc.RecalculateQuota(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 5, acct.UsedBytes)
	assert.True(t, acct.Unlimited())
}
