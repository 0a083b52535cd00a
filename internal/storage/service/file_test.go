package service_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/lock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/metrics"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	"github.com/lk2023060901/filevault-backend/internal/storage/data"
	"github.com/lk2023060901/filevault-backend/internal/storage/events"
	"github.com/lk2023060901/filevault-backend/internal/storage/media"
	"github.com/lk2023060901/filevault-backend/internal/storage/service"
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type syncRunner struct{}

func (syncRunner) SubmitErr(_ string, task func() error) error { return task() }

// newRouter wires a FileService over sqlite and a local blob directory.
// The X-User header stands in for the JWT middleware.
func newRouter(t *testing.T, defaultQuota int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	db, err := database.New(database.SQLiteConfig(filepath.Join(t.TempDir(), "meta.db")), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, data.Migrate(db))

	files := data.NewFileRepo(db)
	versions := data.NewVersionRepo(db)
	audit := data.NewAuditRepo(db)

	backend, err := blob.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	store := blob.NewStore(backend, blob.DefaultConfig(), log)

	vcfg := validator.DefaultConfig()
	vcfg.StagingDir = t.TempDir()
	inspector := validator.New(vcfg, log)
	processor := media.NewProcessor(media.DefaultConfig())
	locker := lock.NewLocalLocker()
	m := metrics.New()
	publisher := events.NewLogPublisher(log)

	quota := biz.NewQuotaLedger(data.NewQuotaRepo(db), files, defaultQuota, log)
	ledger := biz.NewVersionLedger(files, versions, db, locker, log)
	pipeline := biz.NewUploadPipeline(files, quota, ledger, db, store, inspector, processor, locker,
		nil, publisher, audit, m, &biz.PipelineConfig{DedupEnabled: true}, log)
	lifecycle := biz.NewLifecycleUseCase(files, versions, quota, db, store, locker, nil, publisher, audit, m, log)
	uc := biz.NewFileUseCase(files, quota, ledger, pipeline, lifecycle, store, locker, nil, syncRunner{}, publisher, audit, m, log)

	svc := service.NewFileService(uc, log)
	r := gin.New()
	api := r.Group("/api/v1", func(c *gin.Context) {
		c.Set("user_id", c.GetHeader("X-User"))
		c.Next()
	})
	svc.RegisterRoutes(api)
	svc.RegisterAdminRoutes(api.Group("/admin"))
	return r
}

func do(t *testing.T, r http.Handler, req *http.Request, user string) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
}

func multipartRequest(t *testing.T, url, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func upload(t *testing.T, r http.Handler, user, name, content string, fields map[string]string) service.FileResponse {
	t.Helper()
	w := do(t, r, multipartRequest(t, "/api/v1/files", name, content, fields), user)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var f service.FileResponse
	decode(t, w, &f)
	return f
}

func TestFileService_UploadAndDownload(t *testing.T) {
	r := newRouter(t, 0)

	f := upload(t, r, "alice", "report.txt", "quarterly numbers", map[string]string{
		"description": "Q3",
		"tags":        "Finance, q3",
	})
	assert.Equal(t, "report.txt", f.Name)
	assert.Equal(t, int64(len("quarterly numbers")), f.Size)
	assert.Equal(t, []string{"finance", "q3"}, f.Tags)
	assert.Equal(t, "private", f.Visibility)
	assert.Equal(t, 1, f.Version)

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/content", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quarterly numbers", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=report.txt`)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	var got service.FileResponse
	decode(t, w, &got)
	assert.Equal(t, int64(1), got.DownloadCount)
}

func TestFileService_Errors(t *testing.T) {
	r := newRouter(t, 10)
	f := upload(t, r, "alice", "a.txt", "tiny", nil)

	tests := []struct {
		name   string
		req    *http.Request
		user   string
		status int
		code   int
	}{
		{"missing file field", jsonRequest(http.MethodPost, "/api/v1/files", `{}`), "alice", http.StatusBadRequest, apperrors.ErrBadRequest},
		{"over quota", multipartRequest(t, "/api/v1/files", "b.txt", "more than ten bytes", nil), "alice", http.StatusConflict, apperrors.ErrQuotaExceeded},
		{"denied extension", multipartRequest(t, "/api/v1/files", "run.exe", "MZ", nil), "alice", http.StatusBadRequest, apperrors.ErrValidation},
		{"bad skip_dedup", multipartRequest(t, "/api/v1/files", "c.txt", "x", map[string]string{"skip_dedup": "maybe"}), "alice", http.StatusBadRequest, apperrors.ErrInvalidParams},
		{"unknown file", httptest.NewRequest(http.MethodGet, "/api/v1/files/nope", nil), "alice", http.StatusNotFound, apperrors.ErrFileNotFound},
		{"other owner", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil), "bob", http.StatusForbidden, apperrors.ErrFileForbidden},
		{"bad version", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/versions/zero/content", nil), "alice", http.StatusBadRequest, apperrors.ErrBadRequest},
		{"no thumbnail", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/thumbnail", nil), "alice", http.StatusNotFound, apperrors.ErrFileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.req, tt.user)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			env := decode(t, w, nil)
			assert.Equal(t, tt.code, env.Code)
		})
	}
}

func TestFileService_PublicFileReadableByOthers(t *testing.T) {
	r := newRouter(t, 0)
	f := upload(t, r, "alice", "shared.txt", "hello all", map[string]string{"visibility": "public"})

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/content", nil), "bob")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello all", w.Body.String())

	w = do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/files/"+f.ID+"/trash", nil), "bob")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFileService_Versions(t *testing.T) {
	r := newRouter(t, 0)
	f := upload(t, r, "alice", "draft.txt", "first", nil)

	w := do(t, r, multipartRequest(t, "/api/v1/files/"+f.ID+"/versions", "draft.txt", "second draft", map[string]string{"note": "edits"}), "alice")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v service.VersionResponse
	decode(t, w, &v)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, "edits", v.Note)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/versions", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []service.VersionResponse `json:"items"`
	}
	decode(t, w, &list)
	require.Len(t, list.Items, 2)
	assert.Equal(t, 2, list.Items[0].Version)
	assert.Equal(t, 1, list.Items[1].Version)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/versions/1/content", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "first", w.Body.String())

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID+"/content", nil), "alice")
	assert.Equal(t, "second draft", w.Body.String())
}

func TestFileService_LifecycleAndQuota(t *testing.T) {
	r := newRouter(t, 1000)
	f := upload(t, r, "alice", "notes.txt", strings.Repeat("n", 100), nil)

	quota := func() service.QuotaResponse {
		w := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil), "alice")
		require.Equal(t, http.StatusOK, w.Code)
		var q service.QuotaResponse
		decode(t, w, &q)
		return q
	}
	assert.Equal(t, int64(100), quota().UsedBytes)
	assert.Equal(t, int64(900), quota().Available)

	w := do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/files/"+f.ID+"/trash", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	var trashed service.FileResponse
	decode(t, w, &trashed)
	assert.Equal(t, "trashed", trashed.State)
	assert.NotNil(t, trashed.TrashedAt)
	assert.Equal(t, int64(0), quota().UsedBytes)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files?state=trashed", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []service.FileResponse `json:"items"`
		Total int64                  `json:"total"`
	}
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)

	w = do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/files/"+f.ID+"/restore", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(100), quota().UsedBytes)

	w = do(t, r, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+f.ID, nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), quota().UsedBytes)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID, nil), "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFileService_DirectoriesAndDetails(t *testing.T) {
	r := newRouter(t, 0)

	w := do(t, r, jsonRequest(http.MethodPost, "/api/v1/directories", `{"name":"docs"}`), "alice")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dir service.FileResponse
	decode(t, w, &dir)
	assert.True(t, dir.IsDirectory)

	f := upload(t, r, "alice", "plan.md", "# plan", map[string]string{"parent_id": dir.ID})
	require.NotNil(t, f.ParentID)
	assert.Equal(t, dir.ID, *f.ParentID)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files?parent_id="+dir.ID, nil), "alice")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []service.FileResponse `json:"items"`
	}
	decode(t, w, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, f.ID, page.Items[0].ID)

	w = do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/files/"+dir.ID+"/trash", nil), "alice")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrDirectoryNotEmpty, decode(t, w, nil).Code)

	w = do(t, r, jsonRequest(http.MethodPatch, "/api/v1/files/"+f.ID, `{"name":"roadmap.md","tags":["Plan"],"visibility":"public"}`), "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated service.FileResponse
	decode(t, w, &updated)
	assert.Equal(t, "roadmap.md", updated.Name)
	assert.Equal(t, []string{"plan"}, updated.Tags)
	assert.Equal(t, "public", updated.Visibility)

	w = do(t, r, jsonRequest(http.MethodPatch, "/api/v1/files/"+f.ID, `{"visibility":"secret"}`), "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileService_Search(t *testing.T) {
	r := newRouter(t, 0)
	upload(t, r, "alice", "report.pdf", "%PDF-1.4 a", nil)
	upload(t, r, "alice", "my-report-final.pdf", "%PDF-1.4 b", nil)
	upload(t, r, "alice", "notes.txt", "nothing", map[string]string{"description": "see report"})
	upload(t, r, "bob", "report.pdf", "%PDF-1.4 c", nil)

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/search?q=report", nil), "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Items []service.SearchResult `json:"items"`
	}
	decode(t, w, &res)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "report.pdf", res.Items[0].File.Name)
	assert.Equal(t, "my-report-final.pdf", res.Items[1].File.Name)
	assert.Equal(t, "notes.txt", res.Items[2].File.Name)
	assert.Greater(t, res.Items[0].Score, res.Items[1].Score)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/search?q=report&extension=pdf&limit=1", nil), "alice")
	decode(t, w, &res)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "report.pdf", res.Items[0].File.Name)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/files/search?created_after=yesterday", nil), "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileService_AdminQuota(t *testing.T) {
	r := newRouter(t, 0)
	upload(t, r, "alice", "a.txt", strings.Repeat("a", 40), nil)

	w := do(t, r, jsonRequest(http.MethodPut, "/api/v1/admin/quotas/alice", `{"quota_bytes":50}`), "admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q service.QuotaResponse
	decode(t, w, &q)
	assert.Equal(t, int64(50), q.QuotaBytes)
	assert.Equal(t, int64(10), q.Available)

	w = do(t, r, multipartRequest(t, "/api/v1/files", "b.txt", strings.Repeat("b", 20), nil), "alice")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, jsonRequest(http.MethodPut, "/api/v1/admin/quotas/alice", `{}`), "admin")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/admin/quotas/alice/recalculate", nil), "admin")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &q)
	assert.Equal(t, int64(40), q.UsedBytes)
}
