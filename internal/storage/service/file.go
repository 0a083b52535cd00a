package service

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/response"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"go.uber.org/zap"
)

// FileService exposes FileUseCase over HTTP
type FileService struct {
	files  *biz.FileUseCase
	logger *logger.Logger
}

func NewFileService(files *biz.FileUseCase, log *logger.Logger) *FileService {
	return &FileService{
		files:  files,
		logger: log.Named("file-service"),
	}
}

// RegisterRoutes mounts the file endpoints on an authenticated group
func (s *FileService) RegisterRoutes(r gin.IRoutes) {
	r.POST("/files", s.Upload)
	r.GET("/files", s.List)
	r.GET("/files/search", s.Search)
	r.POST("/directories", s.CreateDirectory)
	r.GET("/files/:id", s.Get)
	r.PATCH("/files/:id", s.UpdateDetails)
	r.GET("/files/:id/content", s.Download)
	r.GET("/files/:id/thumbnail", s.Thumbnail)
	r.POST("/files/:id/trash", s.Trash)
	r.POST("/files/:id/restore", s.Restore)
	r.DELETE("/files/:id", s.Purge)
	r.GET("/files/:id/versions", s.ListVersions)
	r.POST("/files/:id/versions", s.AppendVersion)
	r.GET("/files/:id/versions/:version/content", s.DownloadVersion)
	r.GET("/quota", s.Quota)
}

// RegisterAdminRoutes mounts quota administration
func (s *FileService) RegisterAdminRoutes(r gin.IRoutes) {
	r.PUT("/quotas/:owner_id", s.SetQuota)
	r.POST("/quotas/:owner_id/recalculate", s.RecalculateQuota)
}

// Upload stores a multipart "file" field
func (s *FileService) Upload(c *gin.Context) {
	userID := c.GetString("user_id")

	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "invalid file or field name is not 'file'")
		return
	}
	opts, err := uploadOptions(c)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	file, err := header.Open()
	if err != nil {
		response.HandleError(c, apperrors.Wrap(err, apperrors.ErrStorageRead, "open upload"))
		return
	}
	defer file.Close()

	s.logger.Info("file upload",
		zap.String("user_id", userID),
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))

	rec, err := s.files.Upload(c.Request.Context(), &biz.UploadRequest{
		OwnerID:  userID,
		Filename: header.Filename,
		Size:     header.Size,
		Body:     file,
		Options:  opts,
	})
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Created(c, toFileResponse(rec))
}

// AppendVersion replaces the content of a file, keeping its history
func (s *FileService) AppendVersion(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "invalid file or field name is not 'file'")
		return
	}
	file, err := header.Open()
	if err != nil {
		response.HandleError(c, apperrors.Wrap(err, apperrors.ErrStorageRead, "open upload"))
		return
	}
	defer file.Close()

	v, err := s.files.AppendVersion(c.Request.Context(), &biz.AppendVersionRequest{
		FileID:      c.Param("id"),
		RequesterID: c.GetString("user_id"),
		Filename:    header.Filename,
		Size:        header.Size,
		Body:        file,
		Note:        c.PostForm("note"),
	})
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Created(c, toVersionResponse(v))
}

// Get returns file metadata
func (s *FileService) Get(c *gin.Context) {
	rec, err := s.files.Get(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toFileResponse(rec))
}

// Download streams the current content as an attachment
func (s *FileService) Download(c *gin.Context) {
	rec, body, err := s.files.Download(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	defer body.Close()
	s.stream(c, body, rec.Size, rec.MimeType, rec.DisplayName)
}

// DownloadVersion streams the content of one historical version
func (s *FileService) DownloadVersion(c *gin.Context) {
	versionNo, err := strconv.Atoi(c.Param("version"))
	if err != nil || versionNo < 1 {
		response.BadRequest(c, "version must be a positive integer")
		return
	}
	rec, err := s.files.Get(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	v, body, err := s.files.DownloadVersion(c.Request.Context(), c.GetString("user_id"), rec.ID, versionNo)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	defer body.Close()
	s.stream(c, body, v.Size, v.MimeType, rec.DisplayName)
}

// Thumbnail streams the JPEG preview of an image
func (s *FileService) Thumbnail(c *gin.Context) {
	body, err := s.files.Thumbnail(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	defer body.Close()
	c.Header("Cache-Control", "private, max-age=3600")
	c.DataFromReader(http.StatusOK, -1, "image/jpeg", body, nil)
}

// List pages the caller's files inside one folder
func (s *FileService) List(c *gin.Context) {
	var req struct {
		ParentID   string `form:"parent_id"`
		AllFolders bool   `form:"all"`
		State      string `form:"state" binding:"omitempty,oneof=active trashed"`
		Page       int    `form:"page" binding:"omitempty,min=1"`
		PageSize   int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "invalid parameters")
		return
	}

	filter := biz.ListFilter{
		ParentID:   optional(req.ParentID),
		AllFolders: req.AllFolders,
		State:      biz.LifecycleState(req.State),
		Page:       req.Page,
		PageSize:   req.PageSize,
	}
	items, total, err := s.files.List(c.Request.Context(), c.GetString("user_id"), filter)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	page, pageSize := database.NormalizePage(req.Page, req.PageSize)
	response.Paginated(c, toFileResponses(items), total, page, pageSize)
}

// Search ranks the caller's files against a query and filters
func (s *FileService) Search(c *gin.Context) {
	var req struct {
		Query         string `form:"q"`
		ParentID      string `form:"parent_id"`
		Extension     string `form:"extension"`
		Tags          string `form:"tags"`
		State         string `form:"state" binding:"omitempty,oneof=active trashed"`
		CreatedAfter  string `form:"created_after"`
		CreatedBefore string `form:"created_before"`
		Limit         int    `form:"limit" binding:"omitempty,min=1,max=200"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "invalid parameters")
		return
	}
	after, err := parseTime(req.CreatedAfter)
	if err != nil {
		response.BadRequest(c, "created_after must be RFC3339")
		return
	}
	before, err := parseTime(req.CreatedBefore)
	if err != nil {
		response.BadRequest(c, "created_before must be RFC3339")
		return
	}

	results, err := s.files.Search(c.Request.Context(), c.GetString("user_id"), biz.SearchCriteria{
		ParentID:      optional(req.ParentID),
		Query:         req.Query,
		Extension:     req.Extension,
		Tags:          splitList(req.Tags),
		CreatedAfter:  after,
		CreatedBefore: before,
		State:         biz.LifecycleState(req.State),
		Limit:         req.Limit,
	})
	if err != nil {
		response.HandleError(c, err)
		return
	}

	items := make([]SearchResult, len(results))
	for i, r := range results {
		items[i] = SearchResult{File: toFileResponse(r.File), Score: r.Score}
	}
	response.Success(c, gin.H{"items": items, "total": len(items)})
}

// CreateDirectory adds an empty folder
func (s *FileService) CreateDirectory(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required,max=255"`
		ParentID string `json:"parent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name is required")
		return
	}
	rec, err := s.files.CreateDirectory(c.Request.Context(), c.GetString("user_id"), optional(req.ParentID), req.Name)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Created(c, toFileResponse(rec))
}

// UpdateDetails changes name, description, tags or visibility
func (s *FileService) UpdateDetails(c *gin.Context) {
	var req struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Tags        *[]string `json:"tags"`
		Visibility  *string   `json:"visibility" binding:"omitempty,oneof=private public"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid parameters")
		return
	}

	update := biz.DetailsUpdate{
		DisplayName: req.Name,
		Description: req.Description,
		Tags:        req.Tags,
	}
	if req.Visibility != nil {
		v := biz.Visibility(*req.Visibility)
		update.Visibility = &v
	}
	rec, err := s.files.UpdateDetails(c.Request.Context(), c.GetString("user_id"), c.Param("id"), update)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toFileResponse(rec))
}

// Trash moves a file to the trash
func (s *FileService) Trash(c *gin.Context) {
	rec, err := s.files.Trash(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toFileResponse(rec))
}

// Restore brings a file back from the trash
func (s *FileService) Restore(c *gin.Context) {
	rec, err := s.files.Restore(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toFileResponse(rec))
}

// Purge permanently deletes a file
func (s *FileService) Purge(c *gin.Context) {
	if err := s.files.Purge(c.Request.Context(), c.GetString("user_id"), c.Param("id")); err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id")})
}

// ListVersions returns the history of a file, newest first
func (s *FileService) ListVersions(c *gin.Context) {
	versions, err := s.files.ListVersions(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	items := make([]*VersionResponse, len(versions))
	for i, v := range versions {
		items[i] = toVersionResponse(v)
	}
	response.Success(c, gin.H{"items": items})
}

// Quota returns the caller's storage account
func (s *FileService) Quota(c *gin.Context) {
	account, err := s.files.Quota(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toQuotaResponse(account))
}

// SetQuota changes the cap of an owner; 0 means unlimited
func (s *FileService) SetQuota(c *gin.Context) {
	var req struct {
		QuotaBytes *int64 `json:"quota_bytes" binding:"required,min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "quota_bytes must be a non-negative integer")
		return
	}
	account, err := s.files.SetQuota(c.Request.Context(), c.GetString("user_id"), c.Param("owner_id"), *req.QuotaBytes)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toQuotaResponse(account))
}

// RecalculateQuota rebuilds the usage of an owner from live records
func (s *FileService) RecalculateQuota(c *gin.Context) {
	account, err := s.files.RecalculateQuota(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toQuotaResponse(account))
}

func (s *FileService) stream(c *gin.Context, body io.Reader, size int64, mimeType, name string) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	c.DataFromReader(http.StatusOK, size, mimeType, body, map[string]string{
		"Content-Disposition": disposition,
	})
}

func uploadOptions(c *gin.Context) (biz.UploadOptions, error) {
	opts := biz.UploadOptions{
		ParentID:    optional(c.PostForm("parent_id")),
		Description: c.PostForm("description"),
		Tags:        splitList(strings.Join(c.PostFormArray("tags"), ",")),
		Visibility:  biz.Visibility(c.PostForm("visibility")),
	}
	if raw := c.PostForm("skip_dedup"); raw != "" {
		skip, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, apperrors.New(apperrors.ErrInvalidParams, "skip_dedup must be a boolean")
		}
		opts.SkipDedup = skip
	}
	return opts, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
