package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
)

// Response is the JSON envelope returned by every API handler
type Response struct {
	Code    int         `json:"code"`              // 0 on success, business code otherwise
	Message string      `json:"message,omitempty"` // human readable message
	Data    interface{} `json:"data"`
}

// Page wraps a slice of items with pagination info
type Page struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// Success writes a 200 response
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = struct{}{}
	}
	c.JSON(http.StatusOK, Response{Code: apperrors.Success, Data: data})
}

// Created writes a 201 response
func Created(c *gin.Context, data interface{}) {
	if data == nil {
		data = struct{}{}
	}
	c.JSON(http.StatusCreated, Response{Code: apperrors.Success, Data: data})
}

// Paginated writes a 200 response carrying a Page
func Paginated(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	Success(c, Page{Items: items, Total: total, Page: page, PageSize: pageSize})
}

// Error writes an error envelope with an explicit HTTP status
func Error(c *gin.Context, httpStatus int, message string) {
	c.JSON(httpStatus, Response{Code: httpStatus, Message: message, Data: struct{}{}})
}

// BadRequest writes a 400 response
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, apperrors.ErrBadRequest, message)
}

// Unauthorized writes a 401 response
func Unauthorized(c *gin.Context, message string) {
	ErrorWithCode(c, apperrors.ErrUnauthorized, message)
}

// HandleError maps err to its HTTP status and business code
func HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)

	code := apperrors.ExtractCode(err)
	message := apperrors.FormatError(code, apperrors.GetDetails(err))
	if code == apperrors.ErrInternalServer {
		message = apperrors.GetMessage(code)
	}

	c.JSON(apperrors.GetHTTPStatus(code), Response{
		Code:    code,
		Message: message,
		Data:    struct{}{},
	})
}

// ErrorWithCode writes an error envelope for a business code
func ErrorWithCode(c *gin.Context, code int, details ...string) {
	c.JSON(apperrors.GetHTTPStatus(code), Response{
		Code:    code,
		Message: apperrors.FormatError(code, details...),
		Data:    struct{}{},
	})
}
