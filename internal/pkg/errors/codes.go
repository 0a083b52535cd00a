package errors

import (
	"fmt"
	"net/http"
)

// Code represents an error code with HTTP status and message
type Code struct {
	Code    int    // Business error code
	Status  int    // HTTP status code
	Message string // Error message
}

const (
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer  = 1000
	ErrInvalidParams   = 1001
	ErrNotFound        = 1002
	ErrUnauthorized    = 1003
	ErrForbidden       = 1004
	ErrConflict        = 1005
	ErrTooManyRequests = 1006
	ErrBadRequest      = 1007
	ErrServiceUnavail  = 1008

	// Auth errors (2000-2999)
	ErrAuthInvalidToken = 2006
	ErrAuthTokenExpired = 2007

	// Storage errors (6000-6999)
	ErrValidation        = 6000
	ErrQuotaExceeded     = 6001
	ErrStorageWrite      = 6002
	ErrMetadataWrite     = 6003
	ErrFileNotFound      = 6004
	ErrVersionNotFound   = 6005
	ErrFileConflict      = 6006
	ErrFileForbidden     = 6007
	ErrDirectoryNotEmpty = 6008
	ErrInvalidState      = 6009
	ErrStorageRead       = 6010
)

var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	ErrInternalServer:  {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:   {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:        {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrUnauthorized:    {ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	ErrForbidden:       {ErrForbidden, http.StatusForbidden, "Forbidden"},
	ErrConflict:        {ErrConflict, http.StatusConflict, "Resource conflict"},
	ErrTooManyRequests: {ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
	ErrBadRequest:      {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrServiceUnavail:  {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	ErrAuthInvalidToken: {ErrAuthInvalidToken, http.StatusUnauthorized, "Invalid or expired token"},
	ErrAuthTokenExpired: {ErrAuthTokenExpired, http.StatusUnauthorized, "Token expired"},

	ErrValidation:        {ErrValidation, http.StatusBadRequest, "File rejected"},
	ErrQuotaExceeded:     {ErrQuotaExceeded, http.StatusConflict, "Storage quota exceeded"},
	ErrStorageWrite:      {ErrStorageWrite, http.StatusInternalServerError, "Failed to write file"},
	ErrMetadataWrite:     {ErrMetadataWrite, http.StatusInternalServerError, "Failed to save file metadata"},
	ErrFileNotFound:      {ErrFileNotFound, http.StatusNotFound, "File not found"},
	ErrVersionNotFound:   {ErrVersionNotFound, http.StatusNotFound, "File version not found"},
	ErrFileConflict:      {ErrFileConflict, http.StatusConflict, "File was modified concurrently"},
	ErrFileForbidden:     {ErrFileForbidden, http.StatusForbidden, "Access to file denied"},
	ErrDirectoryNotEmpty: {ErrDirectoryNotEmpty, http.StatusConflict, "Directory is not empty"},
	ErrInvalidState:      {ErrInvalidState, http.StatusConflict, "Operation not allowed in current file state"},
	ErrStorageRead:       {ErrStorageRead, http.StatusInternalServerError, "Failed to read file"},
}

// GetCode returns the Code for a given error code
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsClientError reports whether code maps to a 4xx status
func IsClientError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 400 && status < 500
}

// IsRetryable reports whether the caller may retry the failed operation
func IsRetryable(code int) bool {
	return code == ErrStorageWrite || code == ErrFileConflict || code == ErrServiceUnavail
}

// FormatError formats an error message with code
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
