package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	h(c)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		code     int
		contains string
	}{
		{"quota", apperrors.New(apperrors.ErrQuotaExceeded, "used 900 of 1000"), http.StatusConflict, apperrors.ErrQuotaExceeded, "900"},
		{"validation", apperrors.New(apperrors.ErrValidation, "extension .exe is not allowed"), http.StatusBadRequest, apperrors.ErrValidation, ".exe"},
		{"plain", errors.New("secret internals"), http.StatusInternalServerError, apperrors.ErrInternalServer, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, func(c *gin.Context) { HandleError(c, tt.err) })
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, body.Code)
			assert.Contains(t, body.Message, tt.contains)
			assert.NotContains(t, body.Message, "secret")
		})
	}
}

func TestPaginated(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) { Paginated(c, []string{"a", "b"}, 7, 2, 2) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, apperrors.Success, body.Code)

	page, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 7, page["total"])
	assert.EqualValues(t, 2, page["page"])
}
