package maintenance

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"store-auth/internal/auth"
	"store-auth/internal/observability"
)

func newTestHandler(secret string) *CleanupHandler {
	logger := observability.NewLoggerTo(io.Discard)
	return NewCleanupHandler(auth.NewMemoryStore(), logger, secret, auth.CleanupOptions{})
}

func TestCleanupHiddenWithoutSecret(t *testing.T) {
	handler := newTestHandler("")

	req := httptest.NewRequest(http.MethodGet, "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupRejectsWrongBearer(t *testing.T) {
	handler := newTestHandler("cron-secret")

	req := httptest.NewRequest(http.MethodGet, "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.Handle(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCleanupRejectsOtherMethods(t *testing.T) {
	handler := newTestHandler("cron-secret")

	req := httptest.NewRequest(http.MethodDelete, "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCleanupRuns(t *testing.T) {
	handler := newTestHandler("cron-secret")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
