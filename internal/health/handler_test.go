package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	existsErr error
}

func (f *fakeBackend) Connect(ctx context.Context) error    { return nil }
func (f *fakeBackend) Disconnect(ctx context.Context) error { return nil }
func (f *fakeBackend) Save(ctx context.Context, key string, obj map[string]any) error {
	return nil
}
func (f *fakeBackend) Load(ctx context.Context, key string) (map[string]any, error) {
	return nil, nil
}
func (f *fakeBackend) Delete(ctx context.Context, key string) (bool, error) { return false, nil }
func (f *fakeBackend) Exists(ctx context.Context, key string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return true, nil
}
func (f *fakeBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func runHandler(handlerFunc gin.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	handlerFunc(c)
	return rec
}

func TestLivenessAlwaysReturnsOK(t *testing.T) {
	h := NewHandler(nil)
	rec := runHandler(h.Liveness)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
}

func TestReadinessNilBackendIsAlwaysHealthy(t *testing.T) {
	h := NewHandler(nil)
	rec := runHandler(h.Readiness)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["storage"])
}

func TestReadinessReportsUnavailableWhenStorageFails(t *testing.T) {
	h := NewHandler(&fakeBackend{existsErr: errors.New("connection refused")})
	rec := runHandler(h.Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["storage"])
}

func TestReadinessHealthyBackend(t *testing.T) {
	h := NewHandler(&fakeBackend{})
	rec := runHandler(h.Readiness)
	assert.Equal(t, http.StatusOK, rec.Code)
}
