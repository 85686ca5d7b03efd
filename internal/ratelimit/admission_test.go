package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RoseWrightdev/collabkit-go/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		RateLimitApiGlobal: "2-M",
		RateLimitApiPublic: "2-M",
		RateLimitWsIp:      "2-M",
		RateLimitWsUser:    "2-M",
	}
}

func TestNewAdmissionRejectsInvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitApiGlobal = "not-a-rate"
	_, err := NewAdmission(cfg, nil)
	assert.Error(t, err)
}

func TestGlobalMiddlewareAllowsWithinLimitAndBlocksOverLimit(t *testing.T) {
	admission, err := NewAdmission(testConfig(), nil)
	require.NoError(t, err)

	router := gin.New()
	router.Use(admission.GlobalMiddleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckWebSocketIPBlocksOverLimit(t *testing.T) {
	admission, err := NewAdmission(testConfig(), nil)
	require.NoError(t, err)

	newCtx := func() *gin.Context {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		return c
	}

	assert.True(t, admission.CheckWebSocketIP(newCtx()))
	assert.True(t, admission.CheckWebSocketIP(newCtx()))
	assert.False(t, admission.CheckWebSocketIP(newCtx()), "third connection from the same IP within the window should be rejected")
}
