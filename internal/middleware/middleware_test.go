package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
	"inboxd/internal/monitoring"
)

type stubAuthenticator map[string]*domain.APIKey

func (s stubAuthenticator) Authenticate(_ context.Context, token string) (*domain.APIKey, error) {
	if key, ok := s[token]; ok {
		return key, nil
	}
	return nil, errors.New("invalid")
}

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r http.Handler, method, path string, header map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth_RequireScope(t *testing.T) {
	keys := stubAuthenticator{
		"reader": {Name: "reader", Scopes: "read"},
		"admin":  {Name: "admin", Scopes: "admin"},
	}
	auth := NewAPIKeyAuth(keys, true, zap.NewNop())

	r := gin.New()
	r.GET("/read", auth.RequireScope(domain.ScopeRead), func(c *gin.Context) {
		c.String(http.StatusOK, APIKeyFromContext(c).Name)
	})
	r.POST("/write", auth.RequireScope(domain.ScopeWrite), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	testCases := []struct {
		name   string
		method string
		path   string
		header map[string]string
		status int
	}{
		{"缺少凭证", http.MethodGet, "/read", nil, http.StatusUnauthorized},
		{"无效凭证", http.MethodGet, "/read", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"X-API-Key 头", http.MethodGet, "/read", map[string]string{"X-API-Key": "reader"}, http.StatusOK},
		{"Bearer 头", http.MethodGet, "/read", map[string]string{"Authorization": "Bearer reader"}, http.StatusOK},
		{"查询参数", http.MethodGet, "/read?token=reader", nil, http.StatusOK},
		{"权限不足", http.MethodPost, "/write", map[string]string{"X-API-Key": "reader"}, http.StatusForbidden},
		{"admin 隐含全部权限", http.MethodPost, "/write", map[string]string{"X-API-Key": "admin"}, http.StatusNoContent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := perform(r, tc.method, tc.path, tc.header, "")
			assert.Equal(t, tc.status, w.Code)
		})
	}

	t.Run("关闭认证时放行", func(t *testing.T) {
		open := NewAPIKeyAuth(keys, false, nil)
		r := gin.New()
		r.GET("/x", open.RequireScope(domain.ScopeAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
		assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/x", nil, "").Code)
	})
}

func TestRateLimit(t *testing.T) {
	metrics := monitoring.NewMetrics()
	r := gin.New()
	r.Use(RateLimit(config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 2}, metrics))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, perform(r, http.MethodGet, "/", nil, "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitBlocks.WithLabelValues("http")))

	// 不同 IP 各自计数
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	disabled := RateLimit(config.RateLimitConfig{Enabled: false}, nil)
	require.NotNil(t, disabled)
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.AbortWithStatus(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, perform(r, http.MethodPost, "/", nil, "small").Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, perform(r, http.MethodPost, "/", nil, "much too large").Code)
}

func TestRecoveryHandler(t *testing.T) {
	metrics := monitoring.NewMetrics()
	r := gin.New()
	r.Use(SecurityHeaders(), RequestLogger(zap.NewNop()), HTTPMetrics(metrics), RecoveryHandler(zap.NewNop(), metrics))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := perform(r, http.MethodGet, "/boom", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PanicsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/boom", "500")))
}
