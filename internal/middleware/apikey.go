package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxd/internal/domain"
)

// ContextKeyAPIKey 上下文中保存已验证凭证的键
const ContextKeyAPIKey = "apiKey"

// Authenticator 校验 API Key 令牌
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.APIKey, error)
}

// APIKeyAuth API Key认证中间件
type APIKeyAuth struct {
	keys    Authenticator
	enabled bool
	log     *zap.Logger
}

// NewAPIKeyAuth 创建API Key认证中间件，enabled 为 false 时放行所有请求
func NewAPIKeyAuth(keys Authenticator, enabled bool, log *zap.Logger) *APIKeyAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIKeyAuth{keys: keys, enabled: enabled, log: log}
}

// RequireScope 要求携带具有指定权限的 API Key
func (m *APIKeyAuth) RequireScope(scope domain.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		key, err := m.keys.Authenticate(c.Request.Context(), token)
		if err != nil {
			m.log.Debug("api key rejected", zap.String("ip", c.ClientIP()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		if !key.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope: " + string(scope) + " required"})
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

// APIKeyFromContext 取出已验证的凭证，未认证时返回 nil
func APIKeyFromContext(c *gin.Context) *domain.APIKey {
	if v, ok := c.Get(ContextKeyAPIKey); ok {
		if key, ok := v.(*domain.APIKey); ok {
			return key
		}
	}
	return nil
}

// extractToken 依次读取 X-API-Key、Authorization: Bearer 与 token 查询参数
// 浏览器 WebSocket 无法设置请求头，只能走查询参数
func extractToken(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.Query("token"))
}
