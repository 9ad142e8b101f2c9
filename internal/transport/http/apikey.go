package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxd/internal/domain"
	"inboxd/internal/service"
)

// APIKeyHandler API Key管理处理器，仅 admin 权限可用
type APIKeyHandler struct {
	apiKeyService *service.APIKeyService
	log           *zap.Logger
}

// NewAPIKeyHandler 创建API Key处理器
func NewAPIKeyHandler(apiKeyService *service.APIKeyService, log *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{apiKeyService: apiKeyService, log: log}
}

// createAPIKeyRequest 创建API Key请求
type createAPIKeyRequest struct {
	Name      string   `json:"name" binding:"required"`
	Scopes    []string `json:"scopes"`
	ExpiresIn string   `json:"expiresIn,omitempty"` // 如 "720h" 表示30天
}

// createAPIKeyResponse 创建结果，完整凭证只返回这一次
type createAPIKeyResponse struct {
	Key   string         `json:"key"`
	Entry *domain.APIKey `json:"apiKey"`
}

// CreateAPIKey POST /apikeys
func (h *APIKeyHandler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindingMessage(err))
		return
	}

	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			badRequest(c, "expiresIn must be a positive duration such as 720h")
			return
		}
		expiresIn = &d
	}

	key, token, err := h.apiKeyService.CreateAPIKey(c.Request.Context(), service.CreateAPIKeyInput{
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, createAPIKeyResponse{Key: token, Entry: key})
}

// ListAPIKeys GET /apikeys，不含密钥散列
func (h *APIKeyHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.apiKeyService.ListAPIKeys(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apiKeys": keys})
}

// RevokeAPIKey DELETE /apikeys/:id
func (h *APIKeyHandler) RevokeAPIKey(c *gin.Context) {
	if err := h.apiKeyService.RevokeAPIKey(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
