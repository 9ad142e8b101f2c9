package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
	"inboxd/internal/health"
	"inboxd/internal/middleware"
	"inboxd/internal/monitoring"
	"inboxd/internal/service"
	"inboxd/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	messages *service.MessageService
	tags     *service.TagService
	log      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MessageService *service.MessageService
	TagService     *service.TagService
	APIKeyService  *service.APIKeyService
	WebSocketHub   *websocket.Hub  // 为空时不注册 /messages/stream
	Health         *health.Checker // 为空时 /health 只返回 ok
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) (*gin.Engine, error) {
	if err := registerValidators(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.RequestLogger(log.Named("http")))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.RecoveryHandler(log, deps.Metrics))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(deps.Config.Server.MaxBodyBytes))

	corsConfig := gincors.Config{
		AllowOrigins:  deps.Config.CORS.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		messages: deps.MessageService,
		tags:     deps.TagService,
		log:      log,
	}
	apiKeyHandler := NewAPIKeyHandler(deps.APIKeyService, log)

	auth := middleware.NewAPIKeyAuth(deps.APIKeyService, deps.Config.Auth.Enabled, log)
	read := auth.RequireScope(domain.ScopeRead)
	write := auth.RequireScope(domain.ScopeWrite)
	admin := auth.RequireScope(domain.ScopeAdmin)
	rateLimit := middleware.RateLimit(deps.Config.RateLimit, deps.Metrics)

	// 健康检查与指标
	router.GET("/health", healthHandler(deps.Health))
	if deps.Health != nil {
		probes := http.StripPrefix("/health", deps.Health.ProbeHandler())
		router.GET("/health/live", gin.WrapH(probes))
		router.GET("/health/ready", gin.WrapH(probes))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== Message Routes ==========
	messages := router.Group("/messages")
	{
		messages.POST("", rateLimit, write, handler.createMessage)
		messages.GET("", read, handler.listMessages)
		messages.GET("/next", read, handler.nextMessages)
		if deps.WebSocketHub != nil {
			messages.GET("/stream", read, deps.WebSocketHub.Handler())
		}
		messages.GET("/:id", read, handler.getMessage)
		messages.GET("/:id/attachments/:attachmentId", read, handler.getAttachment)
		messages.POST("/:id/ack", read, handler.ackMessage)
		messages.GET("/:id/tags", read, handler.listMessageTags)
		messages.POST("/:id/tags", write, handler.addMessageTags)
	}

	// ========== Tag Routes ==========
	tags := router.Group("/tags")
	{
		tags.GET("", read, handler.searchTags)
		tags.POST("", write, handler.createTags)
		tags.POST("/merge", admin, handler.mergeTags)
	}

	// ========== API Key Routes ==========
	apiKeys := router.Group("/apikeys", admin)
	{
		apiKeys.POST("", apiKeyHandler.CreateAPIKey)
		apiKeys.GET("", apiKeyHandler.ListAPIKeys)
		apiKeys.DELETE("/:id", apiKeyHandler.RevokeAPIKey)
	}

	return router, nil
}

// healthHandler GET /health 汇总报告，down 时返回 503
func healthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, health.Report{Status: health.StatusOK, Checks: map[string]string{}})
			return
		}
		report := checker.Report(c.Request.Context())
		c.JSON(report.StatusCode(), report)
	}
}
