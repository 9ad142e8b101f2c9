package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"inboxd/internal/service"
	"inboxd/internal/storage"
)

// errorResponse 错误响应体
type errorResponse struct {
	Error string `json:"error"`
}

// MsgInternalError 500 响应的固定消息，不向调用方暴露内部细节
const MsgInternalError = "internal server error"

// statusFor 将错误归类为 HTTP 状态码
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case service.IsValidation(err), errors.As(err, &verrs), errors.Is(err, storage.ErrInvalidMergeTarget):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrClaimConflict):
		return http.StatusConflict
	case service.IsNotFound(err), errors.Is(err, storage.ErrEnvelopeFileMissing), errors.Is(err, storage.ErrPathOutsideBase):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAPIKeyInvalid):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError 按错误类别写出响应，校验错误原样返回消息，存储错误只记录日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	_ = c.Error(err)

	switch status {
	case http.StatusInternalServerError:
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.AbortWithStatusJSON(status, errorResponse{Error: MsgInternalError})
	case http.StatusBadRequest:
		c.AbortWithStatusJSON(status, errorResponse{Error: bindingMessage(err)})
	default:
		if errors.Is(err, storage.ErrPathOutsideBase) {
			log.Warn("attachment path outside files root", zap.Error(err))
			c.AbortWithStatusJSON(status, errorResponse{Error: "attachment not found"})
			return
		}
		c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
	}
}

// badRequest 直接返回 400
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}
