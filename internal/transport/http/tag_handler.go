package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inboxd/internal/domain"
	"inboxd/internal/middleware"
	"inboxd/internal/service"
)

// ========== Tag Handlers ==========

// addTagsRequest POST /messages/:id/tags 请求体
type addTagsRequest struct {
	Tags   []string `json:"tags" binding:"required,min=1,dive,tagname"`
	Source string   `json:"source"`
}

// createTagsRequest POST /tags 请求体
type createTagsRequest struct {
	Names []string `json:"names" binding:"required,min=1,dive,tagname"`
}

// mergeTagsRequest POST /tags/merge 请求体
type mergeTagsRequest struct {
	SourceIDs []uint `json:"sourceIds" binding:"required,min=1"`
	TargetID  *uint  `json:"targetId"`
	NewName   string `json:"newName" binding:"omitempty,tagname"`
}

// actor 记录操作者：已认证时为凭证名，否则为 api
func actor(c *gin.Context) string {
	if key := middleware.APIKeyFromContext(c); key != nil {
		return key.Name
	}
	return "api"
}

// listMessageTags GET /messages/:id/tags
func (h *Handler) listMessageTags(c *gin.Context) {
	tags, err := h.tags.ListForMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// addMessageTags POST /messages/:id/tags，重复关联不会报错
func (h *Handler) addMessageTags(c *gin.Context) {
	var req addTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindingMessage(err))
		return
	}

	tags, added, err := h.tags.AddToMessage(c.Request.Context(), service.AddToMessageInput{
		MessageID: c.Param("id"),
		Names:     req.Tags,
		AddedBy:   actor(c),
		Source:    domain.TagSource(req.Source),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags, "added": added})
}

// searchTags GET /tags?q=&limit= 前缀搜索，大小写不敏感
func (h *Handler) searchTags(c *gin.Context) {
	tags, err := h.tags.Search(c.Request.Context(), c.Query("q"), queryInt(c, "limit"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// createTags POST /tags 按名称解析或创建
func (h *Handler) createTags(c *gin.Context) {
	var req createTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindingMessage(err))
		return
	}

	tags, err := h.tags.ResolveOrCreate(c.Request.Context(), req.Names, actor(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// mergeTags POST /tags/merge
func (h *Handler) mergeTags(c *gin.Context) {
	var req mergeTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindingMessage(err))
		return
	}

	result, err := h.tags.Merge(c.Request.Context(), service.MergeInput{
		SourceIDs: req.SourceIDs,
		TargetID:  req.TargetID,
		NewName:   req.NewName,
		CreatedBy: actor(c),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
