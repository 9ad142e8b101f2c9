package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"inboxd/internal/domain"
	"inboxd/internal/middleware"
	"inboxd/internal/service"
)

// metadataFields multipart 请求中承载元数据 JSON 的字段名
var metadataFields = map[string]struct{}{"event": {}, "item": {}, "json": {}}

// attachmentRequest JSON 请求中的 base64 附件
type attachmentRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64" binding:"required"`
}

// createMessageRequest POST /messages 请求体
type createMessageRequest struct {
	Type        string              `json:"type" binding:"required"`
	Payload     any                 `json:"payload"`
	Channel     string              `json:"channel"`
	Source      string              `json:"source"`
	Meta        any                 `json:"meta"`
	Tags        []string            `json:"tags" binding:"omitempty,dive,tagname"`
	Attachments []attachmentRequest `json:"attachments" binding:"omitempty,dive"`
}

func (r *createMessageRequest) toInput() service.IngestInput {
	in := service.IngestInput{
		Type:    r.Type,
		Channel: r.Channel,
		Payload: r.Payload,
		Tags:    r.Tags,
		Meta:    r.Meta,
		Source:  r.Source,
	}
	for _, a := range r.Attachments {
		in.Attachments = append(in.Attachments, domain.AttachmentInput{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Base64:   a.Base64,
			Source:   domain.AttachmentSourceBase64,
		})
	}
	return in
}

// ackRequest POST /messages/:id/ack 请求体，subscriber 也可放在查询参数中
type ackRequest struct {
	Subscriber string `json:"subscriber" binding:"omitempty,subscriber"`
}

// createMessage 接收一条条目，支持 JSON 与 multipart/form-data
func (h *Handler) createMessage(c *gin.Context) {
	var (
		in  service.IngestInput
		err error
	)

	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if mediaType == "multipart/form-data" {
		in, err = h.readMultipart(c)
	} else {
		var req createMessageRequest
		if err = c.ShouldBindJSON(&req); err == nil {
			in = req.toInput()
		}
	}
	if err != nil {
		if isBodyTooLarge(err) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		badRequest(c, bindingMessage(err))
		return
	}

	if in.Source == "" {
		if key := middleware.APIKeyFromContext(c); key != nil {
			in.Source = "api:" + key.Name
		}
	}

	env, err := h.messages.Ingest(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": domain.NewMessageCreatedEvent(env)})
}

// readMultipart 按请求中的顺序读取各部分，文件部分依次成为附件
func (h *Handler) readMultipart(c *gin.Context) (service.IngestInput, error) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		return service.IngestInput{}, err
	}

	var (
		req      *createMessageRequest
		uploaded []domain.AttachmentInput
	)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return service.IngestInput{}, err
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return service.IngestInput{}, err
		}

		if part.FileName() != "" {
			uploaded = append(uploaded, domain.AttachmentInput{
				Filename: part.FileName(),
				MimeType: part.Header.Get("Content-Type"),
				Data:     data,
				Source:   domain.AttachmentSourceMultipart,
			})
			continue
		}
		if _, ok := metadataFields[part.FormName()]; ok && req == nil {
			req = &createMessageRequest{}
			if err := json.Unmarshal(data, req); err != nil {
				return service.IngestInput{}, fmt.Errorf("invalid %s field: %w", part.FormName(), err)
			}
		}
	}

	if req == nil {
		return service.IngestInput{}, errors.New("multipart request requires an event, item or json field")
	}
	if err := binding.Validator.ValidateStruct(req); err != nil {
		return service.IngestInput{}, err
	}

	in := req.toInput()
	in.Attachments = append(in.Attachments, uploaded...)
	return in, nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// listMessages GET /messages 分页查询索引摘要
func (h *Handler) listMessages(c *gin.Context) {
	filter, ok := parseFilter(c)
	if !ok {
		return
	}

	page, err := h.messages.Query(c.Request.Context(), filter, queryInt(c, "limit"), c.Query("cursor"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// nextMessages GET /messages/next 返回未认领的完整信封
func (h *Handler) nextMessages(c *gin.Context) {
	filter := domain.MessageFilter{Type: c.Query("type"), Channel: c.Query("channel")}

	items, err := h.messages.Next(c.Request.Context(), c.Query("subscriber"), filter, queryInt(c, "limit"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// getMessage GET /messages/:id
func (h *Handler) getMessage(c *gin.Context) {
	env, err := h.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// getAttachment GET /messages/:id/attachments/:attachmentId 以附件形式返回文件
func (h *Handler) getAttachment(c *gin.Context) {
	att, err := h.messages.GetAttachment(c.Request.Context(), c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if att.MimeType != "" {
		c.Header("Content-Type", att.MimeType)
	}
	c.FileAttachment(att.Path, att.Filename)
}

// ackMessage POST /messages/:id/ack
func (h *Handler) ackMessage(c *gin.Context) {
	var req ackRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, bindingMessage(err))
			return
		}
	}
	if strings.TrimSpace(req.Subscriber) == "" {
		req.Subscriber = c.Query("subscriber")
	}

	id := c.Param("id")
	if err := h.messages.Ack(c.Request.Context(), id, req.Subscriber); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"id":         id,
		"subscriber": strings.TrimSpace(req.Subscriber),
	})
}

// parseFilter 解析 type/channel/since/until，时间格式为 RFC 3339
func parseFilter(c *gin.Context) (domain.MessageFilter, bool) {
	filter := domain.MessageFilter{Type: c.Query("type"), Channel: c.Query("channel")}
	for _, bound := range []struct {
		name   string
		target **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := c.Query(bound.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			badRequest(c, fmt.Sprintf("%s must be an RFC 3339 timestamp", bound.name))
			return filter, false
		}
		ts = ts.UTC()
		*bound.target = &ts
	}
	return filter, true
}

// queryInt 解析整数查询参数，非法值按 0 处理，由存储层夹取到默认值
func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}
