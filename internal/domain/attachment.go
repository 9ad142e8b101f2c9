package domain

import "fmt"

// AttachmentSource 附件的原始输入形式
type AttachmentSource string

const (
	AttachmentSourceBase64    AttachmentSource = "base64"
	AttachmentSourceMultipart AttachmentSource = "multipart"
)

// Attachment 嵌入在信封中的附件元数据
type Attachment struct {
	ID               string           `json:"id"`
	Filename         string           `json:"filename"`
	OriginalFilename string           `json:"originalFilename"`
	MimeType         string           `json:"mimeType,omitempty"`
	Size             int64            `json:"size"`
	Path             string           `json:"path"`
	Source           AttachmentSource `json:"source"`
	Base64           string           `json:"base64,omitempty"`
}

// AttachmentID 生成 {envelopeId}_{ordinal} 形式的附件 ID
func AttachmentID(envelopeID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", envelopeID, ordinal)
}

// AttachmentInput 附件输入，Base64 与 Data 二选一
type AttachmentInput struct {
	Filename string
	MimeType string
	Base64   string
	Data     []byte
	Source   AttachmentSource
}
