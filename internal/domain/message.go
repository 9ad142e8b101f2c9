package domain

import "time"

// DefaultSource 未指定来源时写入信封的来源标记
const DefaultSource = "api"

// Envelope 表示一条已接收条目的规范记录，序列化后以 JSON 文件形式落盘。
//
// ID 在接收时生成且之后不再改变；除索引侧的认领字段外，信封创建后不可变。
type Envelope struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Channel        string       `json:"channel"`
	Payload        any          `json:"payload"`
	Attachments    []Attachment `json:"attachments"`
	Tags           []string     `json:"tags"`
	Meta           any          `json:"meta,omitempty"`
	Source         string       `json:"source"`
	CreatedAt      time.Time    `json:"createdAt"`
	AttachmentsDir string       `json:"attachmentsDir,omitempty"` // 为该信封新建的附件目录
}

// HasAttachments 是否携带附件
func (e *Envelope) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// IndexRow 信封在关系型索引中的投影，用于查询而无需反序列化每个文件。
//
// 插入后只有 ClaimedBy/ClaimedAt 会被修改，且只能通过认领协议。
type IndexRow struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(64);index:idx_messages_created_id,priority:2"`
	Type             string     `json:"type" gorm:"type:varchar(128);index;not null"`
	Channel          string     `json:"channel" gorm:"type:varchar(128);index;not null"`
	CreatedAt        time.Time  `json:"createdAt" gorm:"index:idx_messages_created_id,priority:1;autoCreateTime:false"`
	FilePath         string     `json:"filePath" gorm:"type:varchar(1024);not null"`
	FileDir          *string    `json:"fileDir,omitempty" gorm:"type:varchar(1024)"`
	AttachmentsCount int        `json:"attachmentsCount"`
	HasAttachments   bool       `json:"hasAttachments"`
	ClaimedBy        *string    `json:"claimedBy,omitempty" gorm:"type:varchar(128);index"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	Summary          *string    `json:"summary,omitempty" gorm:"type:varchar(512)"`
}

// TableName 索引表名
func (IndexRow) TableName() string {
	return "messages"
}

// NewIndexRow 根据信封和其文件位置构造索引行
func NewIndexRow(env *Envelope, filePath string, summary string) *IndexRow {
	row := &IndexRow{
		ID:               env.ID,
		Type:             env.Type,
		Channel:          env.Channel,
		CreatedAt:        env.CreatedAt,
		FilePath:         filePath,
		AttachmentsCount: len(env.Attachments),
		HasAttachments:   env.HasAttachments(),
	}
	if env.AttachmentsDir != "" {
		dir := env.AttachmentsDir
		row.FileDir = &dir
	}
	if summary != "" {
		row.Summary = &summary
	}
	return row
}

// MessageFilter 查询过滤条件，未设置的字段不参与过滤
type MessageFilter struct {
	Type    string
	Channel string
	Since   *time.Time // 包含边界
	Until   *time.Time // 包含边界
}

// MessagePage 一页查询结果
type MessagePage struct {
	Items      []IndexRow `json:"items"`
	NextCursor *string    `json:"nextCursor"`
}

// MessageCreatedEvent 新条目入库后广播的事件
type MessageCreatedEvent struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Channel          string    `json:"channel"`
	CreatedAt        time.Time `json:"createdAt"`
	HasAttachments   bool      `json:"hasAttachments"`
	AttachmentsCount int       `json:"attachmentsCount"`
}

// NewMessageCreatedEvent 从信封构造事件
func NewMessageCreatedEvent(env *Envelope) MessageCreatedEvent {
	return MessageCreatedEvent{
		ID:               env.ID,
		Type:             env.Type,
		Channel:          env.Channel,
		CreatedAt:        env.CreatedAt,
		HasAttachments:   env.HasAttachments(),
		AttachmentsCount: len(env.Attachments),
	}
}
