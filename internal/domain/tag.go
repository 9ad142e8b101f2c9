package domain

import "time"

// 标签约束
const (
	MaxTagNameLength   = 50
	MaxTagsPerEnvelope = 20
)

// TagSource 标签关联的来源
type TagSource string

const (
	TagSourceUser   TagSource = "user"
	TagSourceSorter TagSource = "sorter"
	TagSourceAPI    TagSource = "api"
	TagSourceML     TagSource = "ml"
)

// Valid 是否为已知来源
func (s TagSource) Valid() bool {
	switch s {
	case TagSourceUser, TagSourceSorter, TagSourceAPI, TagSourceML:
		return true
	}
	return false
}

// Tag 条目标签，名称大小写不敏感唯一
type Tag struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name" gorm:"type:varchar(50);not null"`
	NameKey   string    `json:"-" gorm:"type:varchar(50);uniqueIndex;not null"` // 小写名称
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy" gorm:"type:varchar(128)"`
}

// TagAssociation 条目-标签关联，(MessageID, TagID) 唯一
type TagAssociation struct {
	MessageID string    `json:"messageId" gorm:"type:varchar(64);primaryKey"`
	TagID     uint      `json:"tagId" gorm:"primaryKey;index"`
	AddedBy   string    `json:"addedBy" gorm:"type:varchar(128)"`
	Source    TagSource `json:"source" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 关联表名
func (TagAssociation) TableName() string {
	return "message_tags"
}

// TagMergeResult 标签合并结果
type TagMergeResult struct {
	Target  Tag    `json:"target"`
	Merged  []uint `json:"merged"`
	Moved   int    `json:"moved"`   // 迁移到目标标签的关联数
	Skipped int    `json:"skipped"` // 因目标已存在而跳过的关联数
}
