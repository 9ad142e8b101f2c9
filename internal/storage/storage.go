package storage

import (
	"context"
	"errors"
	"time"

	"inboxd/internal/domain"
)

var (
	// ErrEnvelopeNotFound 索引中不存在该条目
	ErrEnvelopeNotFound = errors.New("message not found")
	// ErrEnvelopeFileMissing 索引存在但信封文件缺失
	ErrEnvelopeFileMissing = errors.New("message file missing")
	// ErrTagNotFound 标签未找到
	ErrTagNotFound = errors.New("tag not found")
	// ErrInvalidMergeTarget 合并目标无法确定
	ErrInvalidMergeTarget = errors.New("merge target must be an existing tag id or a new name")
	// ErrAPIKeyNotFound 凭证未找到
	ErrAPIKeyNotFound = errors.New("API key not found")
	// ErrPathOutsideBase 渲染后的路径逃逸出根目录
	ErrPathOutsideBase = errors.New("path escapes base directory")
	// ErrAttachmentNotFound 附件未找到
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// IndexRepository 定义信封索引的存取操作。
type IndexRepository interface {
	// UpsertIndex 按 ID 插入或整行覆盖（包括认领状态）
	UpsertIndex(ctx context.Context, row *domain.IndexRow) error
	GetIndexRow(ctx context.Context, id string) (*domain.IndexRow, error)
	HasIndexRow(ctx context.Context, id string) (bool, error)
	QueryIndex(ctx context.Context, filter domain.MessageFilter, limit int, cursor string) (*domain.MessagePage, error)
	// FindUnclaimed 按创建时间升序返回未被认领的索引行
	FindUnclaimed(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.IndexRow, error)
	// Ack 条件更新认领字段，返回是否有行被修改
	Ack(ctx context.Context, id, consumer string, at time.Time) (bool, error)
	// Release 清除认领，仅供运维工具使用
	Release(ctx context.Context, id string) (bool, error)
	CountMessages(ctx context.Context) (total int64, unclaimed int64, err error)
}

// TagRepository 定义标签数据存取操作。
type TagRepository interface {
	ResolveOrCreateTags(ctx context.Context, names []string, createdBy string) ([]domain.Tag, error)
	GetTag(ctx context.Context, id uint) (*domain.Tag, error)
	SearchTags(ctx context.Context, prefix string, limit int) ([]domain.Tag, error)
	// AddMessageTags 为条目添加标签，已存在的关联被忽略，返回新增数量
	AddMessageTags(ctx context.Context, messageID string, tagIDs []uint, addedBy string, source domain.TagSource) (int, error)
	GetMessageTags(ctx context.Context, messageID string) ([]domain.Tag, error)
	MergeTags(ctx context.Context, sourceIDs []uint, targetID *uint, newName, createdBy string) (*domain.TagMergeResult, error)
}

// APIKeyRepository 定义凭证表存取操作。
type APIKeyRepository interface {
	SaveAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// Store 聚合关系型存储的全部接口。
type Store interface {
	IndexRepository
	TagRepository
	APIKeyRepository

	Health() error
	Close() error
}

// EnvelopeStore 定义信封文件的读写操作。
type EnvelopeStore interface {
	WriteEnvelope(env *domain.Envelope) (string, error)
	ReadEnvelope(path string) (*domain.Envelope, error)
	InboxRoot() string
	Health() error
}
