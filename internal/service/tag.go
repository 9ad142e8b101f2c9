package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// 标签搜索的默认与最大条数
const (
	DefaultTagSearchLimit = 20
	MaxTagSearchLimit     = 100
)

// TagService 标签服务
type TagService struct {
	store storage.Store
}

// NewTagService 创建标签服务
func NewTagService(store storage.Store) *TagService {
	return &TagService{
		store: store,
	}
}

// ResolveOrCreate 按名称查找或创建标签
//
// 名称去除空白、丢弃空值并按大小写不敏感去重，已存在的标签保留原始写法。
func (s *TagService) ResolveOrCreate(ctx context.Context, names []string, createdBy string) ([]domain.Tag, error) {
	normalized, err := normalizeTagInput(names)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return []domain.Tag{}, nil
	}
	return s.store.ResolveOrCreateTags(ctx, normalized, createdBy)
}

// Search 按前缀搜索标签，大小写不敏感
func (s *TagService) Search(ctx context.Context, prefix string, limit int) ([]domain.Tag, error) {
	if limit <= 0 {
		limit = DefaultTagSearchLimit
	}
	if limit > MaxTagSearchLimit {
		limit = MaxTagSearchLimit
	}
	return s.store.SearchTags(ctx, strings.TrimSpace(prefix), limit)
}

// AddToMessageInput 为条目添加标签的输入
type AddToMessageInput struct {
	MessageID string
	Names     []string
	AddedBy   string
	Source    domain.TagSource
}

// AddToMessage 为条目添加标签，已存在的关联被忽略
//
// 返回条目当前的全部标签以及本次新增的关联数量。
func (s *TagService) AddToMessage(ctx context.Context, in AddToMessageInput) ([]domain.Tag, int, error) {
	if in.Source == "" {
		in.Source = domain.TagSourceUser
	}
	if !in.Source.Valid() {
		return nil, 0, NewValidationError("source", "invalid tag source %q", in.Source)
	}

	names, err := normalizeTagInput(in.Names)
	if err != nil {
		return nil, 0, err
	}
	if len(names) == 0 {
		return nil, 0, NewValidationError("tags", "at least one tag is required")
	}

	exists, err := s.store.HasIndexRow(ctx, in.MessageID)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, fmt.Errorf("%w: %s", storage.ErrEnvelopeNotFound, in.MessageID)
	}

	tags, err := s.store.ResolveOrCreateTags(ctx, names, in.AddedBy)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]uint, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, tag.ID)
	}

	added, err := s.store.AddMessageTags(ctx, in.MessageID, ids, in.AddedBy, in.Source)
	if err != nil {
		return nil, 0, err
	}

	current, err := s.store.GetMessageTags(ctx, in.MessageID)
	if err != nil {
		return nil, 0, err
	}
	return current, added, nil
}

// ListForMessage 条目的全部标签
func (s *TagService) ListForMessage(ctx context.Context, messageID string) ([]domain.Tag, error) {
	exists, err := s.store.HasIndexRow(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", storage.ErrEnvelopeNotFound, messageID)
	}
	return s.store.GetMessageTags(ctx, messageID)
}

// MergeInput 合并标签的输入，TargetID 与 NewName 至少提供一个
type MergeInput struct {
	SourceIDs []uint
	TargetID  *uint
	NewName   string
	CreatedBy string
}

// Merge 将源标签的关联迁移到目标标签并删除源标签，整个过程在一个事务中完成
func (s *TagService) Merge(ctx context.Context, in MergeInput) (*domain.TagMergeResult, error) {
	if len(in.SourceIDs) == 0 {
		return nil, NewValidationError("sourceIds", "sourceIds must not be empty")
	}
	name := strings.TrimSpace(in.NewName)
	if in.TargetID == nil && name == "" {
		return nil, NewValidationError("targetId", "%s", storage.ErrInvalidMergeTarget.Error())
	}
	if utf8.RuneCountInString(name) > domain.MaxTagNameLength {
		return nil, invalid("newName", domain.ErrTagTooLong)
	}
	return s.store.MergeTags(ctx, in.SourceIDs, in.TargetID, name, in.CreatedBy)
}

// normalizeTagInput 规范化名称并检查单个标签长度
func normalizeTagInput(names []string) ([]string, error) {
	normalized := domain.NormalizeTagNames(names)
	for _, name := range normalized {
		if utf8.RuneCountInString(name) > domain.MaxTagNameLength {
			return nil, invalid("tags", domain.ErrTagTooLong)
		}
	}
	return normalized, nil
}
