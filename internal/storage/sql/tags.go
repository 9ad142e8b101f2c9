package sql

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// likeEscaper 转义 LIKE 通配符，转义字符为 '!'
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// ResolveOrCreateTags 规范化名称后逐个查找或创建标签
func (s *Store) ResolveOrCreateTags(ctx context.Context, names []string, createdBy string) ([]domain.Tag, error) {
	normalized := domain.NormalizeTagNames(names)
	tags := make([]domain.Tag, 0, len(normalized))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range normalized {
			tag, err := resolveTag(tx, name, createdBy)
			if err != nil {
				return err
			}
			tags = append(tags, *tag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// resolveTag 按小写名称查找标签，不存在时创建
func resolveTag(tx *gorm.DB, name, createdBy string) (*domain.Tag, error) {
	key := domain.TagKey(name)

	var tag domain.Tag
	err := tx.Where("name_key = ?", key).First(&tag).Error
	if err == nil {
		return &tag, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tag = domain.Tag{
		Name:      name,
		NameKey:   key,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	// 并发创建同名标签时以先写入者为准
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name_key"}},
		DoNothing: true,
	}).Create(&tag).Error; err != nil {
		return nil, err
	}

	var stored domain.Tag
	if err := tx.Where("name_key = ?", key).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetTag 获取标签
func (s *Store) GetTag(ctx context.Context, id uint) (*domain.Tag, error) {
	var tag domain.Tag
	if err := s.db.WithContext(ctx).First(&tag, id).Error; err != nil {
		return nil, notFound(err, storage.ErrTagNotFound)
	}
	return &tag, nil
}

// SearchTags 大小写不敏感的前缀搜索
func (s *Store) SearchTags(ctx context.Context, prefix string, limit int) ([]domain.Tag, error) {
	limit = ClampLimit(limit, 20, MaxQueryLimit)

	q := s.db.WithContext(ctx).Model(&domain.Tag{})
	if key := domain.TagKey(prefix); key != "" {
		q = q.Where("name_key LIKE ? ESCAPE '!'", likeEscaper.Replace(key)+"%")
	}

	tags := make([]domain.Tag, 0)
	if err := q.Order("name_key ASC").Limit(limit).Find(&tags).Error; err != nil {
		return nil, err
	}
	return tags, nil
}

// AddMessageTags 为条目添加标签，重复关联为空操作，返回新增关联数
func (s *Store) AddMessageTags(ctx context.Context, messageID string, tagIDs []uint, addedBy string, source domain.TagSource) (int, error) {
	ids := uniqueIDs(tagIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	added := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Tag{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
			return err
		}
		if int(count) != len(ids) {
			return storage.ErrTagNotFound
		}

		var present []uint
		if err := tx.Model(&domain.TagAssociation{}).Where("message_id = ? AND tag_id IN ?", messageID, ids).
			Pluck("tag_id", &present).Error; err != nil {
			return err
		}
		skip := make(map[uint]struct{}, len(present))
		for _, id := range present {
			skip[id] = struct{}{}
		}

		now := time.Now().UTC()
		for _, id := range ids {
			if _, ok := skip[id]; ok {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.TagAssociation{
				MessageID: messageID,
				TagID:     id,
				AddedBy:   addedBy,
				Source:    source,
				CreatedAt: now,
			}).Error; err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// GetMessageTags 获取条目的全部标签
func (s *Store) GetMessageTags(ctx context.Context, messageID string) ([]domain.Tag, error) {
	tags := make([]domain.Tag, 0)
	err := s.db.WithContext(ctx).Model(&domain.Tag{}).
		Select("tags.*").
		Joins("JOIN message_tags ON message_tags.tag_id = tags.id").
		Where("message_tags.message_id = ?", messageID).
		Order("tags.name_key ASC").
		Find(&tags).Error
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// MergeTags 将源标签的关联迁移到目标标签并删除源标签
//
// 目标优先取已存在的 targetID，否则按 newName 查找或创建。目标已关联的条目上的源关联
// 直接删除并计入 Skipped。
func (s *Store) MergeTags(ctx context.Context, sourceIDs []uint, targetID *uint, newName, createdBy string) (*domain.TagMergeResult, error) {
	sources := uniqueIDs(sourceIDs)
	if len(sources) == 0 {
		return nil, storage.ErrInvalidMergeTarget
	}

	result := &domain.TagMergeResult{Merged: []uint{}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target domain.Tag
		found := false
		if targetID != nil {
			err := tx.First(&target, *targetID).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			found = err == nil
		}
		if !found {
			name := strings.TrimSpace(newName)
			if name == "" {
				if targetID != nil {
					return storage.ErrTagNotFound
				}
				return storage.ErrInvalidMergeTarget
			}
			resolved, err := resolveTag(tx, name, createdBy)
			if err != nil {
				return err
			}
			target = *resolved
		}
		result.Target = target

		var existing []uint
		if err := tx.Model(&domain.Tag{}).Where("id IN ? AND id <> ?", sources, target.ID).
			Order("id ASC").Pluck("id", &existing).Error; err != nil {
			return err
		}
		if len(existing) == 0 {
			return storage.ErrTagNotFound
		}

		var tagged []string
		if err := tx.Model(&domain.TagAssociation{}).Where("tag_id = ?", target.ID).
			Pluck("message_id", &tagged).Error; err != nil {
			return err
		}
		hasTarget := make(map[string]struct{}, len(tagged))
		for _, id := range tagged {
			hasTarget[id] = struct{}{}
		}

		for _, sourceID := range existing {
			var assocs []domain.TagAssociation
			if err := tx.Where("tag_id = ?", sourceID).Find(&assocs).Error; err != nil {
				return err
			}

			for _, assoc := range assocs {
				if _, dup := hasTarget[assoc.MessageID]; dup {
					if err := tx.Where("message_id = ? AND tag_id = ?", assoc.MessageID, sourceID).
						Delete(&domain.TagAssociation{}).Error; err != nil {
						return err
					}
					result.Skipped++
					continue
				}

				if err := tx.Model(&domain.TagAssociation{}).
					Where("message_id = ? AND tag_id = ?", assoc.MessageID, sourceID).
					Update("tag_id", target.ID).Error; err != nil {
					return err
				}
				hasTarget[assoc.MessageID] = struct{}{}
				result.Moved++
			}

			if err := tx.Delete(&domain.Tag{}, sourceID).Error; err != nil {
				return err
			}
			result.Merged = append(result.Merged, sourceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// uniqueIDs 去重并去掉 0
func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
