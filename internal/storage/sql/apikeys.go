package sql

import (
	"context"
	"time"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// SaveAPIKey 保存凭证
func (s *Store) SaveAPIKey(ctx context.Context, key *domain.APIKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

// GetAPIKeyByPrefix 根据明文前缀查找凭证
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	var key domain.APIKey
	if err := s.db.WithContext(ctx).Where("prefix = ?", prefix).First(&key).Error; err != nil {
		return nil, notFound(err, storage.ErrAPIKeyNotFound)
	}
	return &key, nil
}

// ListAPIKeys 列出全部凭证
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	keys := make([]domain.APIKey, 0)
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey 停用凭证
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&domain.APIKey{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// TouchAPIKey 更新最后使用时间
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Model(&domain.APIKey{}).Where("id = ?", id).Update("last_used_at", &at).Error
}
