package sql

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// 分页上限
const (
	MaxQueryLimit     = 100
	MaxUnclaimedLimit = 50
	DefaultQueryLimit = 50
)

// indexColumns 除主键外的全部索引列，upsert 时整行覆盖
var indexColumns = []string{
	"type", "channel", "created_at", "file_path", "file_dir",
	"attachments_count", "has_attachments", "claimed_by", "claimed_at", "summary",
}

// ClampLimit 将 limit 限制在 [1, max]，非正数取 def
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// UpsertIndex 按 ID 插入索引行，已存在时覆盖整行（包括认领状态）
func (s *Store) UpsertIndex(ctx context.Context, row *domain.IndexRow) error {
	row.CreatedAt = row.CreatedAt.UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(indexColumns),
	}).Create(row).Error
}

// GetIndexRow 获取索引行
func (s *Store) GetIndexRow(ctx context.Context, id string) (*domain.IndexRow, error) {
	var row domain.IndexRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, storage.ErrEnvelopeNotFound)
	}
	return &row, nil
}

// HasIndexRow 检查索引行是否存在
func (s *Store) HasIndexRow(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.IndexRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyFilter 追加过滤条件，未设置的字段被忽略
func applyFilter(q *gorm.DB, filter domain.MessageFilter) *gorm.DB {
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Channel != "" {
		q = q.Where("channel = ?", filter.Channel)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		q = q.Where("created_at <= ?", filter.Until.UTC())
	}
	return q
}

// QueryIndex 按 createdAt、id 降序分页查询
//
// 只有整页时才返回 nextCursor。续页游标沿用传入游标的类型，首页使用配置的类型。
func (s *Store) QueryIndex(ctx context.Context, filter domain.MessageFilter, limit int, cursor string) (*domain.MessagePage, error) {
	limit = ClampLimit(limit, DefaultQueryLimit, MaxQueryLimit)
	pos := DecodeCursor(cursor)

	mode := pos.Mode
	if mode == "" {
		mode = s.cursorMode
	}

	q := applyFilter(s.db.WithContext(ctx).Model(&domain.IndexRow{}), filter)
	switch pos.Mode {
	case CursorKeyset:
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", pos.CreatedAt, pos.CreatedAt, pos.ID)
	case CursorOffset:
		q = q.Offset(pos.Offset)
	}

	rows := make([]domain.IndexRow, 0, limit)
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &domain.MessagePage{Items: rows}
	if len(rows) == limit {
		var next string
		if mode == CursorOffset {
			next = EncodeOffsetCursor(pos.Offset + len(rows))
		} else {
			last := rows[len(rows)-1]
			next = EncodeKeysetCursor(last.CreatedAt, last.ID)
		}
		page.NextCursor = &next
	}
	return page, nil
}

// FindUnclaimed 按创建时间升序返回未认领的索引行
func (s *Store) FindUnclaimed(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.IndexRow, error) {
	limit = ClampLimit(limit, 10, MaxUnclaimedLimit)

	rows := make([]domain.IndexRow, 0, limit)
	err := applyFilter(s.db.WithContext(ctx).Model(&domain.IndexRow{}), filter).
		Where("claimed_by IS NULL").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Ack 认领条目
//
// 单条条件 UPDATE：仅当未被认领或已被同一消费者认领时才修改。并发确认同一
// 条目时由数据库保证只有一个不同的消费者成功。
func (s *Store) Ack(ctx context.Context, id, consumer string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.IndexRow{}).
		Where("id = ? AND (claimed_by IS NULL OR claimed_by = ?)", id, consumer).
		Updates(map[string]interface{}{
			"claimed_by": consumer,
			"claimed_at": at.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release 清除认领状态
func (s *Store) Release(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.IndexRow{}).
		Where("id = ? AND claimed_by IS NOT NULL", id).
		Updates(map[string]interface{}{
			"claimed_by": gorm.Expr("NULL"),
			"claimed_at": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountMessages 统计条目总数与未认领数
func (s *Store) CountMessages(ctx context.Context) (int64, int64, error) {
	var total, unclaimed int64
	db := s.db.WithContext(ctx).Model(&domain.IndexRow{})
	if err := db.Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.WithContext(ctx).Model(&domain.IndexRow{}).Where("claimed_by IS NULL").Count(&unclaimed).Error; err != nil {
		return 0, 0, err
	}
	return total, unclaimed, nil
}
