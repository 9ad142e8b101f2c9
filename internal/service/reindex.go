package service

import (
	"context"

	"go.uber.org/zap"

	"inboxd/internal/domain"
)

// EnvelopeWalker 遍历全部信封文件，由 filesystem.Store 实现
type EnvelopeWalker interface {
	WalkEnvelopes(fn func(path string, env *domain.Envelope) error) error
}

// ReindexResult 重建索引的统计
type ReindexResult struct {
	Scanned int      `json:"scanned"`
	Indexed int      `json:"indexed"`
	Skipped int      `json:"skipped"` // 已有索引行
	Missing []string `json:"missing"` // 缺少索引行的信封 ID
}

// Reindex 为没有索引行的信封补写索引
//
// 已存在的行不会被覆盖，认领状态得以保留。dryRun 时只统计不写入。
func (s *MessageService) Reindex(ctx context.Context, walker EnvelopeWalker, dryRun bool) (*ReindexResult, error) {
	result := &ReindexResult{Missing: []string{}}

	err := walker.WalkEnvelopes(func(path string, env *domain.Envelope) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Scanned++

		exists, err := s.store.HasIndexRow(ctx, env.ID)
		if err != nil {
			return err
		}
		if exists {
			result.Skipped++
			return nil
		}

		result.Missing = append(result.Missing, env.ID)
		if dryRun {
			return nil
		}

		row := domain.NewIndexRow(env, path, Summarize(env.Payload))
		if err := s.store.UpsertIndex(ctx, row); err != nil {
			return err
		}
		result.Indexed++
		if len(env.Tags) > 0 {
			if err := s.attachTags(ctx, env.ID, env.Tags, env.Source); err != nil {
				s.log.Warn("failed to associate envelope tags", zap.String("id", env.ID), zap.Error(err))
			}
		}
		s.log.Info("orphan envelope indexed", zap.String("id", env.ID), zap.String("path", path))
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}
