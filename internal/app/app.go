// Package app 按配置组装存储层与服务层，供 server 与 inboxctl 共用。
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/service"
	"inboxd/internal/storage/filesystem"
	sqlstore "inboxd/internal/storage/sql"
)

// App 已装配的存储与服务
type App struct {
	Config      *config.Config
	Store       *sqlstore.Store
	Envelopes   *filesystem.Store
	Attachments *filesystem.AttachmentPipeline
	Registry    *service.TypeRegistry
	Messages    *service.MessageService
	Tags        *service.TagService
	APIKeys     *service.APIKeyService
}

// Open 打开索引数据库和数据目录，并创建各服务
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	cursorMode, ok := sqlstore.ParseCursorMode(cfg.Query.CursorMode)
	if !ok {
		return nil, fmt.Errorf("invalid query.cursor_mode: %q", cfg.Query.CursorMode)
	}

	store, err := sqlstore.NewStore(ctx, sqlstore.Options{
		Type:            sqlstore.DBType(cfg.Database.Type),
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Metrics:         cfg.Database.Metrics,
		MetricsDBName:   "inboxd",
		CursorMode:      cursorMode,
	}, log.Named("sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	a, err := build(cfg, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, store *sqlstore.Store, log *zap.Logger) (*App, error) {
	envelopes, err := filesystem.NewStore(cfg.Storage.InboxDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox directory: %w", err)
	}

	strategy, err := filesystem.ParseFilenameStrategy(cfg.Attachments.FilenameStrategy)
	if err != nil {
		return nil, err
	}
	attachments, err := filesystem.NewAttachmentPipeline(cfg.Storage.FilesDir, filesystem.AttachmentOptions{
		Enabled:      cfg.Attachments.Enabled,
		Strategy:     strategy,
		PathTemplate: cfg.Attachments.PathTemplate,
		KeepBase64:   cfg.Attachments.KeepBase64,
		MaxBytes:     cfg.Attachments.MaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open files directory: %w", err)
	}

	registry, err := service.NewTypeRegistry(cfg)
	if err != nil {
		return nil, err
	}

	messages := service.NewMessageService(store, envelopes, attachments, registry, service.IngestOptions{
		DefaultSource: cfg.Ingest.DefaultSource,
	}, log.Named("messages"))

	return &App{
		Config:      cfg,
		Store:       store,
		Envelopes:   envelopes,
		Attachments: attachments,
		Registry:    registry,
		Messages:    messages,
		Tags:        service.NewTagService(store),
		APIKeys:     service.NewAPIKeyService(store, log.Named("apikeys")),
	}, nil
}

// Close 关闭数据库连接
func (a *App) Close() error {
	return a.Store.Close()
}
