package sql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormPrometheus "gorm.io/plugin/prometheus"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// DBType 支持的数据库类型
type DBType string

const (
	SQLite     DBType = "sqlite"
	PostgreSQL DBType = "postgres"
	MySQL      DBType = "mysql"
)

// DialectorFactory 根据 DSN 创建 dialector
type DialectorFactory func(dsn string) (gorm.Dialector, error)

// dialectorFactories 数据库类型到 dialector 工厂的映射，由各驱动文件在 init 中注册
var dialectorFactories = map[DBType]DialectorFactory{}

// RegisterDialectorFactory 注册数据库 dialector 工厂函数
func RegisterDialectorFactory(dbType DBType, factory DialectorFactory) {
	dialectorFactories[dbType] = factory
}

// RegisteredDBTypes 返回已注册的数据库类型
func RegisteredDBTypes() []DBType {
	types := make([]DBType, 0, len(dialectorFactories))
	for t := range dialectorFactories {
		types = append(types, t)
	}
	return types
}

// Options 关系型存储配置
type Options struct {
	Type            DBType
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Metrics         bool   // 是否注册 GORM 连接池指标
	MetricsDBName   string // 指标中的数据库标签
	CursorMode      CursorMode
}

// Store 基于 GORM 的索引、标签和凭证存储
type Store struct {
	db         *gorm.DB
	dbType     DBType
	cursorMode CursorMode
	log        *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 按配置打开数据库并执行迁移
func NewStore(ctx context.Context, opts Options, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	factory, ok := dialectorFactories[opts.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", opts.Type)
	}

	if opts.Type == SQLite {
		if err := ensureSQLiteDir(opts.DSN); err != nil {
			return nil, err
		}
	}

	dialector, err := factory(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid %s DSN: %w", opts.Type, err)
	}

	return NewStoreWithDialector(ctx, dialector, opts, log)
}

// NewStoreWithDialector 使用给定 dialector 创建存储，测试中用于注入内存数据库
func NewStoreWithDialector(ctx context.Context, dialector gorm.Dialector, opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(&gormWriter{log: log}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// SQLite 只有一个写者，内存库的每个连接也是独立的数据库
	if dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:         db,
		dbType:     DBType(dialector.Name()),
		cursorMode: opts.CursorMode,
		log:        log,
	}
	if store.cursorMode == "" {
		store.cursorMode = CursorKeyset
	}

	if err := store.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if opts.Metrics {
		if err := db.Use(gormPrometheus.New(gormPrometheus.Config{
			DBName:          opts.MetricsDBName,
			RefreshInterval: 15,
			StartServer:     false,
		})); err != nil {
			log.Warn("failed to register GORM metrics", zap.Error(err))
		}
	}

	log.Info("database connected",
		zap.String("type", dialector.Name()),
		zap.String("cursor_mode", string(store.cursorMode)),
	)

	return store, nil
}

// Migrate 执行数据库迁移
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.IndexRow{},
		&domain.Tag{},
		&domain.TagAssociation{},
		&domain.APIKey{},
	)
}

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// ensureSQLiteDir 为文件型 SQLite DSN 创建父目录
func ensureSQLiteDir(dsn string) error {
	path := dsn
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimPrefix(path, "file:")
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// appendQuery 向 DSN 追加查询参数
func appendQuery(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// notFound 将 gorm 的记录不存在错误转换为存储层错误
func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// gormWriter 将 GORM 日志转发到 zap
type gormWriter struct {
	log *zap.Logger
}

func (w *gormWriter) Printf(format string, args ...interface{}) {
	w.log.Sugar().Warnf(format, args...)
}
