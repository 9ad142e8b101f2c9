package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// 目的地调用超时上限
const MaxDestinationTimeout = 60 * time.Second

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host         string        // 监听地址，默认 "0.0.0.0"
	Port         int           // 监听端口，默认 8080
	ReadTimeout  time.Duration // 默认 30s
	WriteTimeout time.Duration // 默认 30s
	MaxBodyBytes int64         // 请求体上限，默认 32MB
}

// StorageConfig 定义数据目录布局
type StorageConfig struct {
	BaseDir  string // 数据根目录
	InboxDir string // 信封目录，默认 {base}/inbox
	FilesDir string // 附件目录，默认 {base}/files
	DBDir    string // SQLite 数据库目录，默认 {base}/db
}

// DatabaseConfig 定义索引数据库连接配置（SQLite、PostgreSQL、MySQL）
type DatabaseConfig struct {
	Type            string        // sqlite | postgres | mysql
	DSN             string        // SQLite 为空时使用 {db_dir}/inboxd.db
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
	Metrics         bool          // 是否导出连接池指标
}

// AttachmentsConfig 定义附件管线配置
type AttachmentsConfig struct {
	Enabled          bool
	FilenameStrategy string // original | timestampPrefix | eventIdPrefix | uuid
	PathTemplate     string
	KeepBase64       bool
	MaxBytes         int64
}

// QueryConfig 定义查询分页配置
type QueryConfig struct {
	CursorMode string // keyset | offset
}

// IngestConfig 定义接收默认值
type IngestConfig struct {
	DefaultChannel string
	DefaultSource  string
}

// AuthConfig 定义 API Key 认证配置
type AuthConfig struct {
	Enabled bool
}

// RateLimitConfig 定义按 IP 的接收限流
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// DispatchConfig 定义后置分发工作池
type DispatchConfig struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，为空时只输出到标准输出
	MaxSize     int    // 单个日志文件最大 MB
	MaxBackups  int
	MaxAge      int // 天
	Compress    bool
}

// RedisConfig 定义 Redis 通知配置
type RedisConfig struct {
	Enabled  bool
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
	Channel  string // 发布频道
}

// SMTPConfig 定义 SMTP 接收服务配置
type SMTPConfig struct {
	Enabled         bool
	BindAddr        string  // SMTP 服务监听地址，格式 "host:port"，默认 ":2525"
	Domain          string  // 接收域名，同时用于 HELO/EHLO 响应
	MaxConns        int     // 最大并发连接数
	MaxRate         float64 // 每秒新连接数
	Type            string  // 邮件条目的类型
	MaxMessageBytes int64
}

// SorterConfig 类型的一个后置动作
type SorterConfig struct {
	Kind        string         `mapstructure:"kind"`        // file | webhook | tag
	Path        string         `mapstructure:"path"`        // file: 追加路径模板
	Destination string         `mapstructure:"destination"` // webhook: 目的地名称
	URL         string         `mapstructure:"url"`         // webhook: 内联地址
	Tags        []string       `mapstructure:"tags"`        // tag: 追加的标签
	Extra       map[string]any `mapstructure:",remain"`
}

// TypeDefinition 条目类型定义
type TypeDefinition struct {
	Channel string         `mapstructure:"channel"`
	Schema  any            `mapstructure:"schema"` // 内联 JSON Schema 或文件路径
	Sorters []SorterConfig `mapstructure:"sorters"`
	Extra   map[string]any `mapstructure:",remain"`
}

// Destination 出站 HTTP 目的地
type Destination struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Auth    string            `mapstructure:"auth"` // none | hmac | jwt
	Secret  string            `mapstructure:"secret"`
	Extra   map[string]any    `mapstructure:",remain"`
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Database     DatabaseConfig
	Attachments  AttachmentsConfig
	Query        QueryConfig
	Ingest       IngestConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Dispatch     DispatchConfig
	CORS         CORSConfig
	Log          LogConfig
	Redis        RedisConfig
	SMTP         SMTPConfig
	Types        map[string]TypeDefinition // 键为小写类型名
	Destinations map[string]Destination

	v *viper.Viper
}

// Load 从环境变量、.env 文件和可选配置文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（INBOXD_ 前缀，如 INBOXD_SERVER_PORT）
//  2. .env 文件
//  3. 配置文件 inboxd.{toml,yaml,json}，或 INBOXD_CONFIG 指定的路径
//  4. 默认值
func Load() (*Config, error) {
	loadEnvFile()
	return LoadFile(os.Getenv("INBOXD_CONFIG"))
}

// LoadFile 使用指定配置文件加载配置，path 为空时按默认位置查找
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("inboxd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("inboxd")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/inboxd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return build(v)
}

// setDefaults 设置所有配置的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 32<<20)

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.inbox_dir", "")
	v.SetDefault("storage.files_dir", "")
	v.SetDefault("storage.db_dir", "")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.metrics", false)

	v.SetDefault("attachments.enabled", true)
	v.SetDefault("attachments.filename_strategy", "original")
	v.SetDefault("attachments.path_template", "{baseFilesDir}/{channel}/{date}/{eventId}/{filename}")
	v.SetDefault("attachments.keep_base64", false)
	v.SetDefault("attachments.max_bytes", 25<<20)

	v.SetDefault("query.cursor_mode", "keyset")

	v.SetDefault("ingest.default_channel", "default")
	v.SetDefault("ingest.default_source", "api")

	v.SetDefault("auth.enabled", true)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.default_timeout", "10s")

	v.SetDefault("cors.allowed_origins", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "inboxd:messages")

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "inbox.local")
	v.SetDefault("smtp.max_conns", 50)
	v.SetDefault("smtp.max_rate", 10)
	v.SetDefault("smtp.type", "email")
	v.SetDefault("smtp.max_message_bytes", 25<<20)
}

// build 从 viper 实例构造并校验配置
func build(v *viper.Viper) (*Config, error) {
	readTimeout, err := parseDuration(v, "server.read_timeout")
	if err != nil {
		return nil, err
	}
	writeTimeout, err := parseDuration(v, "server.write_timeout")
	if err != nil {
		return nil, err
	}
	connMaxLifetime, err := parseDuration(v, "database.conn_max_lifetime")
	if err != nil {
		return nil, err
	}
	dispatchTimeout, err := parseDuration(v, "dispatch.default_timeout")
	if err != nil {
		return nil, err
	}

	baseDir := v.GetString("storage.base_dir")
	storageCfg := StorageConfig{
		BaseDir:  baseDir,
		InboxDir: orDefault(v.GetString("storage.inbox_dir"), filepath.Join(baseDir, "inbox")),
		FilesDir: orDefault(v.GetString("storage.files_dir"), filepath.Join(baseDir, "files")),
		DBDir:    orDefault(v.GetString("storage.db_dir"), filepath.Join(baseDir, "db")),
	}

	dbType := strings.ToLower(v.GetString("database.type"))
	dsn := v.GetString("database.dsn")
	if dsn == "" && dbType == "sqlite" {
		dsn = filepath.Join(storageCfg.DBDir, "inboxd.db")
	}

	corsOrigins := getList(v, "cors.allowed_origins")
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			MaxBodyBytes: v.GetInt64("server.max_body_bytes"),
		},
		Storage: storageCfg,
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             dsn,
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
			Metrics:         v.GetBool("database.metrics"),
		},
		Attachments: AttachmentsConfig{
			Enabled:          v.GetBool("attachments.enabled"),
			FilenameStrategy: v.GetString("attachments.filename_strategy"),
			PathTemplate:     v.GetString("attachments.path_template"),
			KeepBase64:       v.GetBool("attachments.keep_base64"),
			MaxBytes:         v.GetInt64("attachments.max_bytes"),
		},
		Query: QueryConfig{
			CursorMode: strings.ToLower(v.GetString("query.cursor_mode")),
		},
		Ingest: IngestConfig{
			DefaultChannel: orDefault(strings.TrimSpace(v.GetString("ingest.default_channel")), "default"),
			DefaultSource:  orDefault(strings.TrimSpace(v.GetString("ingest.default_source")), "api"),
		},
		Auth: AuthConfig{
			Enabled: v.GetBool("auth.enabled"),
		},
		RateLimit: RateLimitConfig{
			Enabled: v.GetBool("rate_limit.enabled"),
			RPS:     v.GetFloat64("rate_limit.rps"),
			Burst:   v.GetInt("rate_limit.burst"),
		},
		Dispatch: DispatchConfig{
			Workers:        v.GetInt("dispatch.workers"),
			QueueSize:      v.GetInt("dispatch.queue_size"),
			DefaultTimeout: ClampTimeout(dispatchTimeout, 10*time.Second),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		SMTP: SMTPConfig{
			Enabled:         v.GetBool("smtp.enabled"),
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          strings.ToLower(v.GetString("smtp.domain")),
			MaxConns:        v.GetInt("smtp.max_conns"),
			MaxRate:         v.GetFloat64("smtp.max_rate"),
			Type:            orDefault(v.GetString("smtp.type"), "email"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
		},
		Types:        map[string]TypeDefinition{},
		Destinations: map[string]Destination{},
		v:            v,
	}

	if err := v.UnmarshalKey("types", &cfg.Types); err != nil {
		return nil, fmt.Errorf("invalid types: %w", err)
	}
	if err := v.UnmarshalKey("destinations", &cfg.Destinations); err != nil {
		return nil, fmt.Errorf("invalid destinations: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize 补全目的地和类型定义的默认值
func (c *Config) normalize() {
	if c.Types == nil {
		c.Types = map[string]TypeDefinition{}
	}
	if c.Destinations == nil {
		c.Destinations = map[string]Destination{}
	}

	types := make(map[string]TypeDefinition, len(c.Types))
	for name, def := range c.Types {
		def.Channel = strings.TrimSpace(def.Channel)
		for i := range def.Sorters {
			def.Sorters[i].Kind = strings.ToLower(strings.TrimSpace(def.Sorters[i].Kind))
			// viper 会把 destinations 的键转成小写
			def.Sorters[i].Destination = strings.ToLower(strings.TrimSpace(def.Sorters[i].Destination))
		}
		types[strings.ToLower(name)] = def
	}
	c.Types = types

	destinations := make(map[string]Destination, len(c.Destinations))
	for name, dest := range c.Destinations {
		dest.Method = strings.ToUpper(orDefault(strings.TrimSpace(dest.Method), "POST"))
		dest.Auth = strings.ToLower(orDefault(strings.TrimSpace(dest.Auth), "none"))
		dest.Timeout = ClampTimeout(dest.Timeout, c.Dispatch.DefaultTimeout)
		destinations[strings.ToLower(name)] = dest
	}
	c.Destinations = destinations
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir must not be empty")
	}

	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database.type: %q (supported: sqlite, postgres, mysql)", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for %s", c.Database.Type)
	}

	switch c.Attachments.FilenameStrategy {
	case "original", "timestampPrefix", "eventIdPrefix", "uuid":
	default:
		return fmt.Errorf("invalid attachments.filename_strategy: %q", c.Attachments.FilenameStrategy)
	}

	switch c.Query.CursorMode {
	case "keyset", "offset":
	default:
		return fmt.Errorf("invalid query.cursor_mode: %q", c.Query.CursorMode)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be positive")
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.workers and dispatch.queue_size must be positive")
	}
	if c.SMTP.Enabled && c.SMTP.Domain == "" {
		return fmt.Errorf("smtp.domain is required when smtp is enabled")
	}

	for name, dest := range c.Destinations {
		if dest.URL == "" {
			return fmt.Errorf("destination %q: url is required", name)
		}
		switch dest.Auth {
		case "none":
		case "hmac", "jwt":
			if dest.Secret == "" {
				return fmt.Errorf("destination %q: secret is required for %s auth", name, dest.Auth)
			}
		default:
			return fmt.Errorf("destination %q: unsupported auth %q", name, dest.Auth)
		}
	}

	for name, def := range c.Types {
		for i, sorter := range def.Sorters {
			switch sorter.Kind {
			case "file":
				if sorter.Path == "" {
					return fmt.Errorf("type %q sorter %d: path is required", name, i)
				}
			case "webhook":
				if sorter.Destination == "" && sorter.URL == "" {
					return fmt.Errorf("type %q sorter %d: destination or url is required", name, i)
				}
				if sorter.Destination != "" {
					if _, ok := c.Destinations[sorter.Destination]; !ok {
						return fmt.Errorf("type %q sorter %d: unknown destination %q", name, i, sorter.Destination)
					}
				}
			case "tag":
				if len(sorter.Tags) == 0 {
					return fmt.Errorf("type %q sorter %d: tags are required", name, i)
				}
			default:
				return fmt.Errorf("type %q sorter %d: unsupported kind %q", name, i, sorter.Kind)
			}
		}
	}
	return nil
}

// TypeDefinition 按类型名查找定义，大小写不敏感
func (c *Config) TypeDefinition(name string) (TypeDefinition, bool) {
	def, ok := c.Types[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Addr HTTP 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ConfigFile 当前使用的配置文件，未使用时为空
func (c *Config) ConfigFile() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch 监听配置文件变化，重新加载成功后回调；未使用配置文件时不做任何事
//
// 只有类型定义和目的地支持热更新，其余配置需要重启生效。
func (c *Config) Watch(log *zap.Logger, onChange func(*Config)) {
	if c.ConfigFile() == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := build(c.v)
		if err != nil {
			log.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", e.Name))
		onChange(next)
	})
	c.v.WatchConfig()
}

// ClampTimeout 将超时限制在 (0, 60s]，非正数取 def
func ClampTimeout(d, def time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	if d <= 0 {
		d = 10 * time.Second
	}
	if d > MaxDestinationTimeout {
		d = MaxDestinationTimeout
	}
	return d
}

// parseDuration 解析时长配置项
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

// getList 读取列表配置，兼容配置文件中的数组和环境变量中的逗号分隔字符串
func getList(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case []string:
		return parseList(strings.Join(raw, ","))
	case []interface{}:
		items := make([]string, 0, len(raw))
		for _, item := range raw {
			items = append(items, fmt.Sprint(item))
		}
		return parseList(strings.Join(items, ","))
	default:
		return parseList(v.GetString(key))
	}
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
