package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
)

// DefaultChannel 未配置频道时使用的发布频道
const DefaultChannel = "inboxd:messages"

// Notification 发布到 Redis 频道的消息体
type Notification struct {
	Event   string                     `json:"event"`
	Message domain.MessageCreatedEvent `json:"message"`
}

// Client 封装 Redis 客户端，负责发布新条目通知
type Client struct {
	rdb     *goredis.Client
	channel string
	log     *zap.Logger
}

// New 创建新的 Redis 客户端并测试连接
func New(cfg config.RedisConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	log.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
		zap.String("channel", channel),
	)

	return &Client{rdb: rdb, channel: channel, log: log}, nil
}

// Channel 返回发布频道
func (c *Client) Channel() string {
	return c.channel
}

// Notify 发布新条目通知
func (c *Client) Notify(ctx context.Context, event domain.MessageCreatedEvent) error {
	payload, err := EncodeNotification(event)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", c.channel, err)
	}
	return nil
}

// Subscribe 订阅通知频道，调用方负责关闭返回的 PubSub
func (c *Client) Subscribe(ctx context.Context) *goredis.PubSub {
	return c.rdb.Subscribe(ctx, c.channel)
}

// Ping 测试 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

// EncodeNotification 序列化通知消息体
func EncodeNotification(event domain.MessageCreatedEvent) ([]byte, error) {
	return json.Marshal(Notification{Event: "message.created", Message: event})
}

// DecodeNotification 解析通知消息体
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(data, &n)
	return n, err
}
