package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
	"inboxd/internal/monitoring"
	"inboxd/internal/pool"
	"inboxd/internal/storage"
	"inboxd/internal/storage/filesystem"
)

// 分发相关常量
const (
	EventMessageCreated = "message.created"
	jwtIssuer           = "inboxd"
	jwtTTL              = 5 * time.Minute
	maxResponseBody     = 4 << 10
)

// 分发器种类
const (
	SorterFile    = "file"
	SorterWebhook = "webhook"
	SorterTag     = "tag"
)

// ErrDestinationStatus 目的地返回非 2xx 状态码
var ErrDestinationStatus = errors.New("destination returned non-2xx status")

// FileRecord file 分发器追加的一行记录
type FileRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"createdAt"`
	FilePath  string    `json:"filePath"`
}

// SorterDispatcher 在协程池上执行类型定义中的后置动作
//
// 尽力而为：失败只记录日志和指标，不重试。每个目的地一个熔断器，
// 熔断打开期间直接跳过调用。
type SorterDispatcher struct {
	pool     *pool.WorkerPool
	registry *TypeRegistry
	tags     storage.TagRepository
	baseDir  string
	client   *http.Client
	metrics  *monitoring.Metrics
	log      *zap.Logger

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	fileMu sync.Mutex
}

// NewSorterDispatcher 创建分发器，baseDir 为 file 分发器的根目录
func NewSorterDispatcher(p *pool.WorkerPool, registry *TypeRegistry, tags storage.TagRepository, baseDir string, log *zap.Logger) *SorterDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		absBase = filepath.Clean(baseDir)
	}
	return &SorterDispatcher{
		pool:     p,
		registry: registry,
		tags:     tags,
		baseDir:  absBase,
		// 超时由每次调用的 context 控制
		client:   &http.Client{},
		log:      log.Named("dispatch"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetMetrics 设置监控指标
func (d *SorterDispatcher) SetMetrics(m *monitoring.Metrics) {
	d.metrics = m
}

// SetHTTPClient 替换出站 HTTP 客户端
func (d *SorterDispatcher) SetHTTPClient(c *http.Client) {
	d.client = c
}

// Dispatch 将条目类型的每个分发器提交到协程池，队列满时丢弃
func (d *SorterDispatcher) Dispatch(env *domain.Envelope, filePath string) {
	def, ok := d.registry.Lookup(env.Type)
	if !ok || len(def.Sorters) == 0 {
		return
	}

	for _, sorter := range def.Sorters {
		sorter := sorter
		submitted := d.pool.TrySubmit(func(ctx context.Context) {
			d.Run(ctx, sorter, env, filePath)
		})
		if !submitted {
			d.metrics.RecordDispatch(sorter.Kind, monitoring.DispatchDropped, 0)
			d.log.Warn("dispatch queue full, sorter dropped",
				zap.String("id", env.ID),
				zap.String("kind", sorter.Kind),
			)
		}
	}
}

// Run 同步执行一个分发器
func (d *SorterDispatcher) Run(ctx context.Context, sorter config.SorterConfig, env *domain.Envelope, filePath string) {
	start := time.Now()

	var err error
	switch sorter.Kind {
	case SorterFile:
		err = d.appendFile(sorter, env, filePath)
	case SorterWebhook:
		err = d.webhook(ctx, sorter, env)
	case SorterTag:
		err = d.addTags(ctx, sorter, env)
	default:
		err = fmt.Errorf("unsupported sorter kind %q", sorter.Kind)
	}

	result := monitoring.DispatchOK
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = monitoring.DispatchSkipped
		d.log.Warn("destination circuit open, call skipped",
			zap.String("id", env.ID),
			zap.String("destination", sorter.Destination),
		)
	case err != nil:
		result = monitoring.DispatchFailed
		d.log.Warn("sorter failed",
			zap.String("id", env.ID),
			zap.String("type", env.Type),
			zap.String("kind", sorter.Kind),
			zap.Error(err),
		)
	}
	d.metrics.RecordDispatch(sorter.Kind, result, time.Since(start))
}

// appendFile 向模板渲染出的文件追加一行 JSON
func (d *SorterDispatcher) appendFile(sorter config.SorterConfig, env *domain.Envelope, filePath string) error {
	rendered := filesystem.RenderTemplate(sorter.Path, map[string]string{
		"baseDir": d.baseDir,
		"channel": filesystem.SanitizeChannel(env.Channel),
		"type":    filesystem.SanitizeChannel(env.Type),
		"date":    filesystem.FormatDate(env.CreatedAt),
	})
	target, err := filesystem.ResolveUnder(d.baseDir, rendered)
	if err != nil {
		return err
	}

	line, err := json.Marshal(FileRecord{
		ID:        env.ID,
		Type:      env.Type,
		Channel:   env.Channel,
		CreatedAt: env.CreatedAt,
		FilePath:  filePath,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create sorter directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open sorter file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append sorter file: %w", err)
	}
	return f.Close()
}

// addTags 以 sorter 来源为条目追加标签
func (d *SorterDispatcher) addTags(ctx context.Context, sorter config.SorterConfig, env *domain.Envelope) error {
	names := domain.NormalizeTagNames(sorter.Tags)
	if len(names) == 0 {
		return nil
	}
	tags, err := d.tags.ResolveOrCreateTags(ctx, names, string(domain.TagSourceSorter))
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, tag.ID)
	}
	_, err = d.tags.AddMessageTags(ctx, env.ID, ids, string(domain.TagSourceSorter), domain.TagSourceSorter)
	return err
}

// webhook 将信封投递到命名目的地或内联地址
func (d *SorterDispatcher) webhook(ctx context.Context, sorter config.SorterConfig, env *domain.Envelope) error {
	name := sorter.Destination
	var dest config.Destination
	if name != "" {
		var ok bool
		if dest, ok = d.registry.Destination(name); !ok {
			return fmt.Errorf("unknown destination %q", name)
		}
	} else {
		name = "url:" + sorter.URL
		dest = config.Destination{URL: sorter.URL, Method: http.MethodPost, Auth: "none"}
	}
	dest.Timeout = config.ClampTimeout(dest.Timeout, d.registry.DefaultTimeout())

	_, err := d.breaker(name).Execute(func() (any, error) {
		return nil, d.deliver(ctx, dest, env)
	})
	return err
}

// deliver 发送一次请求，不重试
func (d *SorterDispatcher) deliver(ctx context.Context, dest config.Destination, env *domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dest.Timeout)
	defer cancel()

	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "inboxd")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Inboxd-Event", EventMessageCreated)
	req.Header.Set("X-Inboxd-Delivery", uuid.New().String())

	switch dest.Auth {
	case "hmac":
		req.Header.Set("X-Inboxd-Signature", generateSignature(payload, dest.Secret))
	case "jwt":
		token, err := signDeliveryToken(dest.Secret, env.ID, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return fmt.Errorf("%w: HTTP %d: %s", ErrDestinationStatus, resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return nil
}

// breaker 获取目的地的熔断器，连续失败 5 次后打开 30 秒
func (d *SorterDispatcher) breaker(name string) *gobreaker.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	if cb, ok := d.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Info("destination circuit state changed",
				zap.String("destination", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	d.breakers[name] = cb
	return cb
}

// generateSignature 生成 HMAC-SHA256 签名
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// signDeliveryToken 为一次投递签发 HS256 令牌
func signDeliveryToken(secret, messageID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    jwtIssuer,
		Subject:   messageID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign delivery token: %w", err)
	}
	return token, nil
}
