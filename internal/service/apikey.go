package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"inboxd/internal/cache"
	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// APIKeyPrefix 所有凭证的固定前缀
const APIKeyPrefix = "ibx_"

const (
	// 验证结果缓存时间
	apiKeyCacheTTL = time.Minute
	// 缓存命中超过该间隔后重新读取凭证状态，使其他进程的吊销生效
	apiKeyRecheckInterval = 5 * time.Second
)

// verifiedKey 已通过 bcrypt 校验的凭证
type verifiedKey struct {
	key       domain.APIKey
	checkedAt time.Time
}

// APIKeyService API Key业务逻辑服务
type APIKeyService struct {
	store    storage.APIKeyRepository
	verified *cache.LocalCache[verifiedKey] // 键为完整凭证的 SHA-256
	log      *zap.Logger
	now      func() time.Time
}

// NewAPIKeyService 创建API Key服务
func NewAPIKeyService(store storage.APIKeyRepository, log *zap.Logger) *APIKeyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIKeyService{
		store:    store,
		verified: cache.NewLocalCache[verifiedKey](1024, apiKeyCacheTTL),
		log:      log.Named("apikey"),
		now:      time.Now,
	}
}

// CreateAPIKeyInput 创建API Key的输入参数
type CreateAPIKeyInput struct {
	Name      string
	Scopes    []string
	ExpiresIn *time.Duration // 过期时间（可选）
}

// CreateAPIKey 创建新的API Key
//
// 返回值:
//   - *domain.APIKey: 保存的凭证记录
//   - string: 完整凭证，只在创建时返回一次
//   - error: 错误信息
func (s *APIKeyService) CreateAPIKey(ctx context.Context, input CreateAPIKeyInput) (*domain.APIKey, string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, "", NewValidationError("name", "name is required")
	}
	scopes, err := normalizeScopes(input.Scopes)
	if err != nil {
		return nil, "", err
	}

	prefix, secret, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash API key: %w", err)
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if input.ExpiresIn != nil {
		t := now.Add(*input.ExpiresIn)
		expiresAt = &t
	}

	key := &domain.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Prefix:    prefix,
		Hash:      string(hash),
		Scopes:    strings.Join(scopes, ","),
		Active:    true,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, "", err
	}

	s.log.Info("API key created", zap.String("id", key.ID), zap.String("name", key.Name), zap.String("scopes", key.Scopes))
	return key, prefix + "." + secret, nil
}

// Authenticate 验证完整凭证
//
// 先按前缀查找，再做 bcrypt 比较。验证通过的凭证缓存一分钟，
// 缓存命中时每 5 秒回存储确认一次状态，期间不再做 bcrypt。
func (s *APIKeyService) Authenticate(ctx context.Context, token string) (*domain.APIKey, error) {
	prefix, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || !strings.HasPrefix(prefix, APIKeyPrefix) || secret == "" {
		return nil, ErrAPIKeyInvalid
	}

	now := s.now()
	cacheKey := tokenDigest(token)
	if entry, ok := s.verified.Get(cacheKey); ok && entry.key.Active && !entry.key.Expired(now) {
		if now.Sub(entry.checkedAt) < apiKeyRecheckInterval {
			key := entry.key
			return &key, nil
		}
		return s.recheck(ctx, cacheKey, prefix, entry.key, now)
	}

	key, err := s.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, err
	}
	if !key.Active || key.Expired(s.now()) {
		return nil, ErrAPIKeyInvalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		return nil, ErrAPIKeyInvalid
	}

	if err := s.store.TouchAPIKey(ctx, key.ID, s.now().UTC()); err != nil {
		s.log.Warn("failed to update API key usage", zap.String("id", key.ID), zap.Error(err))
	}
	s.verified.Set(cacheKey, verifiedKey{key: *key, checkedAt: now}, 0)
	return key, nil
}

// recheck 重新读取已缓存凭证的状态，哈希未变且仍有效时刷新缓存
func (s *APIKeyService) recheck(ctx context.Context, cacheKey, prefix string, cached domain.APIKey, now time.Time) (*domain.APIKey, error) {
	current, err := s.store.GetAPIKeyByPrefix(ctx, prefix)
	if errors.Is(err, storage.ErrAPIKeyNotFound) {
		s.verified.Delete(cacheKey)
		return nil, ErrAPIKeyInvalid
	}
	if err != nil {
		return nil, err
	}
	if current.ID != cached.ID || current.Hash != cached.Hash || !current.Active || current.Expired(now) {
		s.verified.Delete(cacheKey)
		return nil, ErrAPIKeyInvalid
	}
	s.verified.Set(cacheKey, verifiedKey{key: *current, checkedAt: now}, 0)
	return current, nil
}

// ListAPIKeys 列出全部凭证
func (s *APIKeyService) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	return s.store.ListAPIKeys(ctx)
}

// RevokeAPIKey 吊销凭证并清除验证缓存
func (s *APIKeyService) RevokeAPIKey(ctx context.Context, id string) error {
	if err := s.store.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	s.verified.DeleteFunc(func(_ string, entry verifiedKey) bool {
		return entry.key.ID == id
	})
	s.log.Info("API key revoked", zap.String("id", id))
	return nil
}

// normalizeScopes 校验权限范围，默认只读
func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return []string{string(domain.ScopeRead)}, nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		for _, scope := range strings.Split(raw, ",") {
			scope = strings.ToLower(strings.TrimSpace(scope))
			if scope == "" {
				continue
			}
			switch domain.Scope(scope) {
			case domain.ScopeRead, domain.ScopeWrite, domain.ScopeAdmin:
			default:
				return nil, NewValidationError("scopes", "invalid scope %q (supported: read, write, admin)", scope)
			}
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			out = append(out, scope)
		}
	}
	if len(out) == 0 {
		return []string{string(domain.ScopeRead)}, nil
	}
	return out, nil
}

// generateAPIKey 生成随机凭证，前缀为 ibx_ 加 8 位十六进制
func generateAPIKey() (prefix, secret string, err error) {
	id := make([]byte, 4)
	if _, err := rand.Read(id); err != nil {
		return "", "", err
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	return APIKeyPrefix + hex.EncodeToString(id), base64.RawURLEncoding.EncodeToString(b), nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
