package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

func TestAPIKeyService(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, nil)
	keys := NewAPIKeyService(env.store, zap.NewNop())

	key, token, err := keys.CreateAPIKey(ctx, CreateAPIKeyInput{Name: "ci", Scopes: []string{"read, write", "READ"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, key.Prefix+"."))
	assert.True(t, strings.HasPrefix(key.Prefix, APIKeyPrefix))
	assert.Len(t, key.Prefix, len(APIKeyPrefix)+8)
	assert.Equal(t, "read,write", key.Scopes)
	assert.NotContains(t, key.Hash, token)

	t.Run("验证通过", func(t *testing.T) {
		got, err := keys.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)
		assert.True(t, got.HasScope(domain.ScopeWrite))
		assert.False(t, got.HasScope(domain.ScopeAdmin))

		// 第二次命中缓存
		again, err := keys.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, key.ID, again.ID)
	})

	t.Run("非法凭证", func(t *testing.T) {
		for _, bad := range []string{"", "nodot", "ibx_deadbeef.", "xyz_deadbeef.secret", key.Prefix + ".wrong", "ibx_00000000.secret"} {
			_, err := keys.Authenticate(ctx, bad)
			assert.ErrorIs(t, err, ErrAPIKeyInvalid, bad)
		}
	})

	t.Run("吊销后失效", func(t *testing.T) {
		require.NoError(t, keys.RevokeAPIKey(ctx, key.ID))
		_, err := keys.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)

		assert.ErrorIs(t, keys.RevokeAPIKey(ctx, "missing"), storage.ErrAPIKeyNotFound)
	})

	t.Run("其他进程吊销后复查失效", func(t *testing.T) {
		other, otherToken, err := keys.CreateAPIKey(ctx, CreateAPIKeyInput{Name: "ops"})
		require.NoError(t, err)
		_, err = keys.Authenticate(ctx, otherToken)
		require.NoError(t, err)

		// 直接改存储，本进程缓存未被清除
		require.NoError(t, env.store.RevokeAPIKey(ctx, other.ID))
		_, err = keys.Authenticate(ctx, otherToken)
		require.NoError(t, err)

		keys.now = func() time.Time { return time.Now().Add(apiKeyRecheckInterval + time.Second) }
		defer func() { keys.now = time.Now }()
		_, err = keys.Authenticate(ctx, otherToken)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("过期凭证", func(t *testing.T) {
		ttl := time.Hour
		_, expiring, err := keys.CreateAPIKey(ctx, CreateAPIKeyInput{Name: "temp", ExpiresIn: &ttl})
		require.NoError(t, err)

		_, err = keys.Authenticate(ctx, expiring)
		require.NoError(t, err)

		keys.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { keys.now = time.Now }()
		_, err = keys.Authenticate(ctx, expiring)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("校验输入", func(t *testing.T) {
		_, _, err := keys.CreateAPIKey(ctx, CreateAPIKeyInput{Name: " "})
		assert.True(t, IsValidation(err))
		_, _, err = keys.CreateAPIKey(ctx, CreateAPIKeyInput{Name: "x", Scopes: []string{"root"}})
		assert.True(t, IsValidation(err))

		readOnly, _, err := keys.CreateAPIKey(ctx, CreateAPIKeyInput{Name: "reader"})
		require.NoError(t, err)
		assert.Equal(t, "read", readOnly.Scopes)
	})

	listed, err := keys.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}
