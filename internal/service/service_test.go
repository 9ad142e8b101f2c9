package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
	"inboxd/internal/storage/filesystem"
	sqlstore "inboxd/internal/storage/sql"
)

var fixedNow = time.Date(2026, 10, 16, 12, 30, 45, 123456789, time.UTC)

// testEnv 服务测试所需的完整存储栈
type testEnv struct {
	base      string
	store     *sqlstore.Store
	envelopes *filesystem.Store
	pipeline  *filesystem.AttachmentPipeline
	registry  *TypeRegistry
	messages  *MessageService
}

// testConfig 带 task 类型定义的最小配置
func testConfig() *config.Config {
	return &config.Config{
		Ingest:   config.IngestConfig{DefaultChannel: "default", DefaultSource: "api"},
		Dispatch: config.DispatchConfig{DefaultTimeout: 10 * time.Second},
		Types: map[string]config.TypeDefinition{
			"task": {Channel: "tasks"},
		},
		Destinations: map[string]config.Destination{},
	}
}

func setupTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	base := t.TempDir()

	store, err := sqlstore.NewStore(context.Background(), sqlstore.Options{
		Type: sqlstore.SQLite,
		DSN:  filepath.Join(base, "db", "inboxd.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	envelopes, err := filesystem.NewStore(filepath.Join(base, "inbox"))
	require.NoError(t, err)

	pipeline, err := filesystem.NewAttachmentPipeline(filepath.Join(base, "files"), filesystem.AttachmentOptions{
		Enabled:  true,
		Strategy: filesystem.StrategyOriginal,
	})
	require.NoError(t, err)

	registry, err := NewTypeRegistry(cfg)
	require.NoError(t, err)

	messages := NewMessageService(store, envelopes, pipeline, registry, IngestOptions{DefaultSource: "api"}, zap.NewNop())
	var seq int
	var mu sync.Mutex
	messages.now = func() time.Time { return fixedNow }
	messages.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("msg-%03d", seq)
	}

	return &testEnv{
		base:      base,
		store:     store,
		envelopes: envelopes,
		pipeline:  pipeline,
		registry:  registry,
		messages:  messages,
	}
}

// recordingDispatcher 记录被分发的条目
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingDispatcher) Dispatch(env *domain.Envelope, filePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, env.ID+"@"+filePath)
}

// recordingNotifier 记录通知事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.MessageCreatedEvent
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, event domain.MessageCreatedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}
