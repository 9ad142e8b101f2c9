package service

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
	"inboxd/internal/monitoring"
	"inboxd/internal/pool"
)

// capturedRequest 目的地收到的请求
type capturedRequest struct {
	method string
	header http.Header
	body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{method: r.Method, header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func sampleEnvelope() *domain.Envelope {
	return &domain.Envelope{
		ID:          "msg-001",
		Type:        "task",
		Channel:     "tasks",
		Payload:     map[string]any{"title": "x"},
		Attachments: []domain.Attachment{},
		Tags:        []string{},
		Source:      "api",
		CreatedAt:   fixedNow.Truncate(time.Millisecond),
	}
}

func newTestDispatcher(t *testing.T, cfg *config.Config) (*SorterDispatcher, *testEnv) {
	t.Helper()
	env := setupTestEnv(t, cfg)
	p := pool.NewWorkerPool(2, 16, zap.NewNop())
	d := NewSorterDispatcher(p, env.registry, env.store, env.base, zap.NewNop())
	d.SetMetrics(monitoring.NewMetrics())
	return d, env
}

func TestSorterDispatcher_Webhook(t *testing.T) {
	srv, requests := captureServer(t, http.StatusAccepted)

	cfg := testConfig()
	cfg.Destinations = map[string]config.Destination{
		"signed": {URL: srv.URL + "/signed", Method: "PUT", Auth: "hmac", Secret: "s3cret", Headers: map[string]string{"x-team": "ops"}, Timeout: time.Second},
		"bearer": {URL: srv.URL + "/bearer", Method: "POST", Auth: "jwt", Secret: "jwt-secret", Timeout: time.Second},
	}
	d, _ := newTestDispatcher(t, cfg)
	env := sampleEnvelope()
	ctx := context.Background()

	d.Run(ctx, config.SorterConfig{Kind: SorterWebhook, Destination: "signed"}, env, "/inbox/msg-001.json")
	d.Run(ctx, config.SorterConfig{Kind: SorterWebhook, Destination: "bearer"}, env, "/inbox/msg-001.json")
	d.Run(ctx, config.SorterConfig{Kind: SorterWebhook, URL: srv.URL + "/inline"}, env, "/inbox/msg-001.json")

	reqs := requests()
	require.Len(t, reqs, 3)

	signed := reqs[0]
	assert.Equal(t, http.MethodPut, signed.method)
	assert.Equal(t, EventMessageCreated, signed.header.Get("X-Inboxd-Event"))
	assert.NotEmpty(t, signed.header.Get("X-Inboxd-Delivery"))
	assert.Equal(t, "ops", signed.header.Get("X-Team"))
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(signed.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), signed.header.Get("X-Inboxd-Signature"))

	var delivered domain.Envelope
	require.NoError(t, json.Unmarshal(signed.body, &delivered))
	assert.Equal(t, "msg-001", delivered.ID)

	bearer := reqs[1]
	raw := strings.TrimPrefix(bearer.header.Get("Authorization"), "Bearer ")
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return []byte("jwt-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "inboxd", claims.Issuer)
	assert.Equal(t, "msg-001", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, time.Minute)

	inline := reqs[2]
	assert.Equal(t, http.MethodPost, inline.method)
	assert.Empty(t, inline.header.Get("X-Inboxd-Signature"))
	assert.Empty(t, inline.header.Get("Authorization"))
}

func TestSorterDispatcher_BreakerOpens(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Destinations = map[string]config.Destination{"flaky": {URL: srv.URL, Method: "POST", Auth: "none", Timeout: time.Second}}
	d, _ := newTestDispatcher(t, cfg)

	for i := 0; i < 8; i++ {
		d.Run(context.Background(), config.SorterConfig{Kind: SorterWebhook, Destination: "flaky"}, sampleEnvelope(), "")
	}

	// 连续失败 5 次后熔断，后续调用被跳过且不重试
	assert.Equal(t, int64(5), calls.Load())
}

func TestSorterDispatcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Destinations = map[string]config.Destination{"slow": {URL: srv.URL, Timeout: 50 * time.Millisecond}}
	d, _ := newTestDispatcher(t, cfg)

	start := time.Now()
	d.Run(context.Background(), config.SorterConfig{Kind: SorterWebhook, Destination: "slow"}, sampleEnvelope(), "")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSorterDispatcher_File(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	msg := sampleEnvelope()

	sorter := config.SorterConfig{Kind: SorterFile, Path: "{baseDir}/sorted/{channel}/{type}-{date}.jsonl"}
	d.Run(context.Background(), sorter, msg, "/inbox/2026-10-16/msg-001.json")
	second := sampleEnvelope()
	second.ID = "msg-002"
	d.Run(context.Background(), sorter, second, "/inbox/2026-10-16/msg-002.json")

	target := filepath.Join(d.baseDir, "sorted", "tasks", "task-2026-10-16.jsonl")
	f, err := os.Open(target)
	require.NoError(t, err)
	defer f.Close()

	var records []FileRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec FileRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "msg-001", records[0].ID)
	assert.Equal(t, "/inbox/2026-10-16/msg-002.json", records[1].FilePath)

	// 逃逸出根目录的模板被拒绝，不写任何文件
	escape := config.SorterConfig{Kind: SorterFile, Path: "../../outside.jsonl"}
	d.Run(context.Background(), escape, msg, "")
	_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(d.baseDir)), "outside.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestSorterDispatcher_Tag(t *testing.T) {
	d, env := newTestDispatcher(t, nil)
	ctx := context.Background()

	msg, err := env.messages.Ingest(ctx, IngestInput{Type: "task"})
	require.NoError(t, err)

	d.Run(ctx, config.SorterConfig{Kind: SorterTag, Tags: []string{"triage", "Triage", "ops"}}, msg, "")

	tags, err := env.store.GetMessageTags(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "sorter", tags[0].CreatedBy)
}

func TestSorterDispatcher_Dispatch(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)

	cfg := testConfig()
	cfg.Types["task"] = config.TypeDefinition{
		Channel: "tasks",
		Sorters: []config.SorterConfig{
			{Kind: SorterWebhook, URL: srv.URL},
			{Kind: SorterFile, Path: "{baseDir}/log.jsonl"},
		},
	}
	d, env := newTestDispatcher(t, cfg)
	env.messages.SetDispatcher(d)
	d.pool.Start(context.Background())

	_, err := env.messages.Ingest(context.Background(), IngestInput{Type: "task"})
	require.NoError(t, err)
	// 未定义分发器的类型不产生任何调用
	_, err = env.messages.Ingest(context.Background(), IngestInput{Type: "note"})
	require.NoError(t, err)

	d.pool.Stop()

	assert.Len(t, requests(), 1)
	data, err := os.ReadFile(filepath.Join(d.baseDir, "log.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}
