package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/config"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/engine"
	"github.com/JakeFAU/answer-engine-crawler/internal/issuer"
	"github.com/JakeFAU/answer-engine-crawler/internal/progress"
	"github.com/JakeFAU/answer-engine-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/answer-engine-crawler/internal/publisher/memory"
	memqueue "github.com/JakeFAU/answer-engine-crawler/internal/queue/memory"
	redisqueue "github.com/JakeFAU/answer-engine-crawler/internal/queue/redis"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/local"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/memory"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/sqlite"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Session.Dir = t.TempDir()
	cfg.Proxy.HealthCheckURL = ""
	cfg.Proxy.Servers = []string{"10.0.0.1:8080", "socks5://user:pw@10.0.0.2:1080", "ftp://bad:21"}
	return cfg
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.IsType(t, &memqueue.Queue{}, a.Queue)
	assert.IsType(t, &memory.TaskStore{}, a.Store)
	assert.IsType(t, &memory.BlobStore{}, a.Blobs)
	assert.Equal(t, []engine.ID{engine.ChatGPT, engine.Claude, engine.Copilot, engine.Gemini, engine.Perplexity}, a.Registry.IDs())
	assert.Equal(t, 2, a.Proxies.Stats().Total, "malformed proxy line is skipped")
	assert.Len(t, a.Workers(&browser.FakeFactory{}), a.Config.Worker.Concurrency)
	assert.NotNil(t, a.Progress)
}

func TestNewWiresBehaviorConfig(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	assert.InDelta(t, 0.02, a.Behavior.TypoProbability(), 1e-9, "production typing makes typos by default")

	cfg := baseConfig(t)
	cfg.Behavior.TypoProbability = 0.1
	tuned, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tuned.Close()) })
	assert.InDelta(t, 0.1, tuned.Behavior.TypoProbability(), 1e-9)
}

func TestProgressEventsPublishedOnClose(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Progress.Publish = true
	cfg.Progress.BatchWaitMs = 60_000
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	a.Progress.Emit(progress.Event{TaskID: "task-1", TS: time.Now(), Stage: progress.StageTaskStart, Engine: "claude"})
	require.NoError(t, a.Close())

	pub, ok := a.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	msgs := pub.ByTopic("task_events")
	require.Len(t, msgs, 1)
	batch, ok := msgs[0].Payload.(sinks.Batch)
	require.True(t, ok)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "task-1", batch.Events[0].TaskID)
}

func TestProgressDisabled(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Progress.Enabled = false
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.Nil(t, a.Progress)
	assert.NotEmpty(t, a.Workers(&browser.FakeFactory{}))
}

func TestNewWithRedisSQLiteAndLocalBlobs(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	cfg.Proxy.PersistState = true
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "crawler.db")
	cfg.Blob.Backend = "local"
	cfg.Blob.LocalDir = t.TempDir()
	cfg.Engines.Enabled = []string{"chatgpt", "claude"}

	ctx := context.Background()
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.IsType(t, &redisqueue.Queue{}, a.Queue)
	assert.IsType(t, &sqlite.TaskStore{}, a.Store)
	assert.IsType(t, &local.BlobStore{}, a.Blobs)
	assert.Equal(t, []engine.ID{engine.ChatGPT, engine.Claude}, a.Registry.IDs())

	task, err := a.Issuer.Submit(ctx, issuer.SubmitRequest{
		Engine:  "claude",
		Queries: []crawler.Query{{QueryText: "best crm"}},
	})
	require.NoError(t, err)

	report, err := a.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 2, report.HealthyProxies)
	assert.Equal(t, 2, report.TotalProxies)

	for range 2 {
		msg, err := a.Queue.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, task.ID, msg.TaskID)
	}

	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewFailsFastOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "connect to redis")
}

func TestNewRejectsUnknownEngine(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Engines.Enabled = []string{"chatgpt", "bard"}

	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorIs(t, err, engine.ErrUnknownEngine)
}

func TestDispatcherStopsWithContext(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Dispatcher(&browser.FakeFactory{}).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
