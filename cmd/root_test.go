package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/app"
	"github.com/JakeFAU/answer-engine-crawler/internal/config"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/issuer"
	memqueue "github.com/JakeFAU/answer-engine-crawler/internal/queue/memory"
)

// useApp makes every command in the test share a; the commands close it.
func useApp(t *testing.T) *app.App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Session.Dir = t.TempDir()
	cfg.Proxy.HealthCheckURL = ""
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	prev := newApp
	newApp = func(context.Context, string) (*app.App, error) { return a, nil }
	t.Cleanup(func() { newApp = prev })
	return a
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestSubmitCommand(t *testing.T) {
	a := useApp(t)
	file := filepath.Join(t.TempDir(), "prompts.txt")
	require.NoError(t, os.WriteFile(file, []byte("# crm prompts\ncheapest crm\n\n"), 0o600))

	out, _, err := run(t, "submit", "--engine", "gemini", "--query", "best crm", "--queries-file", file, "--priority", "2")
	require.NoError(t, err)

	var task crawler.CrawlTask
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, "gemini", task.Engine)
	assert.Equal(t, []crawler.Query{{QueryID: "q1", QueryText: "best crm"}, {QueryID: "q2", QueryText: "cheapest crm"}}, task.Queries)
	assert.Equal(t, 2, task.Priority)
	assert.Equal(t, 1, a.Queue.(*memqueue.Queue).Len())
}

func TestSubmitCommandRejectsUnknownEngine(t *testing.T) {
	useApp(t)
	_, _, err := run(t, "submit", "--engine", "bard", "--query", "x")
	require.ErrorIs(t, err, issuer.ErrInvalidRequest)
}

func TestAwaitCommandCollectsFinishedTask(t *testing.T) {
	a := useApp(t)
	ctx := context.Background()
	task, err := a.Issuer.Submit(ctx, issuer.SubmitRequest{
		Engine:  "perplexity",
		Queries: []crawler.Query{{QueryText: "a"}, {QueryText: "b"}},
	})
	require.NoError(t, err)
	require.NoError(t, a.Queue.PushResult(ctx, task.ID, crawler.CrawlResult{TaskID: task.ID, QueryID: "q1", ResponseText: "ok"}))
	require.NoError(t, a.Queue.PushResult(ctx, task.ID, crawler.CrawlResult{TaskID: task.ID, QueryID: "q2", Error: "no input", ErrorKind: crawler.ErrorKindStructural}))
	require.NoError(t, a.Queue.SetStatus(ctx, task.ID, crawler.FlagCompleted))

	out, _, err := run(t, "await", task.ID, "--attempts", "3", "--interval", "1ms", "--progress=false")
	require.NoError(t, err)

	var report issuer.CollectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Persisted)
	assert.True(t, report.Continued)
	assert.Equal(t, crawler.Progress{TaskID: task.ID, Status: crawler.TaskStatusCompleted, Total: 2, Successful: 1, Failed: 1, IsComplete: true}, report.Progress)
}

func TestAwaitCommandTimeoutIsNotFailure(t *testing.T) {
	a := useApp(t)
	task, err := a.Issuer.Submit(context.Background(), issuer.SubmitRequest{
		Engine:  "copilot",
		Queries: []crawler.Query{{QueryText: "a"}},
	})
	require.NoError(t, err)

	out, errOut, err := run(t, "await", task.ID, "--attempts", "2", "--interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, errOut, "still in progress")
	assert.Contains(t, out, `"flag": "pending"`)
}

func TestSweepCommand(t *testing.T) {
	a := useApp(t)
	_, err := a.Issuer.Submit(context.Background(), issuer.SubmitRequest{
		Engine:  "claude",
		Queries: []crawler.Query{{QueryText: "a"}},
	})
	require.NoError(t, err)

	out, _, err := run(t, "sweep", "--limit", "5")
	require.NoError(t, err)
	var report app.SweepReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 2, a.Queue.(*memqueue.Queue).Len())
}
