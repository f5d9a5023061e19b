package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "artifacts", "nested")
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file removed")
}

func TestNewRejectsBadDirectories(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseDir: "  "})
	require.ErrorContains(t, err, "required")

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(Config{BaseDir: file})
	require.Error(t, err)
}

func TestPutObjectWritesArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	html := []byte("<div class=\"markdown\">answer</div>")
	uri, err := store.PutObject(ctx, "perplexity/task-1/q1.html", "text/html", html)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "perplexity", "task-1", "q1.html"), uri)

	// #nosec G304 -- reads from the test's temp directory.
	got, err := os.ReadFile(filepath.Join(dir, "perplexity", "task-1", "q1.html"))
	require.NoError(t, err)
	assert.Equal(t, html, got)

	_, err = store.PutObject(ctx, "perplexity/task-1/q1.html", "text/html", []byte("retry"))
	require.NoError(t, err)
	// #nosec G304 -- reads from the test's temp directory.
	got, err = os.ReadFile(filepath.Join(dir, "perplexity", "task-1", "q1.html"))
	require.NoError(t, err)
	assert.Equal(t, "retry", string(got), "a retried query overwrites its artifact")

	entries, err := os.ReadDir(filepath.Join(dir, "perplexity", "task-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPutObjectRejectsUnsafePaths(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, name := range []string{"", "../escape.png", "chatgpt/../../escape.png", "."} {
		_, err := store.PutObject(context.Background(), name, "image/png", []byte("x"))
		require.Error(t, err, name)
	}
	_, err = store.PutObject(context.Background(), "../escape.png", "image/png", nil)
	require.ErrorIs(t, err, ErrUnsafePath)
}
