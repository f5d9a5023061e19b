package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesSameEngine(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "perplexity"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "perplexity"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterEnginesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "chatgpt"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "gemini"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, l.Allow("chatgpt"))
}

func TestLimiterDisabledAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0, PerEngineRPS: map[string]float64{"claude": 0.001}})
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("copilot"))
	}
	assert.True(t, l.Allow("claude"))
	assert.False(t, l.Allow("claude"))
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.True(t, l.Allow("chatgpt"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "chatgpt"))
}
