package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	started chan struct{}
	stopped atomic.Bool
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
	r.stopped.Store(true)
}

func TestDispatcherRunStartsWorkersAndLoops(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 3)
	w1 := &blockingRunner{started: started}
	w2 := &blockingRunner{started: started}
	var loopRan atomic.Bool
	loop := RunnerFunc(func(ctx context.Context) {
		loopRan.Store(true)
		started <- struct{}{}
		<-ctx.Done()
	})
	dispatch := New([]Runner{w1, w2}, nil, loop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("runner did not start")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	assert.True(t, w1.stopped.Load())
	assert.True(t, w2.stopped.Load())
	require.True(t, loopRan.Load())
}

func TestDispatcherWaitsForEarlyReturningLoops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	dispatch := New(nil, nil, RunnerFunc(func(context.Context) { ran.Add(1) }))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	dispatch.Run(ctx)
	assert.Equal(t, int32(1), ran.Load())
}
