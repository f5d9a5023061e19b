package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts failed queries across a flushed batch.
func ExampleHub_Emit() {
	failed := 0
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: time.Second}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageQueryDone && evt.Outcome != OutcomeOK {
				failed++
			}
		}
		return nil
	}))

	ts := time.Unix(0, 0)
	hub.Emit(Event{TaskID: "task-1", TS: ts, Stage: StageQueryDone, QueryID: "q1", Outcome: OutcomeOK})
	hub.Emit(Event{TaskID: "task-1", TS: ts, Stage: StageQueryDone, QueryID: "q2", Outcome: "structural"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("failed queries: %d\n", failed)
	// Output:
	// failed queries: 1
}
