package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub_Emit counts hit items through a custom sink.
func ExampleHub_Emit() {
	hits := 0
	sink := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageItemDone && evt.Outcome == OutcomeHit {
				hits++
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{RunID: "example", TS: time.Unix(0, 0), Stage: StageItemDone, ItemID: "T-1", Outcome: OutcomeHit})
	hub.Emit(Event{RunID: "example", TS: time.Unix(0, 0), Stage: StageItemDone, ItemID: "T-2", Outcome: OutcomeNoHit})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("hit items: %d\n", hits)
	// Output:
	// hit items: 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
