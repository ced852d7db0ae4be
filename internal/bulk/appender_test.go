package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mkw-stats/war-ingester/internal/model"
	"go.uber.org/zap"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Item
}

func (c *captureSink) AppendBatch(ctx context.Context, items []Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]Item, len(items))
	copy(batch, items)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) snapshot() [][]Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Item, len(c.batches))
	copy(out, c.batches)
	return out
}

func resultItem(token string) Item {
	return Item{Token: token, Result: &model.BulkResult{ImageFilename: "race.png"}}
}

func TestAppender_FlushesFullBatch(t *testing.T) {
	sink := &captureSink{}
	a := NewAppender(sink, 3, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		if err := a.Enqueue(ctx, resultItem("tok")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for {
		if batches := sink.snapshot(); len(batches) == 1 {
			if len(batches[0]) != 3 {
				t.Fatalf("batch size = %d, want 3", len(batches[0]))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("full batch was not flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestAppender_TickerFlushesPartialBatch(t *testing.T) {
	sink := &captureSink{}
	a := NewAppender(sink, 10, 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	if err := a.Enqueue(ctx, resultItem("tok")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if batches := sink.snapshot(); len(batches) == 1 {
			if len(batches[0]) != 1 {
				t.Fatalf("batch size = %d, want 1", len(batches[0]))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("partial batch was not flushed by the ticker")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestAppender_FlushesOnShutdown(t *testing.T) {
	sink := &captureSink{}
	a := NewAppender(sink, 10, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Enqueue(ctx, resultItem("tok")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	// Give Run a moment to pick up the item, then shut down.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	batches := sink.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("shutdown did not flush the pending item: %+v", batches)
	}
}
