package bot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func imageRecord(t *testing.T, topic string, ev ImageEvent) *kgo.Record {
	t.Helper()
	value, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &kgo.Record{Topic: topic, Value: value}
}

func TestHandleBatch_ImagesScanInParallel(t *testing.T) {
	var mu sync.Mutex
	running, peak, handled := 0, 0, 0

	w := &Worker{
		imageTopics: map[string]struct{}{"images": {}},
		logger:      zap.NewNop(),
	}
	w.handleImageFn = func(ctx context.Context, ev *ImageEvent) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		handled++
		mu.Unlock()
	}

	batch := make([]*kgo.Record, 0, imageFanout)
	for i := 0; i < imageFanout; i++ {
		batch = append(batch, imageRecord(t, "images", ImageEvent{GuildID: 1, MessageID: int64(i)}))
	}
	w.handleBatch(context.Background(), batch)

	mu.Lock()
	defer mu.Unlock()
	if handled != imageFanout {
		t.Fatalf("handleBatch returned with %d of %d scans finished", handled, imageFanout)
	}
	if peak < 2 {
		t.Errorf("peak concurrency = %d, want at least 2", peak)
	}
}

func TestHandleBatch_BadImagePayloadIsSkipped(t *testing.T) {
	calls := 0
	w := &Worker{
		imageTopics: map[string]struct{}{"images": {}},
		logger:      zap.NewNop(),
	}
	w.handleImageFn = func(ctx context.Context, ev *ImageEvent) { calls++ }

	w.handleBatch(context.Background(), []*kgo.Record{
		{Topic: "images", Value: []byte("{not json")},
	})
	if calls != 0 {
		t.Errorf("malformed payload reached the handler %d times", calls)
	}
}
