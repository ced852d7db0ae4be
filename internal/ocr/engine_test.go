package ocr

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func engineForTest(t *testing.T, fn Func, timeout time.Duration) *Engine {
	t.Helper()
	base := Limits{Express: 1, Standard: 1, Background: 1}
	sem := NewPrioritySemaphore(base, false, 0.8)
	mon := NewMonitor(sem, base, MonitorConfig{
		Window:    time.Hour,
		Interval:  time.Minute,
		Threshold: 0.7,
	}, zap.NewNop())
	return NewEngine(fn, sem, mon, timeout, zap.NewNop())
}

func TestProcess_OK(t *testing.T) {
	fn := func(ctx context.Context, image []byte) ([]Box, error) {
		return []Box{{Text: "Willow", X: 10, Y: 10, W: 80, H: 20}}, nil
	}
	e := engineForTest(t, fn, time.Second)

	res := e.Process(context.Background(), TierExpress, []byte("img"))
	if res.Output.Status != StatusOK {
		t.Fatalf("status = %s, want ok", res.Output.Status)
	}
	if len(res.Output.Boxes) != 1 {
		t.Fatalf("boxes = %d, want 1", len(res.Output.Boxes))
	}
	if res.Borrowed {
		t.Fatal("unsaturated tier must not report a borrowed permit")
	}
}

func TestProcess_EmptyOutputIsNotAnError(t *testing.T) {
	fn := func(ctx context.Context, image []byte) ([]Box, error) {
		return nil, nil
	}
	e := engineForTest(t, fn, time.Second)

	res := e.Process(context.Background(), TierStandard, []byte("img"))
	if res.Output.Status != StatusEmpty {
		t.Fatalf("status = %s, want empty", res.Output.Status)
	}
	if res.Output.Err != nil {
		t.Fatalf("empty output carried error: %v", res.Output.Err)
	}
}

func TestProcess_EngineError(t *testing.T) {
	boom := errors.New("decoder failure")
	fn := func(ctx context.Context, image []byte) ([]Box, error) {
		return nil, boom
	}
	e := engineForTest(t, fn, time.Second)

	res := e.Process(context.Background(), TierExpress, []byte("img"))
	if res.Output.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Output.Status)
	}
	if !errors.Is(res.Output.Err, boom) {
		t.Fatalf("err = %v, want the engine's error", res.Output.Err)
	}
}

func TestProcess_TimeoutReleasesPermit(t *testing.T) {
	release := make(chan struct{})
	fn := func(ctx context.Context, image []byte) ([]Box, error) {
		<-release
		return []Box{{Text: "late"}}, nil
	}
	e := engineForTest(t, fn, 50*time.Millisecond)

	res := e.Process(context.Background(), TierExpress, []byte("img"))
	if !errors.Is(res.Output.Err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", res.Output.Err)
	}

	// The expired run must have returned its permit already.
	if got := e.sem.Used(TierExpress); got != 0 {
		t.Fatalf("Used(express) = %d after timeout, want 0", got)
	}
	close(release)
}

func TestSubmit_CancelWhileQueued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context, image []byte) ([]Box, error) {
		close(started)
		<-release
		return nil, nil
	}
	e := engineForTest(t, fn, time.Second)

	// Occupy the only EXPRESS permit, then cancel a queued submission.
	holder := e.Submit(context.Background(), TierExpress, []byte("a"))
	<-started

	queued := e.Submit(context.Background(), TierExpress, []byte("b"))
	queued.Cancel()

	res := <-queued.Done()
	if !errors.Is(res.Output.Err, ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", res.Output.Err)
	}

	close(release)
	<-holder.Done()
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		images int
		want   Tier
	}{
		{1, TierExpress},
		{2, TierStandard},
		{9, TierStandard},
		{10, TierBackground},
		{25, TierBackground},
	}
	for _, tc := range tests {
		if got := TierFor(tc.images, 10); got != tc.want {
			t.Fatalf("TierFor(%d, 10) = %s, want %s", tc.images, got, tc.want)
		}
	}
}
