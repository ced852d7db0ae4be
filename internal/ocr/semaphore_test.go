package ocr

import (
	"context"
	"testing"
	"time"
)

func TestAcquire_WithinLimit(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 2, Standard: 1, Background: 1}, false, 0.8)

	p1, err := s.Acquire(context.Background(), TierExpress)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p2, err := s.Acquire(context.Background(), TierExpress)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if p1.Borrowed() || p2.Borrowed() {
		t.Fatal("permits within the tier limit must not be borrowed")
	}
	if got := s.Used(TierExpress); got != 2 {
		t.Fatalf("Used(express) = %d, want 2", got)
	}
	p1.Release()
	p2.Release()
	if got := s.Used(TierExpress); got != 0 {
		t.Fatalf("Used(express) after release = %d, want 0", got)
	}
}

func TestAcquire_BlocksWhenSaturatedStrict(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 1, Background: 1}, false, 0.8)

	p, err := s.Acquire(context.Background(), TierExpress)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, TierExpress); err == nil {
		t.Fatal("expected context error when tier is saturated and borrowing is off")
	}
	p.Release()
}

func TestAcquire_ExpressBorrowsFromStandard(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 1, Background: 1}, true, 0.8)

	// Saturate BACKGROUND and EXPRESS's own permit.
	bg, err := s.Acquire(context.Background(), TierBackground)
	if err != nil {
		t.Fatalf("background acquire: %v", err)
	}
	own, err := s.Acquire(context.Background(), TierExpress)
	if err != nil {
		t.Fatalf("express acquire: %v", err)
	}

	// STANDARD is idle (0.0 utilization), so the next EXPRESS waiter
	// borrows its permit and runs immediately.
	borrowed, err := s.Acquire(context.Background(), TierExpress)
	if err != nil {
		t.Fatalf("borrowing acquire: %v", err)
	}
	if !borrowed.Borrowed() {
		t.Fatal("expected a borrowed permit")
	}
	if got := s.Used(TierStandard); got != 1 {
		t.Fatalf("Used(standard) = %d, want 1 (lent out)", got)
	}

	// On release the permit returns to the donor tier.
	borrowed.Release()
	if got := s.Used(TierStandard); got != 0 {
		t.Fatalf("Used(standard) after release = %d, want 0", got)
	}

	own.Release()
	bg.Release()
}

func TestAcquire_StandardBorrowsOnlyFromBackground(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 1, Background: 1}, true, 0.8)

	own, _ := s.Acquire(context.Background(), TierStandard)
	borrowed, err := s.Acquire(context.Background(), TierStandard)
	if err != nil {
		t.Fatalf("borrowing acquire: %v", err)
	}
	if !borrowed.Borrowed() {
		t.Fatal("expected standard to borrow from background")
	}
	if got := s.Used(TierBackground); got != 1 {
		t.Fatalf("Used(background) = %d, want 1", got)
	}
	borrowed.Release()
	own.Release()
}

func TestAcquire_BackgroundNeverBorrows(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 1, Background: 1}, true, 0.8)

	own, _ := s.Acquire(context.Background(), TierBackground)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, TierBackground); err == nil {
		t.Fatal("background must not borrow from any tier")
	}
	own.Release()
}

func TestAcquire_BorrowRespectsDonorThreshold(t *testing.T) {
	// Donor at 50% utilization with threshold 0.4: borrowing must fail.
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 2, Background: 1}, true, 0.4)

	std, _ := s.Acquire(context.Background(), TierStandard)
	bg, _ := s.Acquire(context.Background(), TierBackground)
	own, _ := s.Acquire(context.Background(), TierExpress)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, TierExpress); err == nil {
		t.Fatal("expected borrow to be refused above donor threshold")
	}

	std.Release()
	bg.Release()
	own.Release()
}

func TestAcquire_WaiterWokenOnRelease(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 1, Background: 1}, false, 0.8)

	p, _ := s.Acquire(context.Background(), TierExpress)

	got := make(chan error, 1)
	go func() {
		q, err := s.Acquire(context.Background(), TierExpress)
		if err == nil {
			q.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release()

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestSetLimits_AdmitsWaiters(t *testing.T) {
	s := NewPrioritySemaphore(Limits{Express: 1, Standard: 1, Background: 1}, false, 0.8)

	p, _ := s.Acquire(context.Background(), TierExpress)
	defer p.Release()

	got := make(chan error, 1)
	go func() {
		q, err := s.Acquire(context.Background(), TierExpress)
		if err == nil {
			defer q.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.SetLimits(Limits{Express: 2, Standard: 1, Background: 1})

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("raising the limit did not admit the waiter")
	}
}
