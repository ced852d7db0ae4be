package ocr

import (
	"context"
	"sync"

	"github.com/mkw-stats/war-ingester/internal/metrics"
)

// Limits holds the permit counts for the three tiers.
type Limits struct {
	Express    int
	Standard   int
	Background int
}

// Permit is a held scheduling slot. Release returns the permit to the
// tier whose capacity it consumed, which for a borrowed permit is the
// donor tier, not the requester's.
type Permit struct {
	sem   *PrioritySemaphore
	donor Tier
	tier  Tier
}

// Borrowed reports whether this permit was taken from a lower tier.
func (p *Permit) Borrowed() bool { return p.donor != p.tier }

func (p *Permit) Release() {
	p.sem.release(p.donor)
}

// PrioritySemaphore arbitrates permits across the three tiers with
// optional borrowing. A waiter whose own tier is saturated may consume a
// free permit from a lower-priority tier when that tier's utilization is
// at or below the configured threshold. Holding a permit never requires
// acquiring another tier's permit, so disabling borrowing cannot
// deadlock.
type PrioritySemaphore struct {
	mu        sync.Mutex
	notify    chan struct{}
	limits    [numTiers]int
	used      [numTiers]int
	borrowing bool
	threshold float64
}

func NewPrioritySemaphore(l Limits, borrowing bool, threshold float64) *PrioritySemaphore {
	return &PrioritySemaphore{
		notify:    make(chan struct{}),
		limits:    [numTiers]int{l.Express, l.Standard, l.Background},
		borrowing: borrowing,
		threshold: threshold,
	}
}

// Acquire blocks until a permit is available for the tier or the context
// is done. Borrowing is attempted only after the tier's own permits are
// exhausted.
func (s *PrioritySemaphore) Acquire(ctx context.Context, tier Tier) (*Permit, error) {
	for {
		s.mu.Lock()
		if s.used[tier] < s.limits[tier] {
			s.used[tier]++
			s.publishUtilization()
			s.mu.Unlock()
			return &Permit{sem: s, donor: tier, tier: tier}, nil
		}
		if s.borrowing {
			for donor := tier + 1; donor < numTiers; donor++ {
				if s.used[donor] >= s.limits[donor] {
					continue
				}
				util := float64(s.used[donor]) / float64(s.limits[donor])
				if util > s.threshold {
					continue
				}
				s.used[donor]++
				s.publishUtilization()
				s.mu.Unlock()
				metrics.OCRBorrowEventsTotal.WithLabelValues(tier.String(), donor.String()).Inc()
				return &Permit{sem: s, donor: donor, tier: tier}, nil
			}
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire is Acquire without blocking.
func (s *PrioritySemaphore) TryAcquire(tier Tier) (*Permit, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := s.Acquire(ctx, tier)
	if err != nil {
		return nil, false
	}
	return p, true
}

func (s *PrioritySemaphore) release(donor Tier) {
	s.mu.Lock()
	s.used[donor]--
	s.publishUtilization()
	// Broadcast: wake every waiter so they re-check their tier.
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// SetLimits applies new tier limits, waking waiters so shrunken tiers
// drain naturally and grown ones admit immediately.
func (s *PrioritySemaphore) SetLimits(l Limits) {
	s.mu.Lock()
	s.limits = [numTiers]int{l.Express, l.Standard, l.Background}
	s.publishUtilization()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// Used returns the permits currently consumed against a tier's capacity,
// including permits lent to higher tiers.
func (s *PrioritySemaphore) Used(tier Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[tier]
}

// Utilization returns used/limit for a tier.
func (s *PrioritySemaphore) Utilization(tier Tier) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits[tier] == 0 {
		return 0
	}
	return float64(s.used[tier]) / float64(s.limits[tier])
}

// publishUtilization is called with s.mu held.
func (s *PrioritySemaphore) publishUtilization() {
	for t := TierExpress; t < numTiers; t++ {
		if s.limits[t] > 0 {
			metrics.OCRTierUtilization.WithLabelValues(t.String()).Set(float64(s.used[t]) / float64(s.limits[t]))
		}
	}
}
