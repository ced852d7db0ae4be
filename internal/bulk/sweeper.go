package bulk

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires open sessions past their TTL.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(store *Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired bulk sessions", zap.Int64("count", n))
	}
}
