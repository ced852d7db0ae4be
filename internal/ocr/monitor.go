package ocr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mkw-stats/war-ingester/internal/metrics"
	"go.uber.org/zap"
)

// Mode is the adaptive posture of the engine.
type Mode int

const (
	ModeBalanced Mode = iota
	ModeSingleFocused
	ModeBulkHeavy
)

func (m Mode) String() string {
	switch m {
	case ModeBalanced:
		return "balanced"
	case ModeSingleFocused:
		return "single_focused"
	case ModeBulkHeavy:
		return "bulk_heavy"
	}
	return "unknown"
}

// ParseMode maps a config string to a Mode, defaulting to balanced.
func ParseMode(s string) Mode {
	switch s {
	case "single_focused":
		return ModeSingleFocused
	case "bulk_heavy":
		return ModeBulkHeavy
	}
	return ModeBalanced
}

// LimitsFor derives the tier limits for a mode from the configured base.
// single_focused shifts capacity toward interactive work, bulk_heavy
// toward batch throughput.
func LimitsFor(mode Mode, base Limits) Limits {
	switch mode {
	case ModeSingleFocused:
		bg := base.Background - 1
		if bg < 1 {
			bg = 1
		}
		return Limits{Express: base.Express + 2, Standard: base.Standard, Background: bg}
	case ModeBulkHeavy:
		return Limits{Express: base.Express, Standard: base.Standard, Background: base.Background + 2}
	}
	return base
}

const ringSize = 1024

type sample struct {
	tier Tier
	wait time.Duration
	at   time.Time
}

// Monitor keeps a lossy append-only ring of request samples and, when
// usage adaptation is enabled, switches the engine mode once a usage
// pattern has held for two consecutive windows.
type Monitor struct {
	ring [ringSize]sample
	next atomic.Uint64

	sem         *PrioritySemaphore
	base        Limits
	window      time.Duration
	interval    time.Duration
	threshold   float64
	minRequests int
	adapting    bool
	logger      *zap.Logger

	mode      Mode
	candidate Mode
	streak    int
}

type MonitorConfig struct {
	Window      time.Duration
	Interval    time.Duration
	Threshold   float64
	MinRequests int
	Adapting    bool
	InitialMode Mode
}

func NewMonitor(sem *PrioritySemaphore, base Limits, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 10
	}
	m := &Monitor{
		sem:         sem,
		base:        base,
		window:      cfg.Window,
		interval:    cfg.Interval,
		threshold:   cfg.Threshold,
		minRequests: cfg.MinRequests,
		adapting:    cfg.Adapting,
		logger:      logger,
		mode:        cfg.InitialMode,
		candidate:   cfg.InitialMode,
	}
	metrics.OCRMode.Set(float64(m.mode))
	return m
}

// Record appends a request sample. Single writer-ish append with a lossy
// ring; the evaluation pass tolerates torn reads.
func (m *Monitor) Record(tier Tier, wait time.Duration) {
	idx := m.next.Add(1) - 1
	m.ring[idx%ringSize] = sample{tier: tier, wait: wait, at: time.Now()}
}

// Mode returns the currently applied mode.
func (m *Monitor) Mode() Mode { return m.mode }

// Run evaluates usage on a ticker until the context is cancelled. No-op
// loop body when adaptation is disabled (telemetry is still recorded).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.adapting {
				m.evaluate(time.Now())
			}
		}
	}
}

// evaluate inspects the window and applies a mode change after two
// consecutive windows suggest the same posture.
func (m *Monitor) evaluate(now time.Time) {
	express, batch := 0, 0
	var expressWait, batchWait time.Duration

	cutoff := now.Add(-m.window)
	for _, s := range m.ring {
		if s.at.IsZero() || s.at.Before(cutoff) {
			continue
		}
		if s.tier == TierExpress {
			express++
			expressWait += s.wait
		} else {
			batch++
			batchWait += s.wait
		}
	}

	total := express + batch
	if total < m.minRequests {
		return
	}

	singleRatio := float64(express) / float64(total)
	bulkRatio := float64(batch) / float64(total)

	want := ModeBalanced
	switch {
	case bulkRatio > m.threshold:
		want = ModeBulkHeavy
	case singleRatio > m.threshold:
		want = ModeSingleFocused
	}

	if want != m.candidate {
		m.candidate = want
		m.streak = 1
		return
	}
	m.streak++

	if want == m.mode || m.streak < 2 {
		return
	}

	m.logger.Info("switching OCR engine mode",
		zap.String("from", m.mode.String()),
		zap.String("to", want.String()),
		zap.Float64("single_ratio", singleRatio),
		zap.Float64("bulk_ratio", bulkRatio),
		zap.Int("window_requests", total),
	)
	m.mode = want
	m.sem.SetLimits(LimitsFor(want, m.base))
	metrics.OCRMode.Set(float64(want))
}
