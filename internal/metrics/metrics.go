package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OCRSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkw_ocr_submissions_total",
			Help: "OCR submissions by tier and outcome (ok, empty, error, timeout, cancelled).",
		},
		[]string{"tier", "outcome"},
	)

	OCRWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkw_ocr_wait_duration_seconds",
			Help:    "Time spent waiting for a tier permit.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"tier"},
	)

	OCRProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkw_ocr_process_duration_seconds",
			Help:    "OCR execution latency per image.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tier"},
	)

	OCRBorrowEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkw_ocr_borrow_events_total",
			Help: "Permits borrowed from a lower tier.",
		},
		[]string{"tier", "donor"},
	)

	OCRTierUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mkw_ocr_tier_utilization",
			Help: "Instantaneous tier utilization (active / limit).",
		},
		[]string{"tier"},
	)

	OCRMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mkw_ocr_mode",
			Help: "Active engine mode (0 balanced, 1 single_focused, 2 bulk_heavy).",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkw_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"store", "op"},
	)

	WarsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkw_wars_written_total",
			Help: "Wars inserted or removed.",
		},
		[]string{"op", "source"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkw_bulk_sessions_total",
			Help: "Bulk session lifecycle transitions.",
		},
		[]string{"event"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkw_batch_size",
			Help:    "Row batch sizes flushed to DB.",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
		[]string{"store"},
	)

	ResolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkw_resolve_total",
			Help: "Name resolution outcomes (exact, nickname, fuzzy, miss).",
		},
		[]string{"outcome"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkw_http_request_duration_seconds",
			Help:    "Review API request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		},
		[]string{"route", "method", "status"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkw_bot_commands_total",
			Help: "Slash commands handled by the bot worker.",
		},
		[]string{"command", "outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		OCRSubmissionsTotal,
		OCRWaitDuration,
		OCRProcessDuration,
		OCRBorrowEventsTotal,
		OCRTierUtilization,
		OCRMode,
		DBWriteDuration,
		WarsWrittenTotal,
		SessionsTotal,
		BatchSize,
		ResolveTotal,
		HTTPRequestDuration,
		CommandsTotal,
	)
}
