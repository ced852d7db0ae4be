package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mkw-stats/war-ingester/internal/api"
	"github.com/mkw-stats/war-ingester/internal/auth"
	"github.com/mkw-stats/war-ingester/internal/bot"
	"github.com/mkw-stats/war-ingester/internal/bulk"
	"github.com/mkw-stats/war-ingester/internal/config"
	"github.com/mkw-stats/war-ingester/internal/db"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/ocr"
	"github.com/mkw-stats/war-ingester/internal/roster"
	"github.com/mkw-stats/war-ingester/internal/war"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "api":
		runAPI()
	case "bot":
		runBot()
	case "migrate":
		runMigrate()
	case "sweep":
		runSweep()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: war-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  api       Start the review API server")
	fmt.Println("  bot       Start the bot worker (OCR, commands, bulk sessions)")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  sweep     Expire overdue bulk sessions and login tokens once")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runAPI() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if err := cfg.ValidateAPI(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	metrics.Register()

	logger.Info("starting review API",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rosters := roster.NewStore(pool, logger.Named("roster"))
	wars := war.NewStore(pool, logger.Named("war"))
	sessions := bulk.NewStore(pool, logger.Named("bulk"))
	authStore := auth.NewStore(pool, cfg.API.JWTSigningSecret,
		time.Duration(cfg.API.SessionTTLHours)*time.Hour, logger.Named("auth"))

	var wg sync.WaitGroup

	sweepInterval := time.Duration(cfg.API.SweepIntervalMins) * time.Minute
	sweeper := bulk.NewSweeper(sessions, sweepInterval, logger.Named("sweeper"))
	wg.Add(1)
	go func() { defer wg.Done(); sweeper.Run(ctx) }()

	// Login tokens expire on their own clock; sweep them on the same
	// cadence as sessions.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := authStore.SweepExpired(ctx); err != nil {
					logger.Error("auth sweep failed", zap.Error(err))
				}
			}
		}
	}()

	server := api.NewServer(cfg, pool, rosters, wars, sessions, authStore, logger.Named("http"))
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("review API started")

	sig := waitForSignal()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	waitOrTimeout(&wg, shutdownCtx, logger)
	logger.Info("review API stopped")
}

func runBot() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if err := cfg.ValidateBot(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	metrics.Register()

	logger.Info("starting bot worker",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Strings("image_topics", cfg.Kafka.ImageTopics),
		zap.Strings("command_topics", cfg.Kafka.CommandTopics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rosters := roster.NewStore(pool, logger.Named("roster"))
	wars := war.NewStore(pool, logger.Named("war"))
	sessions := bulk.NewStore(pool, logger.Named("bulk"))

	// OCR engine: tiered permits, adaptive limits, wall-clock budget.
	base := ocr.Limits{
		Express:    cfg.OCR.ExpressMaxConcurrent,
		Standard:   cfg.OCR.StandardMaxConcurrent,
		Background: cfg.OCR.BackgroundMaxConcurrent,
	}
	mode := ocr.ParseMode(cfg.OCR.Mode)
	sem := ocr.NewPrioritySemaphore(ocr.LimitsFor(mode, base), cfg.OCR.PriorityBorrowing, cfg.OCR.BorrowingThreshold)
	monitor := ocr.NewMonitor(sem, base, ocr.MonitorConfig{
		Window:      time.Duration(cfg.OCR.UsageWindowMinutes) * time.Minute,
		Interval:    time.Duration(cfg.OCR.MetricsIntervalSeconds) * time.Second,
		Threshold:   cfg.OCR.ModeSwitchThreshold,
		Adapting:    cfg.OCR.UsageAdaptation,
		InitialMode: mode,
	}, logger.Named("ocr.monitor"))
	engine := ocr.NewEngine(
		ocr.NewHTTPFunc(cfg.OCR.Endpoint, nil),
		sem, monitor,
		time.Duration(cfg.OCR.RequestTimeoutSeconds)*time.Second,
		logger.Named("ocr"),
	)

	appender := bulk.NewAppender(sessions, cfg.Bot.WriteBatchSize,
		time.Duration(cfg.Bot.FlushIntervalMs)*time.Millisecond, logger.Named("bulk.appender"))

	replier, err := bot.NewReplier(cfg.Kafka, logger.Named("kafka.replier"))
	if err != nil {
		logger.Fatal("failed to create replier", zap.Error(err))
	}
	defer replier.Close()

	consumer, err := bot.NewEventConsumer(cfg.Kafka, logger.Named("kafka.consumer"))
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	worker := bot.NewWorker(cfg, rosters, wars, sessions, appender, engine, replier, logger.Named("bot"))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go func() { defer wg.Done(); appender.Run(ctx) }()
	go func() { defer wg.Done(); worker.Run(ctx, consumer) }()

	// Liveness and metrics only; the review API is a separate process.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !consumer.IsJoined() {
			http.Error(w, "consumer group not joined", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.Service.HTTPListen, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("bot worker started")

	sig := waitForSignal()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	cancel()

	waitOrTimeout(&wg, shutdownCtx, logger)
	logger.Info("bot worker stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runSweep() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	sessions := bulk.NewStore(pool, logger.Named("bulk"))
	expired, err := sessions.SweepExpired(ctx)
	if err != nil {
		logger.Fatal("session sweep failed", zap.Error(err))
	}

	authStore := auth.NewStore(pool, cfg.API.JWTSigningSecret,
		time.Duration(cfg.API.SessionTTLHours)*time.Hour, logger.Named("auth"))
	tokens, err := authStore.SweepExpired(ctx)
	if err != nil {
		logger.Fatal("auth sweep failed", zap.Error(err))
	}

	logger.Info("sweep complete",
		zap.Int64("sessions_expired", expired),
		zap.Int64("tokens_removed", tokens),
	)
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable dsn>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	return <-sigCh
}

func waitOrTimeout(wg *sync.WaitGroup, ctx context.Context, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-ctx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}
}
