package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	maxAttempts = 3
	baseBackoff = 50 * time.Millisecond
)

// Retryable reports whether err is transient: a serialization failure,
// a deadlock, or a dropped connection. Such errors are safe to retry for
// idempotent reads and for the confirm-session transaction, which is
// idempotent under the session state check.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"08000", "08003", "08006": // connection errors
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}

// WithRetry runs fn up to 3 times with exponential backoff, retrying only
// transient errors. The context bounds the whole sequence.
func WithRetry(ctx context.Context, logger *zap.Logger, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		backoff := baseBackoff << (attempt - 1)
		logger.Warn("transient database error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
