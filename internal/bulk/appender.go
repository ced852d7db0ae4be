package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/model"
	"go.uber.org/zap"
)

// Item is one OCR completion queued for a session: a result or, when
// Failure is set, a failure row.
type Item struct {
	Token    string
	Result   *model.BulkResult
	RawBoxes []byte
	Failure  *model.BulkFailure
}

// Sink receives flushed batches. *Store satisfies it.
type Sink interface {
	AppendBatch(ctx context.Context, items []Item) error
}

// Appender batches OCR completions into session writes. Batches are
// capped at batchSize rows per transaction and flushed no later than
// flushInterval after the oldest unflushed completion.
type Appender struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	items         chan Item
	logger        *zap.Logger
}

func NewAppender(sink Sink, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Appender {
	if batchSize < 1 {
		batchSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Appender{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		items:         make(chan Item, batchSize*4),
		logger:        logger,
	}
}

// Enqueue queues one completion. Blocks when the appender is saturated,
// which backpressures the OCR completions.
func (a *Appender) Enqueue(ctx context.Context, item Item) error {
	select {
	case a.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until the context is cancelled, flushing a final
// partial batch on shutdown.
func (a *Appender) Run(ctx context.Context) {
	var batch []Item
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				a.flush(context.WithoutCancel(ctx), batch)
			}
			return

		case item := <-a.items:
			batch = append(batch, item)
			if len(batch) >= a.batchSize {
				if a.flush(ctx, batch) {
					batch = nil
				}
			}
			// Cap memory if flushes keep failing during a DB outage.
			if len(batch) >= a.batchSize*10 {
				a.logger.Error("dropping oversized bulk batch after repeated flush failures",
					zap.Int("dropped", len(batch)),
				)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				if a.flush(ctx, batch) {
					batch = nil
				}
			}
		}
	}
}

func (a *Appender) flush(ctx context.Context, batch []Item) bool {
	if err := a.sink.AppendBatch(ctx, batch); err != nil {
		a.logger.Error("bulk batch flush failed", zap.Error(err))
		return false
	}
	metrics.BatchSize.WithLabelValues("bulk").Observe(float64(len(batch)))
	return true
}

// AppendBatch writes a batch of completions in one transaction. Items
// whose session was closed or expired mid-scan are dropped rather than
// poisoning the batch.
func (s *Store) AppendBatch(ctx context.Context, items []Item) error {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock each session once, in token order for a stable lock order.
	tokens := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if !seen[item.Token] {
			seen[item.Token] = true
			tokens = append(tokens, item.Token)
		}
	}
	sort.Strings(tokens)

	sessions := make(map[string]*model.BulkSession, len(tokens))
	for _, token := range tokens {
		sess, err := lockSession(ctx, tx, token)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if requireOpen(sess) == nil {
			sessions[token] = sess
		}
	}

	for _, item := range items {
		sess, ok := sessions[item.Token]
		if !ok {
			s.logger.Warn("dropping completion for closed session",
				zap.String("token", item.Token),
			)
			continue
		}
		if item.Failure != nil {
			f := item.Failure
			if _, err := tx.Exec(ctx, `
				INSERT INTO bulk_scan_failures (token, guild_id, image_filename, image_url, error_message,
					message_timestamp, discord_message_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				item.Token, sess.GuildID, f.ImageFilename, f.ImageURL, f.ErrorMessage,
				f.MessageTimestamp, f.DiscordMessageID,
			); err != nil {
				return fmt.Errorf("append failure: %w", err)
			}
			continue
		}

		r := item.Result
		if r.RaceCount == 0 {
			r.RaceCount = model.DefaultRaceCount
		}
		detected, err := json.Marshal(r.DetectedPlayers)
		if err != nil {
			return fmt.Errorf("marshal detected players: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO bulk_scan_results (token, guild_id, image_filename, image_url, detected_players,
				review_status, race_count, raw_boxes, message_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			item.Token, sess.GuildID, r.ImageFilename, r.ImageURL, detected,
			model.ReviewPending, r.RaceCount, item.RawBoxes, r.MessageTimestamp,
		); err != nil {
			return fmt.Errorf("append result: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("bulk", "batch").Observe(time.Since(start).Seconds())
	return nil
}
