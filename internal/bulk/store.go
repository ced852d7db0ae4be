// Package bulk persists bulk scan review sessions and materializes
// approved results into war records on confirmation.
package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkw-stats/war-ingester/internal/db"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/war"
	"go.uber.org/zap"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// ConfirmOutcome is the result of materializing a session.
type ConfirmOutcome struct {
	WarsCreated int     `json:"wars_created"`
	WarIDs      []int64 `json:"war_ids"`
}

// CreateSession opens a review session with the 24h TTL. A non-empty
// nonce makes the call idempotent per (guild, creator, nonce): a retry
// carrying the same nonce gets the already-open session back instead of
// a duplicate.
func (s *Store) CreateSession(ctx context.Context, guildID, createdBy int64, totalImages int, nonce string) (*model.BulkSession, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &model.BulkSession{
		Token:       token,
		GuildID:     guildID,
		CreatedBy:   createdBy,
		Status:      model.SessionOpen,
		TotalImages: totalImages,
		CreatedAt:   now,
		ExpiresAt:   now.Add(model.SessionTTL),
	}
	var nonceVal *string
	if nonce != "" {
		nonceVal = &nonce
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bulk_scan_sessions (token, guild_id, created_by, status, total_images, creation_nonce, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.Token, sess.GuildID, sess.CreatedBy, sess.Status, sess.TotalImages, nonceVal, sess.CreatedAt, sess.ExpiresAt,
	)
	if isUniqueViolation(err) && nonce != "" {
		return s.sessionByNonce(ctx, guildID, createdBy, nonce)
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues("created").Inc()
	return sess, nil
}

// sessionByNonce loads the session a concurrent or earlier create with
// the same nonce already opened.
func (s *Store) sessionByNonce(ctx context.Context, guildID, createdBy int64, nonce string) (*model.BulkSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, guild_id, created_by, status, total_images, created_at, expires_at
		FROM bulk_scan_sessions
		WHERE guild_id = $1 AND created_by = $2 AND creation_nonce = $3`,
		guildID, createdBy, nonce)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("load session by nonce: %w", err)
	}
	return sess, nil
}

// AppendResult adds one OCR output to an open session as pending.
func (s *Store) AppendResult(ctx context.Context, token string, r *model.BulkResult, rawBoxes []byte) (int64, error) {
	if r.RaceCount == 0 {
		r.RaceCount = model.DefaultRaceCount
	}
	if err := model.CheckRaceCount(r.RaceCount); err != nil {
		return 0, err
	}
	detected, err := json.Marshal(r.DetectedPlayers)
	if err != nil {
		return 0, fmt.Errorf("marshal detected players: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSession(ctx, tx, token)
	if err != nil {
		return 0, err
	}
	if err := requireOpen(sess); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO bulk_scan_results (token, guild_id, image_filename, image_url, detected_players,
			review_status, race_count, raw_boxes, message_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		token, sess.GuildID, r.ImageFilename, r.ImageURL, detected,
		model.ReviewPending, r.RaceCount, rawBoxes, r.MessageTimestamp,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append result: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// AppendFailure adds one unreadable image to an open session.
func (s *Store) AppendFailure(ctx context.Context, token string, f *model.BulkFailure) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSession(ctx, tx, token)
	if err != nil {
		return 0, err
	}
	if err := requireOpen(sess); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO bulk_scan_failures (token, guild_id, image_filename, image_url, error_message,
			message_timestamp, discord_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		token, sess.GuildID, f.ImageFilename, f.ImageURL, f.ErrorMessage, f.MessageTimestamp, f.DiscordMessageID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append failure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// GetSession loads the session row alone.
func (s *Store) GetSession(ctx context.Context, token string) (*model.BulkSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, guild_id, created_by, status, total_images, created_at, expires_at
		FROM bulk_scan_sessions WHERE token = $1`, token)
	return scanSession(row)
}

// GetSessionFull loads the session with its results and failures, both in
// append order.
func (s *Store) GetSessionFull(ctx context.Context, token string) (*model.BulkSession, []model.BulkResult, []model.BulkFailure, error) {
	sess, err := s.GetSession(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, token, image_filename, image_url, detected_players, corrected_players,
			review_status, race_count, message_timestamp
		FROM bulk_scan_results WHERE token = $1 ORDER BY id`, token)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load results: %w", err)
	}
	defer rows.Close()

	var results []model.BulkResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, nil, nil, err
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	frows, err := s.pool.Query(ctx, `
		SELECT id, token, image_filename, image_url, error_message, message_timestamp, discord_message_id
		FROM bulk_scan_failures WHERE token = $1 ORDER BY id`, token)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load failures: %w", err)
	}
	defer frows.Close()

	var failures []model.BulkFailure
	for frows.Next() {
		var f model.BulkFailure
		if err := frows.Scan(&f.ID, &f.SessionToken, &f.ImageFilename, &f.ImageURL,
			&f.ErrorMessage, &f.MessageTimestamp, &f.DiscordMessageID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	return sess, results, failures, frows.Err()
}

// UpdateResult sets the review state of one result, optionally replacing
// its corrections and race count. Moving back to pending is allowed
// while the session is open; raceCount 0 leaves the stored value alone.
func (s *Store) UpdateResult(ctx context.Context, token string, resultID int64, status model.ReviewStatus, corrected []model.DetectedPlayer, raceCount int) error {
	if !model.ValidReviewStatus(string(status)) {
		return model.Validationf("unknown review status %q", status)
	}
	if raceCount != 0 {
		if err := model.CheckRaceCount(raceCount); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSession(ctx, tx, token)
	if err != nil {
		return err
	}
	if err := requireOpen(sess); err != nil {
		return err
	}

	var tag string
	var args []any
	if corrected != nil {
		encoded, err := json.Marshal(corrected)
		if err != nil {
			return fmt.Errorf("marshal corrected players: %w", err)
		}
		tag = `UPDATE bulk_scan_results
			SET review_status = $3, corrected_players = $4,
				race_count = CASE WHEN $5 > 0 THEN $5 ELSE race_count END
			WHERE token = $1 AND id = $2`
		args = []any{token, resultID, status, encoded, raceCount}
	} else {
		tag = `UPDATE bulk_scan_results
			SET review_status = $3,
				race_count = CASE WHEN $4 > 0 THEN $4 ELSE race_count END
			WHERE token = $1 AND id = $2`
		args = []any{token, resultID, status, raceCount}
	}
	res, err := tx.Exec(ctx, tag, args...)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("result %d: %w", resultID, model.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// ConvertFailure replaces a failure row with a reviewer-entered result in
// one transaction.
func (s *Store) ConvertFailure(ctx context.Context, token string, failureID int64, players []model.DetectedPlayer, status model.ReviewStatus) (int64, error) {
	if !model.ValidReviewStatus(string(status)) {
		return 0, model.Validationf("unknown review status %q", status)
	}
	if len(players) == 0 {
		return 0, model.Validationf("a converted result needs at least one player")
	}
	encoded, err := json.Marshal(players)
	if err != nil {
		return 0, fmt.Errorf("marshal players: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSession(ctx, tx, token)
	if err != nil {
		return 0, err
	}
	if err := requireOpen(sess); err != nil {
		return 0, err
	}

	var filename, url string
	var ts *time.Time
	err = tx.QueryRow(ctx, `
		DELETE FROM bulk_scan_failures WHERE token = $1 AND id = $2
		RETURNING image_filename, image_url, message_timestamp`,
		token, failureID,
	).Scan(&filename, &url, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failure %d: %w", failureID, model.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("delete failure: %w", err)
	}

	var resultID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO bulk_scan_results (token, guild_id, image_filename, image_url, detected_players,
			review_status, race_count, message_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		token, sess.GuildID, filename, url, encoded, status, model.DefaultRaceCount, ts,
	).Scan(&resultID)
	if err != nil {
		return 0, fmt.Errorf("insert converted result: %w", err)
	}
	return resultID, tx.Commit(ctx)
}

// Confirm materializes every approved result into a war, ordered by
// result id, then marks the session confirmed. The whole operation is one
// serializable transaction retried on contention; it is idempotent under
// the open-state check. Zero approved results confirm successfully with
// zero wars.
func (s *Store) Confirm(ctx context.Context, token string) (*ConfirmOutcome, error) {
	var outcome *ConfirmOutcome
	err := db.WithRetry(ctx, s.logger, "confirm_session", func(ctx context.Context) error {
		start := time.Now()
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		sess, err := lockSession(ctx, tx, token)
		if err != nil {
			return err
		}
		if err := requireOpen(sess); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT id, token, image_filename, image_url, detected_players, corrected_players,
				review_status, race_count, message_timestamp
			FROM bulk_scan_results
			WHERE token = $1 AND review_status = $2
			ORDER BY id`,
			token, model.ReviewApproved,
		)
		if err != nil {
			return fmt.Errorf("load approved results: %w", err)
		}
		var approved []model.BulkResult
		for rows.Next() {
			r, err := scanResult(rows)
			if err != nil {
				rows.Close()
				return err
			}
			approved = append(approved, *r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		out := &ConfirmOutcome{}
		for _, r := range approved {
			players := r.EffectivePlayers()
			if len(players) == 0 {
				return model.Validationf("approved result %d has no players", r.ID)
			}
			lineup := make([]model.WarPlayer, len(players))
			for i, p := range players {
				lineup[i] = model.WarPlayer{Name: p.Name, Score: p.Score, RacesPlayed: p.RacesPlayed}
			}
			at := time.Time{}
			if r.MessageTimestamp != nil {
				at = *r.MessageTimestamp
			}
			w, err := war.InsertWarTx(ctx, tx, sess.GuildID, lineup, r.RaceCount, at, true)
			if err != nil {
				return fmt.Errorf("materialize result %d: %w", r.ID, err)
			}
			out.WarsCreated++
			out.WarIDs = append(out.WarIDs, w.ID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE bulk_scan_sessions SET status = $2 WHERE token = $1`,
			token, model.SessionConfirmed,
		); err != nil {
			return fmt.Errorf("mark session confirmed: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		metrics.DBWriteDuration.WithLabelValues("bulk", "confirm").Observe(time.Since(start).Seconds())
		metrics.SessionsTotal.WithLabelValues("confirmed").Inc()
		metrics.WarsWrittenTotal.WithLabelValues("insert", "bulk_confirm").Add(float64(out.WarsCreated))
		outcome = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bulk session confirmed",
		zap.String("token", token),
		zap.Int("wars_created", outcome.WarsCreated),
	)
	return outcome, nil
}

// Cancel marks an open session cancelled. Cancelling a session already in
// a terminal state is a no-op, so retries are safe.
func (s *Store) Cancel(ctx context.Context, token string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSession(ctx, tx, token)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionOpen {
		return tx.Rollback(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bulk_scan_sessions SET status = $2 WHERE token = $1`,
		token, model.SessionCancelled,
	); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues("cancelled").Inc()
	return nil
}

// SweepExpired marks open sessions past their TTL as expired and returns
// how many were swept.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bulk_scan_sessions SET status = $1
		WHERE status = $2 AND expires_at < now()`,
		model.SessionExpired, model.SessionOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		metrics.SessionsTotal.WithLabelValues("expired").Add(float64(n))
	}
	return n, nil
}

// lockSession loads the session row FOR UPDATE so status checks hold for
// the rest of the transaction.
func lockSession(ctx context.Context, tx pgx.Tx, token string) (*model.BulkSession, error) {
	row := tx.QueryRow(ctx, `
		SELECT token, guild_id, created_by, status, total_images, created_at, expires_at
		FROM bulk_scan_sessions WHERE token = $1 FOR UPDATE`, token)
	return scanSession(row)
}

// requireOpen enforces the open-state gate, distinguishing expiry (410)
// from other terminal states (409). A session past its TTL is treated as
// expired even before the sweep has run.
func requireOpen(sess *model.BulkSession) error {
	if sess.Status == model.SessionExpired {
		return model.ErrSessionExpired
	}
	if sess.Status != model.SessionOpen {
		return model.ErrSessionNotOpen
	}
	if time.Now().After(sess.ExpiresAt) {
		return model.ErrSessionExpired
	}
	return nil
}

func scanSession(row pgx.Row) (*model.BulkSession, error) {
	var sess model.BulkSession
	err := row.Scan(&sess.Token, &sess.GuildID, &sess.CreatedBy, &sess.Status,
		&sess.TotalImages, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanResult(row pgx.Row) (*model.BulkResult, error) {
	var r model.BulkResult
	var detected, corrected []byte
	err := row.Scan(&r.ID, &r.SessionToken, &r.ImageFilename, &r.ImageURL,
		&detected, &corrected, &r.ReviewStatus, &r.RaceCount, &r.MessageTimestamp)
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	if err := json.Unmarshal(detected, &r.DetectedPlayers); err != nil {
		return nil, fmt.Errorf("decode detected players: %w", err)
	}
	if len(corrected) > 0 {
		if err := json.Unmarshal(corrected, &r.CorrectedPlayers); err != nil {
			return nil, fmt.Errorf("decode corrected players: %w", err)
		}
	}
	return &r, nil
}
