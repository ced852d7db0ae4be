// Package war persists war records and keeps the per-player aggregates
// reconciled with the underlying rows. Every mutation updates aggregates
// in the same transaction, under row locks on the players involved.
package war

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkw-stats/war-ingester/internal/db"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/model"
	"go.uber.org/zap"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// AddWar inserts one war with its players and updates aggregates, all in
// one transaction. Unknown player names are rejected; the review path
// auto-creates players before calling InsertWarTx directly.
func (s *Store) AddWar(ctx context.Context, guildID int64, players []model.WarPlayer, raceCount int, at time.Time, source string) (*model.War, error) {
	var war *model.War
	err := db.WithRetry(ctx, s.logger, "add_war", func(ctx context.Context) error {
		start := time.Now()
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		war, err = InsertWarTx(ctx, tx, guildID, players, raceCount, at, false)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		metrics.DBWriteDuration.WithLabelValues("war", "add").Observe(time.Since(start).Seconds())
		metrics.WarsWrittenTotal.WithLabelValues("insert", source).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return war, nil
}

// InsertWarTx inserts a war inside a caller-provided transaction. With
// autoCreate, names missing from the roster are created as Member /
// Unassigned before the lock pass; without it they are a validation
// error. Player rows are locked in name order so concurrent inserts
// touching overlapping rosters cannot deadlock.
func InsertWarTx(ctx context.Context, tx pgx.Tx, guildID int64, players []model.WarPlayer, raceCount int, at time.Time, autoCreate bool) (*model.War, error) {
	players, err := NormalizePlayers(players, raceCount)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now()
	}

	names := make([]string, len(players))
	for i, p := range players {
		names[i] = p.Name
	}
	sort.Strings(names)

	if autoCreate {
		for _, name := range names {
			if _, err := tx.Exec(ctx, `
				INSERT INTO players (guild_id, player_name, member_status, team)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (guild_id, player_name) DO NOTHING`,
				guildID, name, model.StatusMember, model.UnassignedTeam,
			); err != nil {
				return nil, fmt.Errorf("auto-create player %q: %w", name, err)
			}
		}
	}

	if err := lockPlayers(ctx, tx, guildID, names); err != nil {
		return nil, err
	}

	teamScore := model.TeamScore(players)
	diff := model.TeamDifferential(players, raceCount)

	war := &model.War{
		GuildID:          guildID,
		RaceCount:        raceCount,
		TeamScore:        teamScore,
		TeamDifferential: diff,
		CreatedAt:        at,
		Players:          players,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO wars (guild_id, race_count, team_score, team_differential, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		guildID, raceCount, teamScore, diff, at,
	).Scan(&war.ID)
	if err != nil {
		return nil, fmt.Errorf("insert war: %w", err)
	}

	for _, p := range players {
		if _, err := tx.Exec(ctx, `
			INSERT INTO war_players (war_id, guild_id, player_name, score, races_played)
			VALUES ($1, $2, $3, $4, $5)`,
			war.ID, guildID, p.Name, p.Score, p.RacesPlayed,
		); err != nil {
			return nil, fmt.Errorf("insert war player %q: %w", p.Name, err)
		}
		if err := applyAggregates(ctx, tx, guildID, p.Name, p.Score, p.RacesPlayed, raceCount, diff, &at); err != nil {
			return nil, err
		}
	}
	return war, nil
}

// AppendPlayers adds players to an existing war and reconciles the war's
// totals and every affected aggregate in one transaction.
func (s *Store) AppendPlayers(ctx context.Context, guildID, warID int64, players []model.WarPlayer) (*model.War, error) {
	var out *model.War
	err := db.WithRetry(ctx, s.logger, "append_players", func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		war, err := getWarTx(ctx, tx, guildID, warID, true)
		if err != nil {
			return err
		}
		players, err := NormalizePlayers(players, war.RaceCount)
		if err != nil {
			return err
		}
		for _, p := range players {
			for _, existing := range war.Players {
				if existing.Name == p.Name {
					return model.Validationf("player %q is already in war %d", p.Name, warID)
				}
			}
		}

		names := make([]string, len(players))
		for i, p := range players {
			names[i] = p.Name
		}
		sort.Strings(names)
		if err := lockPlayers(ctx, tx, guildID, names); err != nil {
			return err
		}

		all := append(append([]model.WarPlayer{}, war.Players...), players...)
		newScore := model.TeamScore(all)
		newDiff := model.TeamDifferential(all, war.RaceCount)
		diffDelta := newDiff - war.TeamDifferential

		// Every existing player's team differential shifts with the war's.
		for _, p := range war.Players {
			if _, err := tx.Exec(ctx, `
				UPDATE players SET total_team_differential = total_team_differential + $3, updated_at = now()
				WHERE guild_id = $1 AND player_name = $2`,
				guildID, p.Name, diffDelta,
			); err != nil {
				return fmt.Errorf("shift differential for %q: %w", p.Name, err)
			}
		}

		for _, p := range players {
			if _, err := tx.Exec(ctx, `
				INSERT INTO war_players (war_id, guild_id, player_name, score, races_played)
				VALUES ($1, $2, $3, $4, $5)`,
				warID, guildID, p.Name, p.Score, p.RacesPlayed,
			); err != nil {
				return fmt.Errorf("insert war player %q: %w", p.Name, err)
			}
			if err := applyAggregates(ctx, tx, guildID, p.Name, p.Score, p.RacesPlayed, war.RaceCount, newDiff, &war.CreatedAt); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE wars SET team_score = $3, team_differential = $4 WHERE guild_id = $1 AND id = $2`,
			guildID, warID, newScore, newDiff,
		); err != nil {
			return fmt.Errorf("update war totals: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		war.Players = all
		war.TeamScore = newScore
		war.TeamDifferential = newDiff
		out = war
		metrics.WarsWrittenTotal.WithLabelValues("append", "command").Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveWar reverses each player's statistical contribution, recomputes
// last_war_date from the remaining wars, then deletes the war.
func (s *Store) RemoveWar(ctx context.Context, guildID, warID int64) error {
	return db.WithRetry(ctx, s.logger, "remove_war", func(ctx context.Context) error {
		start := time.Now()
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		war, err := getWarTx(ctx, tx, guildID, warID, true)
		if err != nil {
			return err
		}

		names := make([]string, len(war.Players))
		for i, p := range war.Players {
			names[i] = p.Name
		}
		sort.Strings(names)
		if err := lockPlayers(ctx, tx, guildID, names); err != nil {
			return err
		}

		for _, p := range war.Players {
			if err := applyAggregates(ctx, tx, guildID, p.Name, -p.Score, -p.RacesPlayed, war.RaceCount, -war.TeamDifferential, nil); err != nil {
				return err
			}
			// last_war_date cannot be rolled back incrementally; recompute
			// from the remaining wars.
			if _, err := tx.Exec(ctx, `
				UPDATE players SET last_war_date = (
					SELECT max(w.created_at) FROM wars w
					JOIN war_players wp ON wp.war_id = w.id
					WHERE w.guild_id = $1 AND wp.player_name = $2 AND w.id <> $3
				), updated_at = now()
				WHERE guild_id = $1 AND player_name = $2`,
				guildID, p.Name, warID,
			); err != nil {
				return fmt.Errorf("recompute last_war_date for %q: %w", p.Name, err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM wars WHERE guild_id = $1 AND id = $2`, guildID, warID); err != nil {
			return fmt.Errorf("delete war: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		metrics.DBWriteDuration.WithLabelValues("war", "remove").Observe(time.Since(start).Seconds())
		metrics.WarsWrittenTotal.WithLabelValues("remove", "command").Inc()
		return nil
	})
}

// applyAggregates shifts one player's aggregates by the war deltas.
// Negative deltas revert a removal. A nil timestamp skips the
// last_war_date update (the removal path recomputes it separately).
func applyAggregates(ctx context.Context, tx pgx.Tx, guildID int64, name string, score, races, raceCount, diff int, at *time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE players SET
			total_score             = total_score + $3,
			total_races             = total_races + $4,
			war_count               = round(war_count + $4::numeric / $5, 2),
			average_score           = CASE
				WHEN round(war_count + $4::numeric / $5, 2) > 0
				THEN (total_score + $3)::float8 / round(war_count + $4::numeric / $5, 2)::float8
				ELSE 0 END,
			total_team_differential = total_team_differential + $6,
			last_war_date           = CASE WHEN $7::timestamptz IS NULL THEN last_war_date
				ELSE GREATEST(coalesce(last_war_date, $7::timestamptz), $7::timestamptz) END,
			updated_at              = now()
		WHERE guild_id = $1 AND player_name = $2`,
		guildID, name, score, races, raceCount, diff, at,
	)
	if err != nil {
		return fmt.Errorf("update aggregates for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return model.Validationf("unknown player %q", name)
	}
	return nil
}

func lockPlayers(ctx context.Context, tx pgx.Tx, guildID int64, sortedNames []string) error {
	rows, err := tx.Query(ctx, `
		SELECT player_name FROM players
		WHERE guild_id = $1 AND player_name = ANY($2)
		ORDER BY player_name
		FOR UPDATE`,
		guildID, sortedNames,
	)
	if err != nil {
		return fmt.Errorf("lock players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetWar loads one war with its players.
func (s *Store) GetWar(ctx context.Context, guildID, warID int64) (*model.War, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	war, err := getWarTx(ctx, tx, guildID, warID, false)
	if err != nil {
		return nil, err
	}
	return war, tx.Commit(ctx)
}

func getWarTx(ctx context.Context, tx pgx.Tx, guildID, warID int64, forUpdate bool) (*model.War, error) {
	q := `SELECT id, guild_id, race_count, team_score, team_differential, created_at
		FROM wars WHERE guild_id = $1 AND id = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var w model.War
	err := tx.QueryRow(ctx, q, guildID, warID).
		Scan(&w.ID, &w.GuildID, &w.RaceCount, &w.TeamScore, &w.TeamDifferential, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("war %d: %w", warID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load war: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT player_name, score, races_played FROM war_players WHERE war_id = $1 ORDER BY id`,
		warID,
	)
	if err != nil {
		return nil, fmt.Errorf("load war players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.WarPlayer
		if err := rows.Scan(&p.Name, &p.Score, &p.RacesPlayed); err != nil {
			return nil, err
		}
		w.Players = append(w.Players, p)
	}
	return &w, rows.Err()
}

// ListWars returns one page of wars, newest first, with embedded players
// and the guild's total war count.
func (s *Store) ListWars(ctx context.Context, guildID int64, page, limit int) ([]model.War, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM wars WHERE guild_id = $1`, guildID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count wars: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, guild_id, race_count, team_score, team_differential, created_at
		FROM wars WHERE guild_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		guildID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list wars: %w", err)
	}
	defer rows.Close()

	var wars []model.War
	ids := make([]int64, 0, limit)
	byID := make(map[int64]int)
	for rows.Next() {
		var w model.War
		if err := rows.Scan(&w.ID, &w.GuildID, &w.RaceCount, &w.TeamScore, &w.TeamDifferential, &w.CreatedAt); err != nil {
			return nil, 0, err
		}
		byID[w.ID] = len(wars)
		wars = append(wars, w)
		ids = append(ids, w.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return wars, total, nil
	}

	prows, err := s.pool.Query(ctx,
		`SELECT war_id, player_name, score, races_played FROM war_players WHERE war_id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list war players: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var warID int64
		var p model.WarPlayer
		if err := prows.Scan(&warID, &p.Name, &p.Score, &p.RacesPlayed); err != nil {
			return nil, 0, err
		}
		if i, ok := byID[warID]; ok {
			wars[i].Players = append(wars[i].Players, p)
		}
	}
	return wars, total, prows.Err()
}

// NormalizePlayers validates a war line-up and fills races_played with
// the race count where omitted.
func NormalizePlayers(players []model.WarPlayer, raceCount int) ([]model.WarPlayer, error) {
	if err := model.CheckRaceCount(raceCount); err != nil {
		return nil, err
	}
	if len(players) == 0 {
		return nil, model.Validationf("a war needs at least one player")
	}

	out := make([]model.WarPlayer, len(players))
	seen := make(map[string]bool, len(players))
	for i, p := range players {
		if p.Name == "" {
			return nil, model.Validationf("player name must not be empty")
		}
		if seen[p.Name] {
			return nil, model.Validationf("player %q listed twice", p.Name)
		}
		seen[p.Name] = true
		if p.Score < 0 || p.Score > 999 {
			return nil, model.Validationf("score for %q must be 0..999, got %d", p.Name, p.Score)
		}
		if p.RacesPlayed == 0 {
			p.RacesPlayed = raceCount
		}
		if p.RacesPlayed < 0 || p.RacesPlayed > raceCount {
			return nil, model.Validationf("races played for %q must be 1..%d, got %d", p.Name, raceCount, p.RacesPlayed)
		}
		out[i] = p
	}
	return out, nil
}
