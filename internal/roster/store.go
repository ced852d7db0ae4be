// Package roster persists guild configuration, players, teams, and
// nicknames, and serves roster snapshots to the name resolver through a
// versioned read-through cache.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/resolve"
	"go.uber.org/zap"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	cache  *snapshotCache
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger,
		cache:  newSnapshotCache(defaultSnapshotTTL),
	}
}

const playerColumns = `id, guild_id, player_name, nicknames, team, member_status, is_active,
	total_score, total_races, war_count, average_score, total_team_differential, last_war_date`

// SetupGuild creates or updates the tenant row. Called by /setup; the
// guild is never destroyed afterwards.
func (s *Store) SetupGuild(ctx context.Context, cfg model.GuildConfig) error {
	teams, err := json.Marshal(cfg.TeamNames)
	if err != nil {
		return fmt.Errorf("marshal team names: %w", err)
	}
	start := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO guild_configs (guild_id, guild_name, ocr_channel_id, team_names, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (guild_id) DO UPDATE SET
			guild_name     = EXCLUDED.guild_name,
			ocr_channel_id = EXCLUDED.ocr_channel_id,
			team_names     = EXCLUDED.team_names,
			is_active      = TRUE,
			updated_at     = now()`,
		cfg.GuildID, cfg.GuildName, cfg.OCRChannelID, teams,
	)
	if err != nil {
		return fmt.Errorf("upsert guild config: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("roster", "setup_guild").Observe(time.Since(start).Seconds())
	return nil
}

// SetOCRChannel points the guild's auto-scan at a different channel.
func (s *Store) SetOCRChannel(ctx context.Context, guildID, channelID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE guild_configs SET ocr_channel_id = $2, updated_at = now() WHERE guild_id = $1`,
		guildID, channelID,
	)
	if err != nil {
		return fmt.Errorf("set ocr channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("guild %d: %w", guildID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) GetGuild(ctx context.Context, guildID int64) (*model.GuildConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT guild_id, guild_name, ocr_channel_id, team_names, is_active, created_at
		FROM guild_configs WHERE guild_id = $1`, guildID)
	return scanGuild(row)
}

// ListGuilds returns the config rows for the given guild ids, skipping
// ids with no row. Used to enrich the caller's memberships.
func (s *Store) ListGuilds(ctx context.Context, guildIDs []int64) ([]model.GuildConfig, error) {
	if len(guildIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT guild_id, guild_name, ocr_channel_id, team_names, is_active, created_at
		FROM guild_configs WHERE guild_id = ANY($1) ORDER BY guild_id`, guildIDs)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()

	var out []model.GuildConfig
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGuild(row pgx.Row) (*model.GuildConfig, error) {
	var g model.GuildConfig
	var teams []byte
	err := row.Scan(&g.GuildID, &g.GuildName, &g.OCRChannelID, &teams, &g.IsActive, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan guild: %w", err)
	}
	if err := json.Unmarshal(teams, &g.TeamNames); err != nil {
		return nil, fmt.Errorf("decode team names: %w", err)
	}
	return &g, nil
}

// CreatePlayer adds a roster member. Re-adding an inactive player
// reactivates the existing row and keeps its statistics.
func (s *Store) CreatePlayer(ctx context.Context, guildID int64, name string, status model.MemberStatus) (*model.Player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, model.Validationf("player name must not be empty")
	}
	if status == "" {
		status = model.StatusMember
	}
	if !model.ValidMemberStatus(string(status)) {
		return nil, model.Validationf("unknown member status %q", status)
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO players (guild_id, player_name, member_status)
		VALUES ($1, $2, $3)
		RETURNING `+playerColumns,
		guildID, name, status,
	)
	p, err := scanPlayer(row)
	if isUniqueViolation(err) {
		return s.reactivatePlayer(ctx, guildID, name, status)
	}
	if err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("roster", "create_player").Observe(time.Since(start).Seconds())
	s.cache.bump(guildID)
	return p, nil
}

func (s *Store) reactivatePlayer(ctx context.Context, guildID int64, name string, status model.MemberStatus) (*model.Player, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE players SET is_active = TRUE, member_status = $3, updated_at = now()
		WHERE guild_id = $1 AND player_name = $2 AND is_active = FALSE
		RETURNING `+playerColumns,
		guildID, name, status,
	)
	p, err := scanPlayer(row)
	if errors.Is(err, model.ErrNotFound) {
		// Row exists and is active.
		return nil, fmt.Errorf("player %q: %w", name, model.ErrDuplicatePlayer)
	}
	if err != nil {
		return nil, fmt.Errorf("reactivate player: %w", err)
	}
	s.cache.bump(guildID)
	return p, nil
}

// RemovePlayer deactivates the member. Statistics and war rows are kept.
func (s *Store) RemovePlayer(ctx context.Context, guildID int64, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE players SET is_active = FALSE, updated_at = now()
		WHERE guild_id = $1 AND player_name = $2 AND is_active = TRUE`,
		guildID, name,
	)
	if err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}
	s.cache.bump(guildID)
	return nil
}

// SetMemberStatus changes the membership class. Setting kicked also
// deactivates the player; any other status reactivates.
func (s *Store) SetMemberStatus(ctx context.Context, guildID int64, name string, status model.MemberStatus) error {
	if !model.ValidMemberStatus(string(status)) {
		return model.Validationf("unknown member status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE players SET member_status = $3, is_active = ($3 <> 'kicked'), updated_at = now()
		WHERE guild_id = $1 AND player_name = $2`,
		guildID, name, status,
	)
	if err != nil {
		return fmt.Errorf("set member status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}
	s.cache.bump(guildID)
	return nil
}

func (s *Store) GetPlayer(ctx context.Context, guildID int64, name string) (*model.Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE guild_id = $1 AND player_name = $2`,
		guildID, name,
	)
	p, err := scanPlayer(row)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}
	return p, err
}

// ListPlayers returns the guild roster ordered by name. Inactive members
// are excluded unless requested.
func (s *Store) ListPlayers(ctx context.Context, guildID int64, includeInactive bool) ([]model.Player, error) {
	q := `SELECT ` + playerColumns + ` FROM players WHERE guild_id = $1`
	if !includeInactive {
		q += ` AND is_active = TRUE`
	}
	q += ` ORDER BY player_name`

	rows, err := s.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListPlayersByStatus filters the active roster by membership class, for
// the trials and kicked listings.
func (s *Store) ListPlayersByStatus(ctx context.Context, guildID int64, status model.MemberStatus) ([]model.Player, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+playerColumns+` FROM players WHERE guild_id = $1 AND member_status = $2 ORDER BY player_name`,
		guildID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list players by status: %w", err)
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// AddNickname attaches an alias to a player. Nicknames are unique
// case-insensitively across the whole guild, canonical names included, so
// resolution stays deterministic.
func (s *Store) AddNickname(ctx context.Context, guildID int64, name, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return model.Validationf("nickname must not be empty")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM players
			WHERE guild_id = $1 AND lower(player_name) = lower($2)
		) OR EXISTS (
			SELECT 1 FROM players p, jsonb_array_elements_text(p.nicknames) nick
			WHERE p.guild_id = $1 AND lower(nick) = lower($2)
		)`,
		guildID, nickname,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check nickname uniqueness: %w", err)
	}
	if taken {
		return fmt.Errorf("%q: %w", nickname, model.ErrDuplicateNickname)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE players SET nicknames = nicknames || to_jsonb($3::text), updated_at = now()
		WHERE guild_id = $1 AND player_name = $2`,
		guildID, name, nickname,
	)
	if err != nil {
		return fmt.Errorf("add nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.cache.bump(guildID)
	return nil
}

// RemoveNickname detaches an alias, matched case-insensitively.
func (s *Store) RemoveNickname(ctx context.Context, guildID int64, name, nickname string) error {
	nicks, err := s.Nicknames(ctx, guildID, name)
	if err != nil {
		return err
	}
	kept := nicks[:0]
	removed := false
	for _, n := range nicks {
		if strings.EqualFold(n, nickname) {
			removed = true
			continue
		}
		kept = append(kept, n)
	}
	if !removed {
		return model.Validationf("player %q has no nickname %q", name, nickname)
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("marshal nicknames: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE players SET nicknames = $3, updated_at = now()
		WHERE guild_id = $1 AND player_name = $2`,
		guildID, name, encoded,
	)
	if err != nil {
		return fmt.Errorf("remove nickname: %w", err)
	}
	s.cache.bump(guildID)
	return nil
}

func (s *Store) Nicknames(ctx context.Context, guildID int64, name string) ([]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT nicknames FROM players WHERE guild_id = $1 AND player_name = $2`,
		guildID, name,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get nicknames: %w", err)
	}
	var nicks []string
	if err := json.Unmarshal(raw, &nicks); err != nil {
		return nil, fmt.Errorf("decode nicknames: %w", err)
	}
	return nicks, nil
}

// AddTeam appends a team name to the guild's list. Team names are unique
// case-insensitively within the guild.
func (s *Store) AddTeam(ctx context.Context, guildID int64, team string) error {
	team = strings.TrimSpace(team)
	if team == "" || strings.EqualFold(team, model.UnassignedTeam) {
		return model.Validationf("invalid team name %q", team)
	}
	return s.mutateTeams(ctx, guildID, func(teams []string) ([]string, error) {
		for _, t := range teams {
			if strings.EqualFold(t, team) {
				return nil, model.Validationf("team %q already exists", team)
			}
		}
		return append(teams, team), nil
	}, nil)
}

// RemoveTeam drops the team and moves its players to Unassigned.
func (s *Store) RemoveTeam(ctx context.Context, guildID int64, team string) error {
	return s.mutateTeams(ctx, guildID, func(teams []string) ([]string, error) {
		kept := teams[:0]
		found := false
		for _, t := range teams {
			if strings.EqualFold(t, team) {
				found = true
				continue
			}
			kept = append(kept, t)
		}
		if !found {
			return nil, model.Validationf("unknown team %q", team)
		}
		return kept, nil
	}, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE players SET team = $3, updated_at = now()
			WHERE guild_id = $1 AND lower(team) = lower($2)`,
			guildID, team, model.UnassignedTeam,
		)
		return err
	})
}

// RenameTeam renames the team in the guild list and on every player row.
func (s *Store) RenameTeam(ctx context.Context, guildID int64, oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" || strings.EqualFold(newName, model.UnassignedTeam) {
		return model.Validationf("invalid team name %q", newName)
	}
	return s.mutateTeams(ctx, guildID, func(teams []string) ([]string, error) {
		found := false
		for i, t := range teams {
			if strings.EqualFold(t, newName) && !strings.EqualFold(t, oldName) {
				return nil, model.Validationf("team %q already exists", newName)
			}
			if strings.EqualFold(t, oldName) {
				teams[i] = newName
				found = true
			}
		}
		if !found {
			return nil, model.Validationf("unknown team %q", oldName)
		}
		return teams, nil
	}, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE players SET team = $3, updated_at = now()
			WHERE guild_id = $1 AND lower(team) = lower($2)`,
			guildID, oldName, newName,
		)
		return err
	})
}

// mutateTeams edits the team_names list under a row lock, then runs the
// optional player-side fixup in the same transaction.
func (s *Store) mutateTeams(ctx context.Context, guildID int64, edit func([]string) ([]string, error), fixup func(context.Context, pgx.Tx) error) error {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT team_names FROM guild_configs WHERE guild_id = $1 FOR UPDATE`, guildID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("guild %d: %w", guildID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock guild config: %w", err)
	}

	var teams []string
	if err := json.Unmarshal(raw, &teams); err != nil {
		return fmt.Errorf("decode team names: %w", err)
	}
	teams, err = edit(teams)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(teams)
	if err != nil {
		return fmt.Errorf("marshal team names: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE guild_configs SET team_names = $2, updated_at = now() WHERE guild_id = $1`,
		guildID, encoded,
	); err != nil {
		return fmt.Errorf("update team names: %w", err)
	}
	if fixup != nil {
		if err := fixup(ctx, tx); err != nil {
			return fmt.Errorf("update players for team change: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("roster", "mutate_teams").Observe(time.Since(start).Seconds())
	s.cache.bump(guildID)
	return nil
}

// AssignTeam moves the named players onto a team. All names must exist;
// the team must be in the guild's list.
func (s *Store) AssignTeam(ctx context.Context, guildID int64, names []string, team string) error {
	if len(names) == 0 {
		return model.Validationf("no players given")
	}
	cfg, err := s.GetGuild(ctx, guildID)
	if err != nil {
		return err
	}
	canonical := ""
	for _, t := range cfg.TeamNames {
		if strings.EqualFold(t, team) {
			canonical = t
			break
		}
	}
	if canonical == "" {
		return model.Validationf("unknown team %q", team)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, name := range names {
		tag, err := tx.Exec(ctx, `
			UPDATE players SET team = $3, updated_at = now()
			WHERE guild_id = $1 AND player_name = $2 AND is_active = TRUE`,
			guildID, name, canonical,
		)
		if err != nil {
			return fmt.Errorf("assign %q: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("player %q: %w", name, model.ErrNotFound)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.cache.bump(guildID)
	return nil
}

// UnassignTeam moves the player back to Unassigned.
func (s *Store) UnassignTeam(ctx context.Context, guildID int64, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE players SET team = $3, updated_at = now()
		WHERE guild_id = $1 AND player_name = $2`,
		guildID, name, model.UnassignedTeam,
	)
	if err != nil {
		return fmt.Errorf("unassign team: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}
	s.cache.bump(guildID)
	return nil
}

// TeamRoster lists the active players on one team.
func (s *Store) TeamRoster(ctx context.Context, guildID int64, team string) ([]model.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+playerColumns+` FROM players
		WHERE guild_id = $1 AND lower(team) = lower($2) AND is_active = TRUE
		ORDER BY player_name`,
		guildID, team,
	)
	if err != nil {
		return nil, fmt.Errorf("team roster: %w", err)
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Snapshot returns the resolver's view of the active roster, served from
// the cache while the guild version is unchanged.
func (s *Store) Snapshot(ctx context.Context, guildID int64) (*resolve.Snapshot, error) {
	if snap, ok := s.cache.get(guildID); ok {
		return snap, nil
	}
	version := s.cache.version(guildID)

	rows, err := s.pool.Query(ctx,
		`SELECT player_name, nicknames FROM players WHERE guild_id = $1 AND is_active = TRUE`,
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("load roster snapshot: %w", err)
	}
	defer rows.Close()

	var entries []resolve.Entry
	for rows.Next() {
		var e resolve.Entry
		var raw []byte
		if err := rows.Scan(&e.Name, &raw); err != nil {
			return nil, fmt.Errorf("scan roster entry: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Nicknames); err != nil {
			return nil, fmt.Errorf("decode nicknames: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap := resolve.NewSnapshot(entries)
	s.cache.put(guildID, version, snap)
	return snap, nil
}

func scanPlayer(row pgx.Row) (*model.Player, error) {
	var p model.Player
	var nicks []byte
	err := row.Scan(&p.ID, &p.GuildID, &p.Name, &nicks, &p.Team, &p.MemberStatus, &p.IsActive,
		&p.TotalScore, &p.TotalRaces, &p.WarCount, &p.AverageScore, &p.TotalTeamDifferential, &p.LastWarDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan player: %w", err)
	}
	if err := json.Unmarshal(nicks, &p.Nicknames); err != nil {
		return nil, fmt.Errorf("decode nicknames: %w", err)
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
