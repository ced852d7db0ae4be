package war

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/mkw-stats/war-ingester/internal/model"
)

// Overview is the guild-wide stats summary.
type Overview struct {
	TotalWars           int     `json:"total_wars"`
	Wins                int     `json:"wins"`
	Losses              int     `json:"losses"`
	Ties                int     `json:"ties"`
	TotalPlayers        int     `json:"total_players"`
	AverageDifferential float64 `json:"average_differential"`
}

// LeaderboardRow is one player's line on the leaderboard.
type LeaderboardRow struct {
	Name                  string  `json:"name"`
	Team                  string  `json:"team"`
	TotalScore            int64   `json:"total_score"`
	TotalRaces            int     `json:"total_races"`
	WarCount              float64 `json:"war_count"`
	AverageScore          float64 `json:"average_score"`
	TotalTeamDifferential int64   `json:"total_team_differential"`
}

// leaderboard sort keys, whitelisted into ORDER BY clauses.
var sortColumns = map[string]string{
	"average_score":           "average_score DESC",
	"total_score":             "total_score DESC",
	"war_count":               "war_count DESC",
	"total_team_differential": "total_team_differential DESC",
}

// SortKey maps a requested sort to a known one, defaulting to
// average_score. The second return reports whether the input was known.
func SortKey(requested string) (string, bool) {
	if requested == "" {
		return "average_score", true
	}
	if _, ok := sortColumns[requested]; ok {
		return requested, true
	}
	return "average_score", false
}

func (s *Store) Overview(ctx context.Context, guildID int64) (*Overview, error) {
	var o Overview
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE team_differential > 0),
			count(*) FILTER (WHERE team_differential < 0),
			count(*) FILTER (WHERE team_differential = 0),
			coalesce(avg(team_differential), 0)
		FROM wars WHERE guild_id = $1`, guildID,
	).Scan(&o.TotalWars, &o.Wins, &o.Losses, &o.Ties, &o.AverageDifferential)
	if err != nil {
		return nil, fmt.Errorf("stats overview: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM players WHERE guild_id = $1 AND is_active = TRUE`, guildID,
	).Scan(&o.TotalPlayers)
	if err != nil {
		return nil, fmt.Errorf("count players: %w", err)
	}
	return &o, nil
}

// Leaderboard returns players ranked by the requested key. With lastN > 0
// the aggregates are recomputed over each player's most recent lastN wars
// only, without persisting anything.
func (s *Store) Leaderboard(ctx context.Context, guildID int64, sortKey string, limit, lastN int) ([]LeaderboardRow, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	order, ok := sortColumns[sortKey]
	if !ok {
		order = sortColumns["average_score"]
	}

	if lastN > 0 {
		return s.lastNLeaderboard(ctx, guildID, sortKey, limit, lastN)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT player_name, team, total_score, total_races, war_count, average_score, total_team_differential
		FROM players
		WHERE guild_id = $1 AND is_active = TRUE
		ORDER BY `+order+`, player_name
		LIMIT $2`,
		guildID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Name, &r.Team, &r.TotalScore, &r.TotalRaces, &r.WarCount, &r.AverageScore, &r.TotalTeamDifferential); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// lastNLeaderboard ranks each player over their most recent lastN wars.
// The window is per player, not guild-wide, so two players with disjoint
// war histories are each judged on their own last N.
func (s *Store) lastNLeaderboard(ctx context.Context, guildID int64, sortKey string, limit, lastN int) ([]LeaderboardRow, error) {
	rows, err := s.pool.Query(ctx, `
		WITH recent AS (
			SELECT wp.player_name, wp.score, wp.races_played,
				w.race_count, w.team_differential,
				row_number() OVER (PARTITION BY wp.player_name ORDER BY w.created_at DESC, w.id DESC) AS rn
			FROM war_players wp
			JOIN wars w ON w.id = wp.war_id
			WHERE w.guild_id = $1
		)
		SELECT p.player_name, p.team,
			coalesce(sum(r.score), 0),
			coalesce(sum(r.races_played), 0),
			coalesce(round(sum(r.races_played::numeric / r.race_count), 2), 0),
			coalesce(sum(r.team_differential), 0)
		FROM players p
		LEFT JOIN recent r ON r.player_name = p.player_name AND r.rn <= $2
		WHERE p.guild_id = $1 AND p.is_active = TRUE
		GROUP BY p.player_name, p.team`,
		guildID, lastN,
	)
	if err != nil {
		return nil, fmt.Errorf("lastN leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Name, &r.Team, &r.TotalScore, &r.TotalRaces, &r.WarCount, &r.TotalTeamDifferential); err != nil {
			return nil, err
		}
		if r.WarCount > 0 {
			r.AverageScore = float64(r.TotalScore) / r.WarCount
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortRows(out, sortKey)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortRows orders leaderboard rows by the given key, descending, with
// name as the stable tie-break.
func SortRows(rows []LeaderboardRow, sortKey string) {
	less := func(a, b LeaderboardRow) bool {
		switch sortKey {
		case "total_score":
			if a.TotalScore != b.TotalScore {
				return a.TotalScore > b.TotalScore
			}
		case "war_count":
			if a.WarCount != b.WarCount {
				return a.WarCount > b.WarCount
			}
		case "total_team_differential":
			if a.TotalTeamDifferential != b.TotalTeamDifferential {
				return a.TotalTeamDifferential > b.TotalTeamDifferential
			}
		default:
			if math.Abs(a.AverageScore-b.AverageScore) > 1e-9 {
				return a.AverageScore > b.AverageScore
			}
		}
		return a.Name < b.Name
	}
	sortSlice(rows, less)
}

func sortSlice(rows []LeaderboardRow, less func(a, b LeaderboardRow) bool) {
	// Insertion sort; leaderboards are small and already mostly ordered.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && less(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

// PlayerStats is one player's aggregate view plus recent wars.
type PlayerStats struct {
	Player     model.Player `json:"player"`
	RecentWars []model.War  `json:"recent_wars"`
}

func (s *Store) PlayerStats(ctx context.Context, guildID int64, name string, recent int) (*PlayerStats, error) {
	if recent < 1 || recent > 50 {
		recent = 10
	}

	var p model.Player
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE guild_id = $1 AND player_name = $2`,
		guildID, name,
	)
	var nicks []byte
	err := row.Scan(&p.ID, &p.GuildID, &p.Name, &nicks, &p.Team, &p.MemberStatus, &p.IsActive,
		&p.TotalScore, &p.TotalRaces, &p.WarCount, &p.AverageScore, &p.TotalTeamDifferential, &p.LastWarDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("player %q: %w", name, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load player: %w", err)
	}
	p.Nicknames = decodeNicknames(nicks)

	rows, err := s.pool.Query(ctx, `
		SELECT w.id, w.guild_id, w.race_count, w.team_score, w.team_differential, w.created_at,
			wp.score, wp.races_played
		FROM wars w
		JOIN war_players wp ON wp.war_id = w.id AND wp.player_name = $2
		WHERE w.guild_id = $1
		ORDER BY w.created_at DESC, w.id DESC
		LIMIT $3`,
		guildID, name, recent,
	)
	if err != nil {
		return nil, fmt.Errorf("recent wars for %q: %w", name, err)
	}
	defer rows.Close()

	stats := &PlayerStats{Player: p}
	for rows.Next() {
		var w model.War
		var wp model.WarPlayer
		wp.Name = name
		if err := rows.Scan(&w.ID, &w.GuildID, &w.RaceCount, &w.TeamScore, &w.TeamDifferential, &w.CreatedAt,
			&wp.Score, &wp.RacesPlayed); err != nil {
			return nil, err
		}
		w.Players = []model.WarPlayer{wp}
		stats.RecentWars = append(stats.RecentWars, w)
	}
	return stats, rows.Err()
}

const playerColumns = `id, guild_id, player_name, nicknames, team, member_status, is_active,
	total_score, total_races, war_count, average_score, total_team_differential, last_war_date`

func decodeNicknames(raw []byte) []string {
	var nicks []string
	if len(raw) == 0 {
		return nicks
	}
	// Nicknames are written by this service; a decode failure means a
	// corrupted row, surfaced as an empty list rather than a 500.
	_ = json.Unmarshal(raw, &nicks)
	return nicks
}
