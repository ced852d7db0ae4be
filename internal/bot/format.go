package bot

import (
	"fmt"
	"strings"

	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/war"
)

func formatWar(w *model.War) string {
	var b strings.Builder
	verdict := "tie"
	switch {
	case w.TeamDifferential > 0:
		verdict = "win"
	case w.TeamDifferential < 0:
		verdict = "loss"
	}
	fmt.Fprintf(&b, "War #%d (%d races): %d points, %+d vs breakeven (%s)\n",
		w.ID, w.RaceCount, w.TeamScore, w.TeamDifferential, verdict)
	for _, p := range w.Players {
		fmt.Fprintf(&b, "  %-16s %3d", p.Name, p.Score)
		if p.RacesPlayed != w.RaceCount {
			fmt.Fprintf(&b, "  (%d races)", p.RacesPlayed)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatWarList(wars []model.War, total, page int) string {
	if len(wars) == 0 {
		return "No wars recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Wars (page %d, %d total):\n", page, total)
	for _, w := range wars {
		fmt.Fprintf(&b, "  #%-5d %s  %d races  %4d pts  %+d\n",
			w.ID, w.CreatedAt.Format("2006-01-02"), w.RaceCount, w.TeamScore, w.TeamDifferential)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRoster(title string, players []model.Player) string {
	if len(players) == 0 {
		return title + ": empty."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):\n", title, len(players))
	for _, p := range players {
		fmt.Fprintf(&b, "  %-16s %-8s %s\n", p.Name, p.MemberStatus, p.Team)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatLeaderboard(rows []war.LeaderboardRow, sortKey string) string {
	if len(rows) == 0 {
		return "No stats yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Leaderboard by %s:\n", sortKey)
	for i, r := range rows {
		fmt.Fprintf(&b, "  %2d. %-16s avg %.1f  wars %.2f  total %d  diff %+d\n",
			i+1, r.Name, r.AverageScore, r.WarCount, r.TotalScore, r.TotalTeamDifferential)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPlayerStats(ps *war.PlayerStats) string {
	p := ps.Player
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s)\n", p.Name, p.MemberStatus, p.Team)
	fmt.Fprintf(&b, "  wars %.2f  avg %.1f  total %d  races %d  diff %+d\n",
		p.WarCount, p.AverageScore, p.TotalScore, p.TotalRaces, p.TotalTeamDifferential)
	if p.LastWarDate != nil {
		fmt.Fprintf(&b, "  last war %s\n", p.LastWarDate.Format("2006-01-02"))
	}
	if len(ps.RecentWars) > 0 {
		b.WriteString("  recent:\n")
		for _, w := range ps.RecentWars {
			score := 0
			for _, wp := range w.Players {
				if wp.Name == p.Name {
					score = wp.Score
				}
			}
			fmt.Fprintf(&b, "    #%-5d %s  %3d pts\n", w.ID, w.CreatedAt.Format("2006-01-02"), score)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatPermissions summarises the guild setup relative to one channel,
// including whether that channel is the one being scanned.
func formatPermissions(cfg *model.GuildConfig, channelID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Guild %q is configured.\n", cfg.GuildName)
	switch {
	case cfg.OCRChannelID == 0:
		b.WriteString("No OCR channel set; run /setchannel.\n")
	case cfg.OCRChannelID == channelID:
		fmt.Fprintf(&b, "Channel %d is the OCR channel; screenshots posted here are scanned.\n", channelID)
	default:
		fmt.Fprintf(&b, "Channel %d is not scanned; the OCR channel is %d.\n", channelID, cfg.OCRChannelID)
	}
	fmt.Fprintf(&b, "Teams: %d", len(cfg.TeamNames))
	return b.String()
}

// formatScanTable renders a resolved single-image scan awaiting
// confirmation.
func formatScanTable(players []model.WarPlayer, unresolved []string, raceCount int) string {
	var b strings.Builder
	diff := model.TeamDifferential(players, raceCount)
	fmt.Fprintf(&b, "Detected %d players, %d races, %d points (%+d vs breakeven):\n",
		len(players), raceCount, model.TeamScore(players), diff)
	for _, p := range players {
		fmt.Fprintf(&b, "  %-16s %3d\n", p.Name, p.Score)
	}
	if len(unresolved) > 0 {
		fmt.Fprintf(&b, "Unmatched rows ignored: %s\n", strings.Join(unresolved, ", "))
	}
	b.WriteString("Use /confirmscan to record this war or /rejectscan to discard it.")
	return b.String()
}
