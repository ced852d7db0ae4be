package war

import (
	"testing"

	"github.com/mkw-stats/war-ingester/internal/model"
)

func TestNormalizePlayers_DefaultsRacesPlayed(t *testing.T) {
	got, err := NormalizePlayers([]model.WarPlayer{{Name: "Alpha", Score: 95}}, 12)
	if err != nil {
		t.Fatalf("NormalizePlayers: %v", err)
	}
	if got[0].RacesPlayed != 12 {
		t.Fatalf("RacesPlayed = %d, want race count 12", got[0].RacesPlayed)
	}
}

func TestNormalizePlayers_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		players   []model.WarPlayer
		raceCount int
	}{
		{"empty line-up", nil, 12},
		{"race count zero", []model.WarPlayer{{Name: "Alpha", Score: 1}}, 0},
		{"race count over max", []model.WarPlayer{{Name: "Alpha", Score: 1}}, 25},
		{"score out of range", []model.WarPlayer{{Name: "Alpha", Score: 1000}}, 12},
		{"negative score", []model.WarPlayer{{Name: "Alpha", Score: -1}}, 12},
		{"races above count", []model.WarPlayer{{Name: "Alpha", Score: 1, RacesPlayed: 13}}, 12},
		{"duplicate player", []model.WarPlayer{{Name: "Alpha", Score: 1}, {Name: "Alpha", Score: 2}}, 12},
		{"empty name", []model.WarPlayer{{Name: "", Score: 1}}, 12},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizePlayers(tc.players, tc.raceCount)
			if !model.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestNormalizePlayers_BoundaryRaceCounts(t *testing.T) {
	for _, rc := range []int{1, 24} {
		if _, err := NormalizePlayers([]model.WarPlayer{{Name: "Alpha", Score: 10, RacesPlayed: 1}}, rc); err != nil {
			t.Fatalf("race count %d: %v", rc, err)
		}
	}
}

func TestTeamDifferential_Scenario(t *testing.T) {
	// 3 players totaling 245 over 12 races: 245 - 41*12*3 = -1231.
	players := []model.WarPlayer{
		{Name: "Alpha", Score: 95},
		{Name: "Beta", Score: 80},
		{Name: "Gamma", Score: 70},
	}
	if got := model.TeamScore(players); got != 245 {
		t.Fatalf("TeamScore = %d, want 245", got)
	}
	if got := model.TeamDifferential(players, 12); got != -1231 {
		t.Fatalf("TeamDifferential = %d, want -1231", got)
	}
}

func TestSortKey(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"", "average_score", true},
		{"average_score", "average_score", true},
		{"total_score", "total_score", true},
		{"war_count", "war_count", true},
		{"total_team_differential", "total_team_differential", true},
		{"drop tables", "average_score", false},
	}
	for _, tc := range tests {
		got, ok := SortKey(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("SortKey(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestSortRows(t *testing.T) {
	rows := []LeaderboardRow{
		{Name: "Beta", TotalScore: 300, AverageScore: 60, WarCount: 5},
		{Name: "Alpha", TotalScore: 400, AverageScore: 80, WarCount: 5},
		{Name: "Gamma", TotalScore: 400, AverageScore: 100, WarCount: 4},
	}

	SortRows(rows, "average_score")
	if rows[0].Name != "Gamma" || rows[1].Name != "Alpha" || rows[2].Name != "Beta" {
		t.Fatalf("average_score order wrong: %+v", rows)
	}

	SortRows(rows, "total_score")
	// Equal totals break ties by name.
	if rows[0].Name != "Alpha" || rows[1].Name != "Gamma" || rows[2].Name != "Beta" {
		t.Fatalf("total_score order wrong: %+v", rows)
	}
}
