package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/mkw-stats/war-ingester/internal/model"
)

func TestFormatWar_Verdicts(t *testing.T) {
	w := &model.War{
		ID:        3,
		RaceCount: 12,
		Players: []model.WarPlayer{
			{Name: "Alpha", Score: 90, RacesPlayed: 12},
			{Name: "Beta", Score: 85, RacesPlayed: 10},
		},
		CreatedAt: time.Now(),
	}
	w.TeamScore = model.TeamScore(w.Players)
	w.TeamDifferential = model.TeamDifferential(w.Players, w.RaceCount)

	out := formatWar(w)
	if !strings.Contains(out, "loss") {
		t.Errorf("175 points over 12 races with 2 players is a loss, got:\n%s", out)
	}
	if !strings.Contains(out, "(10 races)") {
		t.Errorf("substitute race count missing, got:\n%s", out)
	}
}

func TestFormatPermissions_ChannelMatch(t *testing.T) {
	cfg := &model.GuildConfig{GuildName: "G", OCRChannelID: 42, TeamNames: []string{"A"}}

	out := formatPermissions(cfg, 42)
	if !strings.Contains(out, "Channel 42 is the OCR channel") {
		t.Errorf("matching channel not reported as scanned, got:\n%s", out)
	}

	out = formatPermissions(cfg, 7)
	if !strings.Contains(out, "Channel 7 is not scanned") || !strings.Contains(out, "42") {
		t.Errorf("non-OCR channel must name the configured one, got:\n%s", out)
	}

	cfg.OCRChannelID = 0
	if out = formatPermissions(cfg, 7); !strings.Contains(out, "setchannel") {
		t.Errorf("missing OCR channel must point at /setchannel, got:\n%s", out)
	}
}

func TestFormatScanTable_MentionsConfirm(t *testing.T) {
	out := formatScanTable(
		[]model.WarPlayer{{Name: "Alpha", Score: 90}},
		[]string{"???"},
		12,
	)
	if !strings.Contains(out, "confirmscan") || !strings.Contains(out, "rejectscan") {
		t.Errorf("confirmation hint missing, got:\n%s", out)
	}
	if !strings.Contains(out, "???") {
		t.Errorf("unresolved rows not surfaced, got:\n%s", out)
	}
}
