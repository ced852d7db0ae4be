package bot

import (
	"testing"

	"github.com/mkw-stats/war-ingester/internal/model"
)

func TestParseScores_Basic(t *testing.T) {
	players, err := ParseScores("Alpha:90,Beta:85, Gamma : 70")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []model.WarPlayer{{Name: "Alpha", Score: 90}, {Name: "Beta", Score: 85}, {Name: "Gamma", Score: 70}}
	if len(players) != len(want) {
		t.Fatalf("got %d players, want %d", len(players), len(want))
	}
	for i := range want {
		if players[i].Name != want[i].Name || players[i].Score != want[i].Score {
			t.Errorf("player %d = %+v, want %+v", i, players[i], want[i])
		}
	}
}

func TestParseScores_NameWithColon(t *testing.T) {
	players, err := ParseScores("MK:Wario:120")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if players[0].Name != "MK:Wario" || players[0].Score != 120 {
		t.Errorf("got %+v, want MK:Wario 120", players[0])
	}
}

func TestParseScores_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"blank entry", "Alpha:90,,Beta:85"},
		{"no colon", "Alpha 90"},
		{"missing name", ":90"},
		{"missing score", "Alpha:"},
		{"non integer score", "Alpha:abc"},
		{"negative score", "Alpha:-1"},
		{"score too large", "Alpha:1000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseScores(tc.input); err == nil {
				t.Fatalf("ParseScores(%q) accepted invalid input", tc.input)
			} else if !model.IsValidation(err) {
				t.Errorf("ParseScores(%q) error %v is not a validation error", tc.input, err)
			}
		})
	}
}

func TestRenderScores_RoundTrip(t *testing.T) {
	in := []model.WarPlayer{{Name: "Alpha", Score: 90}, {Name: "Beta", Score: 0}, {Name: "Gamma", Score: 999}}
	out, err := ParseScores(RenderScores(in))
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d players, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Name != in[i].Name || out[i].Score != in[i].Score {
			t.Errorf("player %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}
