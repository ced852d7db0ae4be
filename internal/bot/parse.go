package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mkw-stats/war-ingester/internal/model"
)

// ParseScores parses the Name:Score[,Name:Score]* grammar. Whitespace
// around commas and colons is ignored; scores are integers 0..999.
func ParseScores(input string) ([]model.WarPlayer, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, model.Validationf("player scores must not be empty")
	}

	parts := strings.Split(input, ",")
	players := make([]model.WarPlayer, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, model.Validationf("empty entry in player scores")
		}
		idx := strings.LastIndex(part, ":")
		if idx < 0 {
			return nil, model.Validationf("entry %q needs the form Name:Score", part)
		}
		name := strings.TrimSpace(part[:idx])
		rawScore := strings.TrimSpace(part[idx+1:])
		if name == "" {
			return nil, model.Validationf("entry %q is missing a player name", part)
		}
		score, err := strconv.Atoi(rawScore)
		if err != nil || score < 0 || score > 999 {
			return nil, model.Validationf("score %q for %s must be an integer 0..999", rawScore, name)
		}
		players = append(players, model.WarPlayer{Name: name, Score: score})
	}
	return players, nil
}

// RenderScores is the inverse of ParseScores.
func RenderScores(players []model.WarPlayer) string {
	parts := make([]string, len(players))
	for i, p := range players {
		parts[i] = fmt.Sprintf("%s:%d", p.Name, p.Score)
	}
	return strings.Join(parts, ",")
}
