package ocr

import (
	"sort"
	"strconv"
	"strings"
)

// Row is one extracted (name, score) pair in reading order.
type Row struct {
	Name  string
	Score int
}

// rowBandSlack is the vertical distance (as a fraction of box height)
// within which two boxes are considered part of the same result line.
const rowBandSlack = 0.6

// ExtractRows turns raw text boxes into per-player result rows: boxes
// are grouped into lines by vertical proximity, each line is tokenized
// left to right, and the last 0..999 integer on the line is taken as the
// score with everything before it as the player name. Lines without a
// trailing score are skipped.
func ExtractRows(boxes []Box) []Row {
	if len(boxes) == 0 {
		return nil
	}

	lines := groupLines(boxes)

	var rows []Row
	for _, line := range lines {
		tokens := lineTokens(line)
		if len(tokens) < 2 {
			continue
		}

		score, ok := parseScore(tokens[len(tokens)-1])
		if !ok {
			continue
		}
		name := strings.TrimSpace(strings.Join(tokens[:len(tokens)-1], " "))
		if name == "" {
			continue
		}
		rows = append(rows, Row{Name: name, Score: score})
	}
	return rows
}

// groupLines buckets boxes whose vertical centers fall within a fraction
// of the box height of each other, then orders lines top to bottom.
func groupLines(boxes []Box) [][]Box {
	sorted := make([]Box, len(boxes))
	copy(sorted, boxes)
	sort.Slice(sorted, func(i, j int) bool {
		return centerY(sorted[i]) < centerY(sorted[j])
	})

	var lines [][]Box
	for _, b := range sorted {
		placed := false
		for i := range lines {
			ref := lines[i][0]
			slack := float64(maxInt(ref.H, b.H)) * rowBandSlack
			if absFloat(centerY(b)-centerY(ref)) <= slack {
				lines[i] = append(lines[i], b)
				placed = true
				break
			}
		}
		if !placed {
			lines = append(lines, []Box{b})
		}
	}
	return lines
}

func lineTokens(line []Box) []string {
	sort.Slice(line, func(i, j int) bool { return line[i].X < line[j].X })
	var tokens []string
	for _, b := range line {
		for _, t := range strings.Fields(b.Text) {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func parseScore(token string) (int, bool) {
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 || n > 999 {
		return 0, false
	}
	return n, true
}

func centerY(b Box) float64 { return float64(b.Y) + float64(b.H)/2 }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
