package ocr

import (
	"reflect"
	"testing"
)

func TestExtractRows_PairsNamesWithScores(t *testing.T) {
	boxes := []Box{
		{Text: "Willow", X: 10, Y: 100, W: 80, H: 20},
		{Text: "87", X: 300, Y: 102, W: 30, H: 20},
		{Text: "Sora", X: 10, Y: 140, W: 60, H: 20},
		{Text: "65", X: 300, Y: 139, W: 30, H: 20},
	}

	got := ExtractRows(boxes)
	want := []Row{
		{Name: "Willow", Score: 87},
		{Name: "Sora", Score: 65},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractRows = %+v, want %+v", got, want)
	}
}

func TestExtractRows_MultiWordName(t *testing.T) {
	boxes := []Box{
		{Text: "Dark", X: 10, Y: 50, W: 40, H: 18},
		{Text: "Rider", X: 60, Y: 51, W: 50, H: 18},
		{Text: "112", X: 300, Y: 50, W: 30, H: 18},
	}

	got := ExtractRows(boxes)
	if len(got) != 1 || got[0].Name != "Dark Rider" || got[0].Score != 112 {
		t.Fatalf("ExtractRows = %+v, want [{Dark Rider 112}]", got)
	}
}

func TestExtractRows_OrderedTopToBottom(t *testing.T) {
	// Boxes arrive out of reading order.
	boxes := []Box{
		{Text: "65", X: 300, Y: 140, W: 30, H: 20},
		{Text: "Willow", X: 10, Y: 100, W: 80, H: 20},
		{Text: "Sora", X: 10, Y: 140, W: 60, H: 20},
		{Text: "87", X: 300, Y: 100, W: 30, H: 20},
	}

	got := ExtractRows(boxes)
	if len(got) != 2 || got[0].Name != "Willow" || got[1].Name != "Sora" {
		t.Fatalf("rows out of reading order: %+v", got)
	}
}

func TestExtractRows_SkipsLinesWithoutScore(t *testing.T) {
	boxes := []Box{
		{Text: "Results", X: 10, Y: 20, W: 100, H: 20},
		{Text: "Willow", X: 10, Y: 100, W: 80, H: 20},
		{Text: "87", X: 300, Y: 100, W: 30, H: 20},
	}

	got := ExtractRows(boxes)
	if len(got) != 1 || got[0].Name != "Willow" {
		t.Fatalf("header line must be skipped: %+v", got)
	}
}

func TestExtractRows_ScoreRange(t *testing.T) {
	boxes := []Box{
		{Text: "Willow", X: 10, Y: 100, W: 80, H: 20},
		{Text: "1200", X: 300, Y: 100, W: 40, H: 20},
	}

	if got := ExtractRows(boxes); got != nil {
		t.Fatalf("out-of-range score must not produce a row: %+v", got)
	}
}

func TestExtractRows_Empty(t *testing.T) {
	if got := ExtractRows(nil); got != nil {
		t.Fatalf("ExtractRows(nil) = %+v, want nil", got)
	}
}
