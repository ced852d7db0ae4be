package bulk

import (
	"strings"
	"testing"

	"github.com/mkw-stats/war-ingester/internal/ocr"
)

func TestNewToken_URLSafeAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken: %v", err)
		}
		// 24 random bytes encode to 32 base64url characters.
		if len(tok) != 32 {
			t.Fatalf("token length = %d, want 32", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token %q is not URL-safe", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestBoxes_RoundTrip(t *testing.T) {
	boxes := []ocr.Box{
		{Text: "Willow", X: 10, Y: 100, W: 80, H: 20, Confidence: 0.97},
		{Text: "87", X: 300, Y: 102, W: 30, H: 20, Confidence: 0.99},
	}

	encoded, err := EncodeBoxes(boxes)
	if err != nil {
		t.Fatalf("EncodeBoxes: %v", err)
	}
	decoded, err := DecodeBoxes(encoded)
	if err != nil {
		t.Fatalf("DecodeBoxes: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Text != "Willow" || decoded[1].Text != "87" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestBoxes_EmptyIsNil(t *testing.T) {
	encoded, err := EncodeBoxes(nil)
	if err != nil || encoded != nil {
		t.Fatalf("EncodeBoxes(nil) = (%v, %v), want (nil, nil)", encoded, err)
	}
	decoded, err := DecodeBoxes(nil)
	if err != nil || decoded != nil {
		t.Fatalf("DecodeBoxes(nil) = (%v, %v), want (nil, nil)", decoded, err)
	}
}
