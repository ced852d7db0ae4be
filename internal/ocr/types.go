// Package ocr runs the OCR function on image bytes under strict
// concurrency bounds, prioritizing interactive requests over batch work.
package ocr

import "context"

// Tier is the scheduling priority of a scan request. Lower values are
// higher priority; a tier may borrow unused permits from any lower one.
type Tier int

const (
	TierExpress Tier = iota
	TierStandard
	TierBackground
	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierExpress:
		return "express"
	case TierStandard:
		return "standard"
	case TierBackground:
		return "background"
	}
	return "unknown"
}

// TierFor picks the scheduling tier from the number of images in the
// request: single images are interactive, small batches run at standard
// priority, anything at or above bulkThreshold is background work.
func TierFor(imageCount, bulkThreshold int) Tier {
	switch {
	case imageCount <= 1:
		return TierExpress
	case imageCount < bulkThreshold:
		return TierStandard
	default:
		return TierBackground
	}
}

// Box is one recognized text region.
type Box struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
}

// Func is the pluggable OCR implementation. Preprocessing specifics
// (thresholding, deskew) live behind it.
type Func func(ctx context.Context, image []byte) ([]Box, error)

// Status classifies an OCR outcome. The engine never retries internally;
// empty output is reported as such and downstream decides whether that
// is a failure.
type Status int

const (
	StatusOK Status = iota
	StatusEmpty
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Output is the verbatim result of one OCR execution.
type Output struct {
	Boxes  []Box
	Status Status
	Err    error
}
