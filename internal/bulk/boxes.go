package bulk

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mkw-stats/war-ingester/internal/ocr"
)

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// EncodeBoxes serializes raw OCR boxes for storage alongside a result, so
// a reviewer can re-inspect what the engine actually read.
func EncodeBoxes(boxes []ocr.Box) ([]byte, error) {
	if len(boxes) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(boxes)
	if err != nil {
		return nil, fmt.Errorf("marshal boxes: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func DecodeBoxes(compressed []byte) ([]ocr.Box, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress boxes: %w", err)
	}
	var boxes []ocr.Box
	if err := json.Unmarshal(raw, &boxes); err != nil {
		return nil, fmt.Errorf("unmarshal boxes: %w", err)
	}
	return boxes, nil
}
