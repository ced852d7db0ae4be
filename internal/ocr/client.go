package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// NewHTTPFunc returns a Func backed by an OCR sidecar: image bytes are
// POSTed to the endpoint, which answers with a JSON array of text boxes.
// Concurrency and timeouts are the engine's job, so the client carries
// no timeout of its own.
func NewHTTPFunc(endpoint string, client *http.Client) Func {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, image []byte) ([]Box, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(image))
		if err != nil {
			return nil, fmt.Errorf("ocr request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ocr request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("ocr backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}

		var boxes []Box
		if err := json.NewDecoder(resp.Body).Decode(&boxes); err != nil {
			return nil, fmt.Errorf("decoding ocr response: %w", err)
		}
		return boxes, nil
	}
}
