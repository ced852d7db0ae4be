package ocr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHTTPFunc_DecodesBoxes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "image-bytes" {
			t.Errorf("backend received %q", body)
		}
		w.Write([]byte(`[{"text":"Alpha","confidence":0.9,"x":10,"y":20,"w":80,"h":16}]`))
	}))
	defer srv.Close()

	fn := NewHTTPFunc(srv.URL, srv.Client())
	boxes, err := fn(context.Background(), []byte("image-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(boxes) != 1 || boxes[0].Text != "Alpha" || boxes[0].Y != 20 {
		t.Errorf("got %+v", boxes)
	}
}

func TestNewHTTPFunc_BackendErrorIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fn := NewHTTPFunc(srv.URL, srv.Client())
	if _, err := fn(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}
