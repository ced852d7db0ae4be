package db

import (
	"context"
	"testing"

	"github.com/mkw-stats/war-ingester/internal/config"
)

func TestNewPool_BadDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.PostgresConfig{
		DSN:      "postgres://bad dsn with spaces",
		MaxConns: 4,
	})
	if err == nil {
		t.Fatal("expected an error for an unparsable DSN")
	}
}
