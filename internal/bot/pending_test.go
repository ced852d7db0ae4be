package bot

import (
	"testing"
	"time"

	"github.com/mkw-stats/war-ingester/internal/model"
)

func pendingForTest(ttl time.Duration) (*pendingTable, *time.Time) {
	now := time.Unix(1700000000, 0)
	t := newPendingTable(ttl)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestPendingTable_PutTake(t *testing.T) {
	table, _ := pendingForTest(10 * time.Minute)
	table.put(1, 7, &pendingScan{Players: []model.WarPlayer{{Name: "Alpha", Score: 90}}})

	scan, ok := table.take(1, 7)
	if !ok {
		t.Fatal("expected a pending scan")
	}
	if scan.Players[0].Name != "Alpha" {
		t.Errorf("got %q, want Alpha", scan.Players[0].Name)
	}
	if _, ok := table.take(1, 7); ok {
		t.Error("take must remove the entry")
	}
}

func TestPendingTable_ScopedPerGuildAndUser(t *testing.T) {
	table, _ := pendingForTest(10 * time.Minute)
	table.put(1, 7, &pendingScan{})

	if _, ok := table.take(2, 7); ok {
		t.Error("scan leaked across guilds")
	}
	if _, ok := table.take(1, 8); ok {
		t.Error("scan leaked across users")
	}
	if _, ok := table.take(1, 7); !ok {
		t.Error("owner's scan should still be there")
	}
}

func TestPendingTable_NewScanReplacesOld(t *testing.T) {
	table, _ := pendingForTest(10 * time.Minute)
	table.put(1, 7, &pendingScan{MessageID: 100})
	table.put(1, 7, &pendingScan{MessageID: 200})

	scan, ok := table.take(1, 7)
	if !ok || scan.MessageID != 200 {
		t.Fatalf("got %+v, want the newer scan", scan)
	}
}

func TestPendingTable_ExpiredScanIsGone(t *testing.T) {
	table, now := pendingForTest(10 * time.Minute)
	table.put(1, 7, &pendingScan{})

	*now = now.Add(11 * time.Minute)
	if _, ok := table.take(1, 7); ok {
		t.Error("expired scan must not be returned")
	}
}
