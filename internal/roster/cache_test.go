package roster

import (
	"testing"
	"time"

	"github.com/mkw-stats/war-ingester/internal/resolve"
)

func TestSnapshotCache_HitWhileFresh(t *testing.T) {
	c := newSnapshotCache(30 * time.Second)
	snap := resolve.NewSnapshot([]resolve.Entry{{Name: "Willow"}})

	v := c.version(1)
	c.put(1, v, snap)

	got, ok := c.get(1)
	if !ok || got != snap {
		t.Fatal("expected a cache hit for the stored snapshot")
	}
}

func TestSnapshotCache_BumpInvalidates(t *testing.T) {
	c := newSnapshotCache(30 * time.Second)
	snap := resolve.NewSnapshot(nil)

	v := c.version(1)
	c.put(1, v, snap)
	c.bump(1)

	if _, ok := c.get(1); ok {
		t.Fatal("a mutation must invalidate the cached snapshot")
	}
}

func TestSnapshotCache_StalePutDiscarded(t *testing.T) {
	c := newSnapshotCache(30 * time.Second)
	snap := resolve.NewSnapshot(nil)

	// A mutation lands between version capture and put: the loaded
	// snapshot predates the mutation and must not be served.
	v := c.version(1)
	c.bump(1)
	c.put(1, v, snap)

	if _, ok := c.get(1); ok {
		t.Fatal("a put racing a mutation must be discarded")
	}
}

func TestSnapshotCache_TTLExpiry(t *testing.T) {
	c := newSnapshotCache(30 * time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }

	snap := resolve.NewSnapshot(nil)
	c.put(1, c.version(1), snap)

	now = now.Add(31 * time.Second)
	if _, ok := c.get(1); ok {
		t.Fatal("a snapshot older than the TTL must miss")
	}
}

func TestSnapshotCache_GuildsAreIndependent(t *testing.T) {
	c := newSnapshotCache(30 * time.Second)
	snap := resolve.NewSnapshot(nil)

	c.put(1, c.version(1), snap)
	c.bump(2)

	if _, ok := c.get(1); !ok {
		t.Fatal("a mutation in one guild must not evict another guild's snapshot")
	}
}
