package roster

import (
	"sync"
	"time"

	"github.com/mkw-stats/war-ingester/internal/resolve"
)

// defaultSnapshotTTL bounds staleness caused by mutations made in other
// processes, which this cache cannot observe.
const defaultSnapshotTTL = 30 * time.Second

// snapshotCache is a per-guild read-through cache of roster snapshots
// keyed by a mutation version. Any roster mutation in a guild bumps its
// version, so readers in the same process never see their own writes
// stale; the TTL covers everyone else.
type snapshotCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]*snapshotEntry
}

type snapshotEntry struct {
	version  uint64
	snapshot *resolve.Snapshot
	loadedAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]*snapshotEntry),
	}
}

func (c *snapshotCache) get(guildID int64) (*resolve.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[guildID]
	if !ok || e.snapshot == nil {
		return nil, false
	}
	if c.now().Sub(e.loadedAt) > c.ttl {
		return nil, false
	}
	return e.snapshot, true
}

// version returns the guild's current mutation version, creating the
// counter on first use. Callers capture it before loading so a mutation
// racing the load invalidates the result.
func (c *snapshotCache) version(guildID int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[guildID]
	if !ok {
		e = &snapshotEntry{}
		c.entries[guildID] = e
	}
	return e.version
}

// put stores a loaded snapshot unless the guild version moved past the
// one captured before the load.
func (c *snapshotCache) put(guildID int64, version uint64, snap *resolve.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[guildID]
	if !ok || e.version != version {
		return
	}
	e.snapshot = snap
	e.loadedAt = c.now()
}

// bump invalidates the guild's cached snapshot.
func (c *snapshotCache) bump(guildID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[guildID]
	if !ok {
		e = &snapshotEntry{}
		c.entries[guildID] = e
	}
	e.version++
	e.snapshot = nil
}
