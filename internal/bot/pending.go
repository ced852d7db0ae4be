package bot

import (
	"sync"
	"time"

	"github.com/mkw-stats/war-ingester/internal/model"
)

const defaultConfirmTTL = 10 * time.Minute

// pendingScan is a single-image OCR result waiting for confirmscan or
// rejectscan from the user who posted the screenshot.
type pendingScan struct {
	ChannelID  int64
	MessageID  int64
	Players    []model.WarPlayer
	RaceCount  int
	Unresolved []string
	At         time.Time
	CreatedAt  time.Time
}

type pendingKey struct {
	guildID int64
	userID  int64
}

// pendingTable holds at most one pending scan per user per guild. A new
// scan replaces the previous one; entries expire after the confirm TTL.
type pendingTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[pendingKey]*pendingScan
}

func newPendingTable(ttl time.Duration) *pendingTable {
	if ttl <= 0 {
		ttl = defaultConfirmTTL
	}
	return &pendingTable{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[pendingKey]*pendingScan),
	}
}

func (t *pendingTable) put(guildID, userID int64, scan *pendingScan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	scan.CreatedAt = t.now()
	t.entries[pendingKey{guildID, userID}] = scan
	t.pruneLocked()
}

// take removes and returns the caller's pending scan, if any.
func (t *pendingTable) take(guildID, userID int64) (*pendingScan, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pendingKey{guildID, userID}
	scan, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	delete(t.entries, key)
	if t.now().Sub(scan.CreatedAt) > t.ttl {
		return nil, false
	}
	return scan, true
}

func (t *pendingTable) pruneLocked() {
	cutoff := t.now().Add(-t.ttl)
	for key, scan := range t.entries {
		if scan.CreatedAt.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
