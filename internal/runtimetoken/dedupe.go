// Package runtimetoken holds the in-memory runtime state that does not
// survive a restart: upstream message dedupe and single-use websocket tokens.
package runtimetoken

import (
	"sync"
	"time"
)

// MessageDeduper remembers recently seen upstream message IDs so redeliveries
// are dropped instead of fanned out twice.
type MessageDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMessageDeduper(ttl time.Duration) *MessageDeduper {
	return &MessageDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen records the message ID and reports whether it was already present and
// unexpired. Empty IDs are never deduplicated.
func (d *MessageDeduper) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, ok := d.seen[messageID]; ok && now.Before(expiry) {
		return true
	}
	d.seen[messageID] = now.Add(d.ttl)
	return false
}

// Prune drops expired entries. Called periodically so the map stays bounded.
func (d *MessageDeduper) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for id, expiry := range d.seen {
		if !now.Before(expiry) {
			delete(d.seen, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked IDs, expired entries included.
func (d *MessageDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
