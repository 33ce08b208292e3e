package pipeline

import (
	"sync"
	"time"
)

// deduper suppresses repeated message ids per user within a sliding window.
// The panel redelivers frames on reconnect and the backlog drain can overlap
// live traffic, so the same message id may arrive more than once.
type deduper struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]map[string]time.Time // userID -> messageID -> seenAt
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{
		window: window,
		seen:   make(map[string]map[string]time.Time),
	}
}

// Seen records the message id and reports whether it was already seen within
// the window. Expired entries for the user are pruned on the way.
func (d *deduper) Seen(userID, messageID string, now time.Time) bool {
	if messageID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ids := d.seen[userID]
	if ids == nil {
		ids = make(map[string]time.Time)
		d.seen[userID] = ids
	}

	cutoff := now.Add(-d.window)
	for id, at := range ids {
		if at.Before(cutoff) {
			delete(ids, id)
		}
	}

	if at, ok := ids[messageID]; ok && !at.Before(cutoff) {
		return true
	}
	ids[messageID] = now
	return false
}
