package monitor

import (
	"sync"
	"time"
)

// Cooldown remembers recent per-message failures so a failing message is
// not retried on every cycle. Entries live in memory only; a restart
// forgets them and the messages are retried straight away.
type Cooldown struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]cooldownEntry
}

type cooldownEntry struct {
	failedAt  time.Time
	permanent bool
}

// NewCooldown creates a cooldown with the given retry window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window:  window,
		entries: make(map[string]cooldownEntry),
	}
}

// Record marks messageID as failed at the given time. A permanent failure
// is never retried by this process.
func (c *Cooldown) Record(messageID string, failedAt time.Time, permanent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[messageID] = cooldownEntry{failedAt: failedAt, permanent: permanent}
}

// Until reports whether messageID is cooling down at now and, if so, when
// it becomes eligible again. For permanent failures the time is zero.
func (c *Cooldown) Until(messageID string, now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[messageID]
	if !ok {
		return time.Time{}, false
	}
	if e.permanent {
		return time.Time{}, true
	}
	retryAt := e.failedAt.Add(c.window)
	if !now.Before(retryAt) {
		return time.Time{}, false
	}
	return retryAt, true
}

// Active reports whether messageID must be skipped at now.
func (c *Cooldown) Active(messageID string, now time.Time) bool {
	_, active := c.Until(messageID, now)
	return active
}

// Prune drops expired entries and returns how many were removed.
func (c *Cooldown) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if !e.permanent && !now.Before(e.failedAt.Add(c.window)) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked messages.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
