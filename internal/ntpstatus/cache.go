// Package ntpstatus centralizes the "is the OS clock NTP-synchronized?"
// probe behind a short-lived cache, per spec.md §5/§9: a single check
// serves every channel instead of forking a subprocess per file.
package ntpstatus

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultValidity is the cache validity window (spec.md §5: "~10s").
const DefaultValidity = 10 * time.Second

// Cache holds the last NTP-sync probe result, shared by all channels.
type Cache struct {
	validity time.Duration
	now      func() time.Time
	probe    func() (bool, int64)

	mu       sync.Mutex
	checked  time.Time
	synced   bool
	maxErrUs int64
}

// New creates a Cache with the default validity window.
func New() *Cache {
	return &Cache{validity: DefaultValidity, now: time.Now, probe: probe}
}

// Synced reports whether the OS clock currently reports itself as
// NTP-disciplined, probing the kernel at most once per validity window.
func (c *Cache) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.checked) < c.validity && !c.checked.IsZero() {
		return c.synced
	}

	c.synced, c.maxErrUs = c.probe()
	c.checked = now
	return c.synced
}

// probe queries the kernel clock discipline state via adjtimex(2). The
// STA_UNSYNC flag means the kernel does NOT consider the clock synchronized.
func probe() (synced bool, maxErrorUs int64) {
	var tx unix.Timex
	state, err := unix.Adjtimex(&tx)
	if err != nil {
		return false, 0
	}
	if state == unix.TIME_ERROR {
		return false, int64(tx.Maxerror)
	}
	if tx.Status&unix.STA_UNSYNC != 0 {
		return false, int64(tx.Maxerror)
	}
	return true, int64(tx.Maxerror)
}
