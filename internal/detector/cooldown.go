package detector

import (
	"sync"
	"time"
)

// CooldownGate suppresses repeat alerts for the same (buy venue, sell venue)
// key within a rolling window. It is safe for concurrent use.
type CooldownGate struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	window   time.Duration

	now func() time.Time // injectable clock for tests
}

// NewCooldownGate creates a gate that allows one emission per key per window.
func NewCooldownGate(window time.Duration) *CooldownGate {
	return &CooldownGate{
		lastSent: make(map[string]time.Time),
		window:   window,
		now:      time.Now,
	}
}

// Allow reports whether an alert for key may be emitted now. On true the key's
// window restarts; on false the previous window is left untouched so rapid
// oscillation around a threshold cannot extend the suppression forever.
func (g *CooldownGate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.lastSent[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.lastSent[key] = now
	return true
}

// Prune drops keys whose window has expired. Call periodically to keep the
// rolling map small.
func (g *CooldownGate) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, last := range g.lastSent {
		if now.Sub(last) >= g.window {
			delete(g.lastSent, key)
		}
	}
}

// Len returns the number of tracked keys, for diagnostics.
func (g *CooldownGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastSent)
}
