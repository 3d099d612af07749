// Package pricecache holds the latest validated quote per (venue, pair). It is
// the single shared mutable structure between the venue feed tasks and the
// detector, so every critical section is short and never spans I/O.
package pricecache

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

// Entry is one cached quote plus the wall-clock time it was stored. Staleness
// is derived from CachedAt at read time, never stored.
type Entry struct {
	Quote    domain.Quote
	CachedAt time.Time
}

// Cache is a venue -> pair -> latest-quote table. Entries are overwritten in
// place; stale entries are excluded from snapshots but kept so a reconnecting
// venue resumes seamlessly.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]map[string]Entry // venue -> pair -> entry
	staleAfter time.Duration
	noiseFloor float64 // relative price delta below which an update is a no-op
	logger     *slog.Logger

	now func() time.Time // injectable clock for tests
}

// New creates an empty Cache. staleAfter bounds how old an entry may be before
// SnapshotAll excludes it; noiseFloor is the relative bid/ask delta below
// which Update reports no material change.
func New(staleAfter time.Duration, noiseFloor float64, logger *slog.Logger) *Cache {
	return &Cache{
		entries:    make(map[string]map[string]Entry),
		staleAfter: staleAfter,
		noiseFloor: noiseFloor,
		logger:     logger.With(slog.String("component", "price_cache")),
		now:        time.Now,
	}
}

// Update validates q and, on success, overwrites the (venue, pair) entry. The
// returned bool reports whether the price moved beyond the noise floor, so
// callers can skip re-evaluation on no-op updates. Invalid quotes are rejected
// with an error and leave the cache unchanged.
func (c *Cache) Update(q domain.Quote) (changed bool, err error) {
	if err := q.Validate(); err != nil {
		c.logger.Warn("rejected quote",
			slog.String("venue", q.Venue),
			slog.String("pair", q.Pair),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("pricecache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pairs, ok := c.entries[q.Venue]
	if !ok {
		pairs = make(map[string]Entry)
		c.entries[q.Venue] = pairs
	}

	prev, existed := pairs[q.Pair]
	pairs[q.Pair] = Entry{Quote: q, CachedAt: c.now()}

	if !existed {
		return true, nil
	}
	return materialChange(prev.Quote, q, c.noiseFloor), nil
}

// Get returns the entry for (venue, pair). A stale entry is still returned,
// flagged via ErrStaleQuote, so callers can distinguish a lagging feed from a
// missing one (ErrNotFound).
func (c *Cache) Get(venue, pair string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pairs, ok := c.entries[venue]
	if !ok {
		return Entry{}, fmt.Errorf("pricecache: %s/%s: %w", venue, pair, domain.ErrNotFound)
	}
	e, ok := pairs[pair]
	if !ok {
		return Entry{}, fmt.Errorf("pricecache: %s/%s: %w", venue, pair, domain.ErrNotFound)
	}
	if c.now().Sub(e.CachedAt) > c.staleAfter {
		return e, fmt.Errorf("pricecache: %s/%s: %w", venue, pair, domain.ErrStaleQuote)
	}
	return e, nil
}

// SnapshotAll returns a point-in-time copy of all fresh entries for a pair.
// Stale entries are skipped; the result order is unspecified.
func (c *Cache) SnapshotAll(pair string) []domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	quotes := make([]domain.Quote, 0, len(c.entries))
	for _, pairs := range c.entries {
		e, ok := pairs[pair]
		if !ok {
			continue
		}
		if now.Sub(e.CachedAt) > c.staleAfter {
			continue
		}
		quotes = append(quotes, e.Quote)
	}
	return quotes
}

// Venues returns the names of all venues with at least one cached entry.
func (c *Cache) Venues() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for v := range c.entries {
		names = append(names, v)
	}
	return names
}

// materialChange reports whether bid or ask moved by more than the relative
// noise floor.
func materialChange(prev, next domain.Quote, floor float64) bool {
	return relDelta(prev.Bid, next.Bid) > floor || relDelta(prev.Ask, next.Ask) > floor
}

func relDelta(a, b float64) float64 {
	if a == 0 {
		return math.Abs(b)
	}
	return math.Abs(b-a) / math.Abs(a)
}
