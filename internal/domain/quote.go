// Package domain contains the core types shared by the feed, cache, detector,
// and dispatcher layers.
package domain

import (
	"fmt"
	"time"
)

// Quote is a single venue's bid/ask/last observation for a trading pair.
// ObservedAt is the local capture time, not the venue-reported time, so
// staleness checks are immune to venue clock skew. A Quote is never mutated
// after construction.
type Quote struct {
	Venue      string
	Pair       string // canonical "BASE/QUOTE" form, e.g. "BTC/USDT"
	Bid        float64
	Ask        float64
	Last       float64
	Volume     float64 // 24h base volume; 0 when the venue does not report it
	ObservedAt time.Time
}

// Validate checks the Quote invariants: positive bid and ask, ask >= bid,
// non-negative volume, and non-empty venue/pair identifiers.
func (q Quote) Validate() error {
	if q.Venue == "" {
		return fmt.Errorf("%w: empty venue", ErrInvalidQuote)
	}
	if q.Pair == "" {
		return fmt.Errorf("%w: empty pair", ErrInvalidQuote)
	}
	if q.Bid <= 0 {
		return fmt.Errorf("%w: bid %v must be > 0", ErrInvalidQuote, q.Bid)
	}
	if q.Ask <= 0 {
		return fmt.Errorf("%w: ask %v must be > 0", ErrInvalidQuote, q.Ask)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("%w: ask %v < bid %v", ErrInvalidQuote, q.Ask, q.Bid)
	}
	if q.Volume < 0 {
		return fmt.Errorf("%w: volume %v must be >= 0", ErrInvalidQuote, q.Volume)
	}
	return nil
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// FeeSchedule holds the per-venue costs the detector charges against a raw
// spread. Maker/taker are fractions (0.001 = 0.1%), TransferCost is a fixed
// amount in quote currency.
type FeeSchedule struct {
	MakerFee     float64
	TakerFee     float64
	TransferCost float64
}
