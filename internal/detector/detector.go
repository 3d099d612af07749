// Package detector evaluates cached venue quotes for cross-venue price
// discrepancies that remain profitable after fees, and emits deduplicated
// opportunity events.
package detector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tradekit/arbscan/internal/domain"
	"github.com/tradekit/arbscan/internal/pricecache"
)

// Config holds detection thresholds and the per-venue fee schedules.
type Config struct {
	Pair         string
	MinProfitPct float64 // emission threshold
	LogProfitPct float64 // informational logging threshold, usually lower
	Cooldown     time.Duration
	TickInterval time.Duration
	PruneGap     time.Duration
	Fees         map[string]domain.FeeSchedule // by venue name
}

// Stats are monotonic detector counters, readable at any time.
type Stats struct {
	Evaluations uint64
	Emitted     uint64
	Suppressed  uint64
}

// Detector consumes cache change signals (or a fixed fallback tick), evaluates
// all ordered venue pairs, and sends qualifying opportunities to the out
// channel. Both triggers funnel through the same evaluation routine.
type Detector struct {
	cfg    Config
	cache  *pricecache.Cache
	gate   *CooldownGate
	out    chan<- domain.Opportunity
	logger *slog.Logger

	evaluations atomic.Uint64
	emitted     atomic.Uint64
	suppressed  atomic.Uint64

	now func() time.Time
}

// New creates a Detector that reads snapshots from cache and sends emitted
// opportunities to out. The channel is owned by the caller and is not closed
// by the detector.
func New(cfg Config, cache *pricecache.Cache, out chan<- domain.Opportunity, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		cache:  cache,
		gate:   NewCooldownGate(cfg.Cooldown),
		out:    out,
		logger: logger.With(slog.String("component", "detector")),
		now:    time.Now,
	}
}

// Run blocks until ctx is cancelled. updates carries a signal per material
// cache change (the payload is ignored; the detector always reads the most
// recent cache state). A fixed tick covers venues that only poll.
func (d *Detector) Run(ctx context.Context, updates <-chan struct{}) error {
	d.logger.Info("detector started",
		slog.String("pair", d.cfg.Pair),
		slog.Float64("min_profit_pct", d.cfg.MinProfitPct),
	)
	defer d.logger.Info("detector stopped")

	tick := time.NewTicker(d.cfg.TickInterval)
	defer tick.Stop()

	pruneGap := d.cfg.PruneGap
	if pruneGap <= 0 {
		pruneGap = 5 * time.Minute
	}
	prune := time.NewTicker(pruneGap)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-updates:
			if !ok {
				return nil
			}
			d.Evaluate(ctx)
		case <-tick.C:
			d.Evaluate(ctx)
		case <-prune.C:
			d.gate.Prune()
		}
	}
}

// Evaluate runs one detection cycle over the current cache snapshot. Venues
// with stale or missing entries are simply absent from the snapshot; zero or
// one live venues yields no opportunities.
func (d *Detector) Evaluate(ctx context.Context) {
	d.evaluations.Add(1)

	quotes := d.cache.SnapshotAll(d.cfg.Pair)
	if len(quotes) < 2 {
		return
	}

	now := d.now()
	for i := range quotes {
		for j := range quotes {
			if i == j {
				continue
			}
			opp, ok := d.compare(quotes[i], quotes[j], now)
			if !ok {
				continue
			}
			d.emit(ctx, opp)
		}
	}
}

// compare prices a buy on buyQ's ask against a sell on sellQ's bid. The fee
// model charges the taker fee on each leg plus the buy venue's fixed transfer
// cost (charged once, on the side that must move funds).
func (d *Detector) compare(buyQ, sellQ domain.Quote, now time.Time) (domain.Opportunity, bool) {
	buy := buyQ.Ask
	sell := sellQ.Bid
	if sell <= buy {
		return domain.Opportunity{}, false
	}

	gross := sell - buy
	buyFees := d.cfg.Fees[buyQ.Venue]
	sellFees := d.cfg.Fees[sellQ.Venue]
	net := gross - buy*buyFees.TakerFee - sell*sellFees.TakerFee - buyFees.TransferCost
	if net <= 0 {
		return domain.Opportunity{}, false
	}

	profitPct := net / buy * 100
	if profitPct < d.cfg.MinProfitPct {
		if profitPct >= d.cfg.LogProfitPct {
			d.logger.Debug("sub-threshold spread",
				slog.String("buy_venue", buyQ.Venue),
				slog.String("sell_venue", sellQ.Venue),
				slog.Float64("profit_pct", profitPct),
			)
		}
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		ID:            uuid.Must(uuid.NewRandom()).String(),
		Pair:          d.cfg.Pair,
		BuyVenue:      buyQ.Venue,
		SellVenue:     sellQ.Venue,
		BuyPrice:      buy,
		SellPrice:     sell,
		GrossSpread:   gross,
		Profit:        net,
		ProfitPercent: profitPct,
		DetectedAt:    now,
	}, true
}

// emit applies the cooldown gate and forwards the opportunity. Suppressed
// opportunities are still counted for metrics.
func (d *Detector) emit(ctx context.Context, opp domain.Opportunity) {
	if !d.gate.Allow(opp.Key()) {
		d.suppressed.Add(1)
		return
	}

	select {
	case d.out <- opp:
		d.emitted.Add(1)
		d.logger.Info("opportunity detected",
			slog.String("id", opp.ID),
			slog.String("buy_venue", opp.BuyVenue),
			slog.String("sell_venue", opp.SellVenue),
			slog.Float64("profit", opp.Profit),
			slog.Float64("profit_pct", opp.ProfitPercent),
		)
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Evaluations: d.evaluations.Load(),
		Emitted:     d.emitted.Load(),
		Suppressed:  d.suppressed.Load(),
	}
}
