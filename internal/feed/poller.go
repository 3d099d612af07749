package feed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradekit/arbscan/internal/domain"
)

// TickerFetcher fetches a point-in-time quote for a pair over REST.
type TickerFetcher interface {
	FetchTicker(ctx context.Context, pair string) (domain.Quote, error)
}

// Poller is the REST fallback for venues without a streaming feed. It fetches
// the ticker at a fixed cadence, paced by a rate limiter so a short interval
// can never hammer the venue, and delivers quotes through the same handler
// the streaming path uses.
type Poller struct {
	venue    string
	pair     string
	fetcher  TickerFetcher
	interval time.Duration
	limiter  *rate.Limiter
	onQuote  QuoteHandler
	logger   *slog.Logger
}

// NewPoller creates a poller for one venue and pair. The limiter caps the
// effective request rate at one fetch per interval with no burst.
func NewPoller(venue, pair string, fetcher TickerFetcher, interval time.Duration, onQuote QuoteHandler, logger *slog.Logger) *Poller {
	return &Poller{
		venue:    venue,
		pair:     pair,
		fetcher:  fetcher,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		onQuote:  onQuote,
		logger: logger.With(
			slog.String("component", "poller"),
			slog.String("venue", venue),
		),
	}
}

// Run polls until the context is cancelled. Fetch errors are logged and the
// loop continues; a venue that keeps failing simply ages out of the cache.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		slog.String("pair", p.pair),
		slog.Duration("interval", p.interval),
	)

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		q, err := p.fetcher.FetchTicker(ctx, p.pair)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("ticker fetch failed", slog.String("error", err.Error()))
			continue
		}
		p.onQuote(q)
	}
}
