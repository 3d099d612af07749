// Package app wires the scanner together and owns its lifecycle: venue
// feeds into the price cache, the cache into the detector, and detector
// output into the stores, the signal bus, and operator notifications.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradekit/arbscan/internal/config"
	"github.com/tradekit/arbscan/internal/detector"
	"github.com/tradekit/arbscan/internal/domain"
	"github.com/tradekit/arbscan/internal/feed"
	"github.com/tradekit/arbscan/internal/notify"
	"github.com/tradekit/arbscan/internal/pricecache"
)

// statusInterval is how often the venue/detector status summary is logged.
const statusInterval = 30 * time.Second

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *feed.Manager
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts every component, and blocks until ctx is
// cancelled. It returns ctx.Err() on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting scanner",
		slog.String("pair", a.cfg.Pair),
		slog.Int("venues", len(a.cfg.Venues)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	defer a.Close()

	cache := pricecache.New(
		a.cfg.Cache.StaleAfter.Duration,
		a.cfg.Cache.NoiseFloor,
		a.logger,
	)

	// updates carries one signal per material cache change; capacity 1 is
	// enough because the detector always reads the latest cache state.
	updates := make(chan struct{}, 1)
	opportunities := make(chan domain.Opportunity, 64)
	persist := make(chan domain.Quote, 256)

	onQuote := func(q domain.Quote) {
		changed, err := cache.Update(q)
		if err != nil {
			return // rejected quotes are logged by the cache
		}
		if deps.PriceStore != nil {
			select {
			case persist <- q:
			default:
				// History writing must never block the hot path.
			}
		}
		if changed {
			select {
			case updates <- struct{}{}:
			default:
			}
		}
	}

	a.manager = feed.NewManager(feed.Config{
		HeartbeatInterval: a.cfg.Feed.HeartbeatInterval.Duration,
		HeartbeatGrace:    a.cfg.Feed.HeartbeatGrace.Duration,
		MaxMissedPongs:    a.cfg.Feed.MaxMissedPongs,
		ReconnectBase:     a.cfg.Feed.ReconnectBase.Duration,
		ReconnectFactor:   a.cfg.Feed.ReconnectFactor,
		ReconnectMax:      a.cfg.Feed.ReconnectMax.Duration,
		MaxReconnects:     a.cfg.Feed.MaxReconnects,
		SendQueueSize:     a.cfg.Feed.SendQueueSize,
		ShutdownGrace:     a.cfg.Feed.ShutdownGrace.Duration,
	}, onQuote, a.logger)

	fees := make(map[string]domain.FeeSchedule, len(a.cfg.Venues))
	for _, v := range a.cfg.Venues {
		maker, taker := v.FeeFractions()
		fees[v.Name] = domain.FeeSchedule{
			MakerFee:     maker,
			TakerFee:     taker,
			TransferCost: v.TransferCost,
		}
	}

	det := detector.New(detector.Config{
		Pair:         a.cfg.Pair,
		MinProfitPct: a.cfg.Detector.MinProfitPct,
		LogProfitPct: a.cfg.Detector.LogProfitPct,
		Cooldown:     a.cfg.Detector.Cooldown.Duration,
		TickInterval: a.cfg.Detector.TickInterval.Duration,
		PruneGap:     a.cfg.Detector.CooldownPruneGap.Duration,
		Fees:         fees,
	}, cache, opportunities, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	// Dispatchers first so polled venues can make progress immediately.
	for name, d := range deps.Dispatchers {
		d := d
		a.logger.Debug("starting dispatcher", slog.String("venue", name))
		g.Go(func() error { return ignoreCancel(d.Run(gctx)) })
	}

	// Streaming venues go through the connection manager, polled venues
	// through a paced REST loop; both feed the same quote path.
	for _, v := range a.cfg.Venues {
		if v.Poll {
			fetcher, ok := deps.Fetchers[v.Name]
			if !ok {
				return fmt.Errorf("app: polled venue %s has no REST client", v.Name)
			}
			p := feed.NewPoller(v.Name, a.cfg.Pair, fetcher, v.PollInterval.Duration, onQuote, a.logger)
			g.Go(func() error { return ignoreCancel(p.Run(gctx)) })
			continue
		}

		parser, err := feed.NewParser(v.Parser)
		if err != nil {
			return fmt.Errorf("app: venue %s: %w", v.Name, err)
		}
		if err := a.manager.AddVenue(feed.VenueSpec{
			Name:   v.Name,
			WSURL:  v.WSURL,
			Pair:   a.cfg.Pair,
			Parser: parser,
		}); err != nil {
			return fmt.Errorf("app: venue %s: %w", v.Name, err)
		}
		if err := a.manager.Connect(gctx, v.Name); err != nil {
			return fmt.Errorf("app: connect %s: %w", v.Name, err)
		}
	}

	g.Go(func() error { return ignoreCancel(det.Run(gctx, updates)) })
	g.Go(func() error { return a.consumeOpportunities(gctx, deps, opportunities) })
	g.Go(func() error { return a.consumeEvents(gctx, deps.Notifier) })
	g.Go(func() error { return a.statusLoop(gctx, det, cache) })
	g.Go(func() error { return a.resetOnSignal(gctx) })

	if deps.PriceStore != nil {
		g.Go(func() error { return a.persistQuotes(gctx, deps.PriceStore, persist) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return ignoreCancel(deps.Archiver.Run(gctx, a.cfg.S3.Interval.Duration)) })
	}

	err = g.Wait()
	a.manager.Close()
	return err
}

// consumeOpportunities fans each detected opportunity out to the store, the
// signal bus, and the notifier. Downstream failures are logged, never fatal:
// detection continues regardless.
func (a *App) consumeOpportunities(ctx context.Context, deps *Dependencies, in <-chan domain.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case opp := <-in:
			a.logger.Info("opportunity detected", slog.String("opportunity", opp.String()))

			if deps.OpportunityStore != nil {
				if err := deps.OpportunityStore.Insert(ctx, opp); err != nil {
					a.logger.Error("store opportunity failed", slog.String("error", err.Error()))
				}
			}
			if deps.SignalBus != nil {
				if err := deps.SignalBus.PublishOpportunity(ctx, a.cfg.Redis.Channel, opp); err != nil {
					a.logger.Error("publish opportunity failed", slog.String("error", err.Error()))
				}
			}
			if err := deps.Notifier.NotifyOpportunity(ctx, opp); err != nil {
				a.logger.Error("notify opportunity failed", slog.String("error", err.Error()))
			}
		}
	}
}

// consumeEvents reacts to venue lifecycle events. Degradation alerts the
// operator; everything else is just logged.
func (a *App) consumeEvents(ctx context.Context, notifier *notify.Notifier) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.manager.Events():
			switch ev.Type {
			case feed.EventMaxReconnectReached:
				a.logger.Error("venue degraded",
					slog.String("venue", ev.Venue),
				)
				if err := notifier.NotifyVenue(ctx, notify.EventVenueDegraded, ev.Venue,
					"reconnect budget exhausted; send SIGUSR1 to reset"); err != nil {
					a.logger.Error("notify degraded venue failed", slog.String("error", err.Error()))
				}
			case feed.EventConnected:
				a.logger.Info("venue connected", slog.String("venue", ev.Venue))
			case feed.EventParseError:
				a.logger.Debug("venue frame rejected",
					slog.String("venue", ev.Venue),
					slog.String("error", errText(ev.Err)),
				)
			default:
				a.logger.Debug("venue event",
					slog.String("venue", ev.Venue),
					slog.String("event", ev.Type.String()),
					slog.String("error", errText(ev.Err)),
				)
			}
		}
	}
}

// persistQuotes writes buffered quote observations to the history store.
func (a *App) persistQuotes(ctx context.Context, store domain.PriceHistoryStore, in <-chan domain.Quote) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-in:
			if err := store.Insert(ctx, q); err != nil {
				a.logger.Error("persist quote failed",
					slog.String("venue", q.Venue),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// statusLoop periodically logs a one-line health summary per venue plus the
// detector counters.
func (a *App) statusLoop(ctx context.Context, det *detector.Detector, cache *pricecache.Cache) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, st := range a.manager.Status() {
				a.logger.Info("venue status",
					slog.String("venue", st.Venue),
					slog.String("state", st.State.String()),
					slog.Bool("degraded", st.Degraded),
					slog.Int("reconnect_attempts", st.ReconnectAttempts),
					slog.Time("last_heartbeat", st.LastHeartbeat),
				)
			}
			stats := det.Stats()
			a.logger.Info("detector status",
				slog.Uint64("evaluations", stats.Evaluations),
				slog.Uint64("emitted", stats.Emitted),
				slog.Uint64("suppressed", stats.Suppressed),
				slog.Int("venues_cached", len(cache.Venues())),
			)
		}
	}
}

// resetOnSignal clears the degraded flag on every venue when the operator
// sends SIGUSR1, resuming reconnect attempts.
func (a *App) resetOnSignal(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
			for _, st := range a.manager.Status() {
				if !st.Degraded {
					continue
				}
				a.logger.Info("resetting degraded venue", slog.String("venue", st.Venue))
				if err := a.manager.Reset(st.Venue); err != nil {
					a.logger.Error("reset failed",
						slog.String("venue", st.Venue),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// Close tears down wired resources in reverse registration order. Safe to
// call multiple times.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ignoreCancel maps context cancellation to a clean exit so errgroup treats
// shutdown as success.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
