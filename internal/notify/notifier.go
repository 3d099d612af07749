// Package notify delivers operator alerts over one or more channels
// (Telegram, Discord). Alerts are filtered by event type so operators only
// receive the categories they subscribed to.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tradekit/arbscan/internal/domain"
)

// Event types emitted by the scanner.
const (
	EventOpportunity   = "opportunity"
	EventVenueDegraded = "venue_degraded"
	EventVenueRestored = "venue_restored"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns the channel identifier (e.g. "telegram").
	Name() string
}

// Notifier fans an alert out to all registered senders. Notify applies the
// configured event filter; an empty filter passes everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only events listed in
// events pass the filter; an empty list allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyOpportunity formats and delivers a detected arbitrage opportunity.
func (n *Notifier) NotifyOpportunity(ctx context.Context, opp domain.Opportunity) error {
	title := fmt.Sprintf("Arbitrage: %s %.2f%%", opp.Pair, opp.ProfitPercent)
	message := fmt.Sprintf(
		"Buy %s @ %.6f on %s\nSell %s @ %.6f on %s\nNet profit: %.6f (%.2f%%)",
		opp.Pair, opp.BuyPrice, opp.BuyVenue,
		opp.Pair, opp.SellPrice, opp.SellVenue,
		opp.Profit, opp.ProfitPercent,
	)
	return n.Notify(ctx, EventOpportunity, title, message)
}

// NotifyVenue delivers a venue state alert (degraded, restored).
func (n *Notifier) NotifyVenue(ctx context.Context, event, venue, detail string) error {
	title := fmt.Sprintf("Venue %s: %s", venue, event)
	return n.Notify(ctx, event, title, detail)
}

// Notify delivers to every sender when the event type passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every channel, collecting failures so one broken channel
// never blocks the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
