package domain

import (
	"fmt"
	"time"
)

// Opportunity is a detected, fee-adjusted profitable spread between two
// venues. It is immutable once created and consumed at most once by each
// downstream collaborator.
type Opportunity struct {
	ID            string
	Pair          string
	BuyVenue      string
	SellVenue     string
	BuyPrice      float64 // ask on the buy venue
	SellPrice     float64 // bid on the sell venue
	GrossSpread   float64
	Profit        float64 // net of fees and transfer cost
	ProfitPercent float64 // Profit / BuyPrice * 100
	DetectedAt    time.Time
}

// Key returns the cooldown/dedup key for this opportunity. Opportunities are
// alert-gated per venue direction, not per price level.
func (o Opportunity) Key() string {
	return o.BuyVenue + "->" + o.SellVenue
}

// String renders a compact human-readable summary for logs and alerts.
func (o Opportunity) String() string {
	return fmt.Sprintf("%s: buy %s@%.8g sell %s@%.8g profit %.8g (%.2f%%)",
		o.Pair, o.BuyVenue, o.BuyPrice, o.SellVenue, o.SellPrice, o.Profit, o.ProfitPercent)
}
