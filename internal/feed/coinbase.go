package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

// CoinbaseParser speaks the Coinbase Exchange WebSocket ticker protocol.
// Heartbeats arrive on a dedicated channel; protocol pings keep the socket
// alive.
type CoinbaseParser struct{}

// Name returns the parser identifier.
func (p *CoinbaseParser) Name() string { return "coinbase" }

// SubscribeFrame subscribes to the ticker and heartbeat channels. "BTC/USDT"
// maps to the "BTC-USDT" product ID.
func (p *CoinbaseParser) SubscribeFrame(pair string) ([]byte, error) {
	product := strings.ReplaceAll(pair, "/", "-")
	if product == "" {
		return nil, fmt.Errorf("feed: coinbase: empty pair")
	}
	return json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": []string{product},
		"channels":    []string{"ticker", "heartbeat"},
	})
}

// coinbaseTicker is the ticker message payload.
type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
}

// ParseFrame maps a ticker message to a Quote. Subscription confirmations,
// heartbeats, and other message types are skipped without error; an explicit
// "error" message is surfaced as a parse error so the manager logs it.
func (p *CoinbaseParser) ParseFrame(venue string, raw []byte) (domain.Quote, bool, error) {
	var t coinbaseTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: coinbase: decode frame: %w", err)
	}
	switch t.Type {
	case "ticker":
	case "error":
		return domain.Quote{}, false, fmt.Errorf("feed: coinbase: venue error frame: %s", truncateFrame(raw))
	default:
		return domain.Quote{}, false, nil
	}

	bid, err := strconv.ParseFloat(t.BestBid, 64)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: coinbase: bid %q: %w", t.BestBid, err)
	}
	ask, err := strconv.ParseFloat(t.BestAsk, 64)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: coinbase: ask %q: %w", t.BestAsk, err)
	}
	last, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: coinbase: price %q: %w", t.Price, err)
	}
	vol, _ := strconv.ParseFloat(t.Volume24h, 64) // optional

	return domain.Quote{
		Venue:      venue,
		Pair:       strings.ReplaceAll(t.ProductID, "-", "/"),
		Bid:        bid,
		Ask:        ask,
		Last:       last,
		Volume:     vol,
		ObservedAt: time.Now(),
	}, true, nil
}

// PingFrame reports that Coinbase uses protocol-level pings.
func (p *CoinbaseParser) PingFrame() ([]byte, bool) { return nil, false }

// IsPong always returns false; pongs are handled at the protocol level.
func (p *CoinbaseParser) IsPong([]byte) bool { return false }

// truncateFrame clips a raw frame for error messages.
func truncateFrame(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
