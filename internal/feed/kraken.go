package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

// KrakenParser speaks the Kraken public WebSocket v1 ticker protocol. Kraken
// expects application-level {"event":"ping"} frames.
type KrakenParser struct{}

// Name returns the parser identifier.
func (p *KrakenParser) Name() string { return "kraken" }

// SubscribeFrame subscribes to the ticker channel for the pair. Kraken
// accepts the canonical "BASE/QUOTE" form directly.
func (p *KrakenParser) SubscribeFrame(pair string) ([]byte, error) {
	if pair == "" {
		return nil, fmt.Errorf("feed: kraken: empty pair")
	}
	return json.Marshal(map[string]any{
		"event": "subscribe",
		"pair":  []string{pair},
		"subscription": map[string]string{
			"name": "ticker",
		},
	})
}

// krakenTicker holds the fields of a ticker payload we read. Each field is an
// array of strings; index 0 carries the price.
type krakenTicker struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
}

// ParseFrame maps a ticker frame to a Quote. Kraken data frames are JSON
// arrays [channelID, payload, channelName, pair]; object frames are events
// (heartbeat, systemStatus, subscriptionStatus) and are skipped.
func (p *KrakenParser) ParseFrame(venue string, raw []byte) (domain.Quote, bool, error) {
	if len(raw) == 0 {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: empty frame")
	}
	if raw[0] != '[' {
		// Event frame: valid, but carries no quote.
		return domain.Quote{}, false, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: decode frame: %w", err)
	}
	if len(parts) < 4 {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: short data frame (%d parts)", len(parts))
	}

	var channel string
	if err := json.Unmarshal(parts[2], &channel); err != nil || channel != "ticker" {
		return domain.Quote{}, false, nil
	}

	var t krakenTicker
	if err := json.Unmarshal(parts[1], &t); err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: decode ticker: %w", err)
	}
	var pair string
	if err := json.Unmarshal(parts[3], &pair); err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: decode pair: %w", err)
	}

	bid, err := firstPrice(t.Bid)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: bid: %w", err)
	}
	ask, err := firstPrice(t.Ask)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: ask: %w", err)
	}
	last, err := firstPrice(t.Last)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: kraken: last: %w", err)
	}
	var vol float64
	if v, err := firstPrice(t.Volume); err == nil {
		vol = v
	}

	return domain.Quote{
		Venue:      venue,
		Pair:       pair,
		Bid:        bid,
		Ask:        ask,
		Last:       last,
		Volume:     vol,
		ObservedAt: time.Now(),
	}, true, nil
}

// PingFrame returns the application-level ping event.
func (p *KrakenParser) PingFrame() ([]byte, bool) {
	return []byte(`{"event":"ping"}`), true
}

// IsPong matches the application-level pong event.
func (p *KrakenParser) IsPong(raw []byte) bool {
	var ev struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return false
	}
	return ev.Event == "pong"
}

// firstPrice parses element 0 of a Kraken price array.
func firstPrice(arr []string) (float64, error) {
	if len(arr) == 0 {
		return 0, fmt.Errorf("empty price array")
	}
	return strconv.ParseFloat(arr[0], 64)
}
