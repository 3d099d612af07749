package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

// BinanceParser speaks the Binance combined-stream ticker protocol. Binance
// answers protocol-level pings, so no application ping frame is needed.
type BinanceParser struct{}

// Name returns the parser identifier.
func (p *BinanceParser) Name() string { return "binance" }

// SubscribeFrame subscribes to the 24h rolling ticker stream for the pair.
// "BTC/USDT" maps to the "btcusdt@ticker" stream name.
func (p *BinanceParser) SubscribeFrame(pair string) ([]byte, error) {
	sym := strings.ToLower(strings.ReplaceAll(pair, "/", ""))
	if sym == "" {
		return nil, fmt.Errorf("feed: binance: empty pair")
	}
	return json.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{sym + "@ticker"},
		"id":     1,
	})
}

// binanceTicker is the 24hrTicker event payload. Prices arrive as strings.
type binanceTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Last   string `json:"c"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
	Volume string `json:"v"`
}

// ParseFrame maps a ticker event to a Quote. Subscription acks ({"result":
// null,"id":1}) and unknown events are skipped without error.
func (p *BinanceParser) ParseFrame(venue string, raw []byte) (domain.Quote, bool, error) {
	var t binanceTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: binance: decode frame: %w", err)
	}
	if t.Event != "24hrTicker" {
		return domain.Quote{}, false, nil
	}

	bid, err := strconv.ParseFloat(t.Bid, 64)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: binance: bid %q: %w", t.Bid, err)
	}
	ask, err := strconv.ParseFloat(t.Ask, 64)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: binance: ask %q: %w", t.Ask, err)
	}
	last, err := strconv.ParseFloat(t.Last, 64)
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("feed: binance: last %q: %w", t.Last, err)
	}
	vol, _ := strconv.ParseFloat(t.Volume, 64) // optional

	return domain.Quote{
		Venue:      venue,
		Pair:       canonicalPair(t.Symbol),
		Bid:        bid,
		Ask:        ask,
		Last:       last,
		Volume:     vol,
		ObservedAt: time.Now(),
	}, true, nil
}

// PingFrame reports that Binance uses protocol-level pings.
func (p *BinanceParser) PingFrame() ([]byte, bool) { return nil, false }

// IsPong always returns false; pongs are handled at the protocol level.
func (p *BinanceParser) IsPong([]byte) bool { return false }

// quoteCurrencies lists the quote assets recognized when splitting a Binance
// concatenated symbol back into canonical form.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "EUR", "USD"}

// canonicalPair converts "BTCUSDT" to "BTC/USDT". Unrecognized symbols are
// returned unchanged so the quote still carries an identifier.
func canonicalPair(symbol string) string {
	up := strings.ToUpper(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(up, q) && len(up) > len(q) {
			return up[:len(up)-len(q)] + "/" + q
		}
	}
	return up
}
