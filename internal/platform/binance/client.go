// Package binance is the REST client for the Binance spot API. All requests
// run through the shared per-venue dispatcher so they respect the venue's
// token budget and retry policy.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tradekit/arbscan/internal/crypto"
	"github.com/tradekit/arbscan/internal/dispatch"
	"github.com/tradekit/arbscan/internal/domain"
)

// Client is the REST client for the Binance spot API.
type Client struct {
	venue      string
	auth       *crypto.HMACAuth
	dispatcher *dispatch.Dispatcher
}

// NewClient creates a Binance client. auth may be nil for public-only use.
func NewClient(venue string, auth *crypto.HMACAuth, d *dispatch.Dispatcher) *Client {
	return &Client{venue: venue, auth: auth, dispatcher: d}
}

// ticker24h is the /api/v3/ticker/24hr payload subset we read.
type ticker24h struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
}

// FetchTicker returns the current quote for a canonical "BASE/QUOTE" pair.
// Used as the polling fallback when the venue offers no streaming feed.
func (c *Client) FetchTicker(ctx context.Context, pair string) (domain.Quote, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(pair))

	resp, err := c.dispatcher.Do(ctx, &dispatch.Request{
		Method:   http.MethodGet,
		Path:     "/api/v3/ticker/24hr",
		Query:    q,
		Priority: dispatch.PriorityHigh, // price data drives detection
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("binance: fetch ticker %s: %w", pair, err)
	}

	var t ticker24h
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return domain.Quote{}, fmt.Errorf("binance: decode ticker: %w", err)
	}

	bid, err := strconv.ParseFloat(t.BidPrice, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("binance: bid %q: %w", t.BidPrice, err)
	}
	ask, err := strconv.ParseFloat(t.AskPrice, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("binance: ask %q: %w", t.AskPrice, err)
	}
	last, _ := strconv.ParseFloat(t.LastPrice, 64)
	vol, _ := strconv.ParseFloat(t.Volume, 64)

	return domain.Quote{
		Venue:      c.venue,
		Pair:       pair,
		Bid:        bid,
		Ask:        ask,
		Last:       last,
		Volume:     vol,
		ObservedAt: time.Now(),
	}, nil
}

// Balance is one asset balance from the account endpoint.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetBalances returns the account's asset balances. Requires credentials.
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	resp, err := c.signedGet(ctx, "/api/v3/account", url.Values{}, dispatch.PriorityMedium)
	if err != nil {
		return nil, fmt.Errorf("binance: get balances: %w", err)
	}

	var out struct {
		Balances []Balance `json:"balances"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}
	return out.Balances, nil
}

// OpenOrder is one resting order from the open-orders endpoint.
type OpenOrder struct {
	Symbol  string `json:"symbol"`
	OrderID int64  `json:"orderId"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	OrigQty string `json:"origQty"`
	Status  string `json:"status"`
}

// GetOpenOrders returns the account's resting orders for a pair. Requires
// credentials.
func (c *Client) GetOpenOrders(ctx context.Context, pair string) ([]OpenOrder, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(pair))

	resp, err := c.signedGet(ctx, "/api/v3/openOrders", q, dispatch.PriorityLow)
	if err != nil {
		return nil, fmt.Errorf("binance: get open orders: %w", err)
	}

	var orders []OpenOrder
	if err := json.Unmarshal(resp.Body, &orders); err != nil {
		return nil, fmt.Errorf("binance: decode open orders: %w", err)
	}
	return orders, nil
}

// signedGet signs the query per the Binance scheme: the millisecond timestamp
// joins the query, the whole encoded query is HMAC-signed, and the signature
// must travel as the final parameter. The signed string is baked into the
// path so nothing downstream can reorder it.
func (c *Client) signedGet(ctx context.Context, path string, q url.Values, prio dispatch.Priority) (*dispatch.Response, error) {
	if c.auth == nil {
		return nil, domain.ErrUnauthorized
	}

	q.Set("timestamp", crypto.BinanceTimestamp())
	encoded := q.Encode()
	signed := encoded + "&signature=" + c.auth.BinanceSignature(encoded)

	header := http.Header{}
	header.Set("X-MBX-APIKEY", c.auth.Key)

	return c.dispatcher.Do(ctx, &dispatch.Request{
		Method:   http.MethodGet,
		Path:     path + "?" + signed,
		Header:   header,
		Priority: prio,
	})
}

// nativeSymbol converts "BTC/USDT" to the concatenated "BTCUSDT" form.
func nativeSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}
