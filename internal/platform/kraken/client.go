// Package kraken is the REST client for the Kraken spot API. All requests run
// through the shared per-venue dispatcher so they respect the venue's token
// budget and retry policy.
package kraken

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

// Client is the REST client for the Kraken spot API.
type Client struct {
	venue      string
	auth       *crypto.HMACAuth
	dispatcher *dispatch.Dispatcher
}

// NewClient creates a Kraken client. auth may be nil for public-only use.
func NewClient(venue string, auth *crypto.HMACAuth, d *dispatch.Dispatcher) *Client {
	return &Client{venue: venue, auth: auth, dispatcher: d}
}

// envelope is the common Kraken response wrapper. Errors arrive in-band as
// strings like "EAPI:Invalid key".
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// tickerInfo is the public Ticker payload subset we read. Index 0 of each
// array carries the price.
type tickerInfo struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
}

// FetchTicker returns the current quote for a canonical "BASE/QUOTE" pair.
// Used as the polling fallback when the venue offers no streaming feed.
func (c *Client) FetchTicker(ctx context.Context, pair string) (domain.Quote, error) {
	q := url.Values{}
	q.Set("pair", nativePair(pair))

	resp, err := c.dispatcher.Do(ctx, &dispatch.Request{
		Method:   http.MethodGet,
		Path:     "/0/public/Ticker",
		Query:    q,
		Priority: dispatch.PriorityHigh,
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("kraken: fetch ticker %s: %w", pair, err)
	}

	result, err := unwrap(resp.Body)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("kraken: fetch ticker %s: %w", pair, err)
	}

	// The result is keyed by Kraken's own pair spelling, which rarely matches
	// the requested one exactly; take the single entry.
	var byPair map[string]tickerInfo
	if err := json.Unmarshal(result, &byPair); err != nil {
		return domain.Quote{}, fmt.Errorf("kraken: decode ticker: %w", err)
	}
	var t tickerInfo
	found := false
	for _, v := range byPair {
		t = v
		found = true
		break
	}
	if !found {
		return domain.Quote{}, fmt.Errorf("kraken: ticker result empty for %s", pair)
	}

	bid, err := firstFloat(t.Bid)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("kraken: bid: %w", err)
	}
	ask, err := firstFloat(t.Ask)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("kraken: ask: %w", err)
	}
	last, _ := firstFloat(t.Last)
	vol, _ := firstFloat(t.Volume)

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

// GetBalances returns the account's asset balances keyed by Kraken asset
// code. Requires credentials.
func (c *Client) GetBalances(ctx context.Context) (map[string]string, error) {
	result, err := c.signedPost(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("kraken: get balances: %w", err)
	}

	var balances map[string]string
	if err := json.Unmarshal(result, &balances); err != nil {
		return nil, fmt.Errorf("kraken: decode balances: %w", err)
	}
	return balances, nil
}

// OpenOrder is one resting order from the OpenOrders endpoint.
type OpenOrder struct {
	Status string `json:"status"`
	Volume string `json:"vol"`
	Price  string `json:"price"`
	Descr  struct {
		Pair string `json:"pair"`
		Type string `json:"type"`
	} `json:"descr"`
}

// GetOpenOrders returns the account's resting orders keyed by transaction ID.
// Requires credentials.
func (c *Client) GetOpenOrders(ctx context.Context) (map[string]OpenOrder, error) {
	result, err := c.signedPost(ctx, "/0/private/OpenOrders", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("kraken: get open orders: %w", err)
	}

	var out struct {
		Open map[string]OpenOrder `json:"open"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("kraken: decode open orders: %w", err)
	}
	return out.Open, nil
}

// signedPost performs a private endpoint call: nonce in the form body,
// API-Key and API-Sign headers per the Kraken scheme.
func (c *Client) signedPost(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	if c.auth == nil {
		return nil, domain.ErrUnauthorized
	}

	nonce := crypto.KrakenNonce()
	form.Set("nonce", nonce)
	postData := form.Encode()

	sig, err := c.auth.KrakenSignature(path, nonce, postData)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("API-Key", c.auth.Key)
	header.Set("API-Sign", sig)
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.dispatcher.Do(ctx, &dispatch.Request{
		Method:   http.MethodPost,
		Path:     path,
		Body:     []byte(postData),
		Header:   header,
		Priority: dispatch.PriorityMedium,
	})
	if err != nil {
		return nil, err
	}
	return unwrap(resp.Body)
}

// unwrap decodes the Kraken envelope and surfaces in-band errors. Auth
// errors map to the shared sentinel so callers can branch on them.
func unwrap(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Error) > 0 {
		msg := strings.Join(env.Error, "; ")
		if strings.HasPrefix(env.Error[0], "EAPI:") || strings.HasPrefix(env.Error[0], "EAuth:") {
			return nil, fmt.Errorf("%s: %w", msg, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("venue error: %s", msg)
	}
	return env.Result, nil
}

// nativePair converts "BTC/USDT" to Kraken's spelling; Kraken uses XBT for
// bitcoin and concatenates the assets.
func nativePair(pair string) string {
	p := strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
	return strings.ReplaceAll(p, "BTC", "XBT")
}

// firstFloat parses element 0 of a Kraken price array.
func firstFloat(arr []string) (float64, error) {
	if len(arr) == 0 {
		return 0, fmt.Errorf("empty price array")
	}
	return strconv.ParseFloat(arr[0], 64)
}
