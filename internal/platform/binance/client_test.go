package binance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tradekit/arbscan/internal/crypto"
	"github.com/tradekit/arbscan/internal/dispatch"
	"github.com/tradekit/arbscan/internal/domain"
)

func startDispatcher(t *testing.T, baseURL string) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Config{
		Venue:             "binance",
		BaseURL:           baseURL,
		Burst:             10,
		RefillRate:        100,
		MaxInflight:       2,
		MaxAttempts:       3,
		RetryBase:         10 * time.Millisecond,
		RetryMax:          50 * time.Millisecond,
		RetryAfterDefault: 10 * time.Millisecond,
		MaxTokenWait:      time.Second,
		RequestTimeout:    2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func TestFetchTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s", got)
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"68000.10","bidPrice":"67999.50","askPrice":"68000.50","volume":"1234.5"}`))
	}))
	defer srv.Close()

	c := NewClient("binance", nil, startDispatcher(t, srv.URL))
	q, err := c.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if q.Venue != "binance" || q.Pair != "BTC/USDT" {
		t.Errorf("quote identity = %s %s", q.Venue, q.Pair)
	}
	if q.Bid != 67999.50 || q.Ask != 68000.50 || q.Last != 68000.10 {
		t.Errorf("prices = %v/%v/%v", q.Bid, q.Ask, q.Last)
	}
}

func TestFetchTickerBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bidPrice":"not a number","askPrice":"1"}`))
	}))
	defer srv.Close()

	c := NewClient("binance", nil, startDispatcher(t, srv.URL))
	if _, err := c.FetchTicker(context.Background(), "BTC/USDT"); err == nil {
		t.Error("expected error for unparseable prices")
	}
}

func TestGetBalancesSignsRequest(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "test-key", Secret: "test-secret"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		raw := r.URL.RawQuery
		if !strings.Contains(raw, "timestamp=") {
			t.Error("query missing timestamp")
		}
		idx := strings.Index(raw, "signature=")
		if idx < 0 {
			t.Fatal("query missing signature")
		}
		// The signature parameter must be last, signing everything before it.
		signed := strings.TrimSuffix(raw[:idx], "&")
		want := auth.BinanceSignature(signed)
		if got := raw[idx+len("signature="):]; got != want {
			t.Errorf("signature = %s, want %s", got, want)
		}
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"0.5","locked":"0"}]}`))
	}))
	defer srv.Close()

	c := NewClient("binance", auth, startDispatcher(t, srv.URL))
	balances, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(balances) != 1 || balances[0].Asset != "BTC" {
		t.Errorf("balances = %+v", balances)
	}
}

func TestGetBalancesWithoutCredentials(t *testing.T) {
	c := NewClient("binance", nil, startDispatcher(t, "http://unused"))
	_, err := c.GetBalances(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestNativeSymbol(t *testing.T) {
	cases := []struct{ in, want string }{
		{"BTC/USDT", "BTCUSDT"},
		{"eth/usdt", "ETHUSDT"},
	}
	for _, tc := range cases {
		if got := nativeSymbol(tc.in); got != tc.want {
			t.Errorf("nativeSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
