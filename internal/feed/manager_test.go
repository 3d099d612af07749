package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradekit/arbscan/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func testManagerConfig() Config {
	return Config{
		HeartbeatInterval: time.Minute, // out of the way for these tests
		HeartbeatGrace:    time.Second,
		MaxMissedPongs:    3,
		ReconnectBase:     20 * time.Millisecond,
		ReconnectFactor:   2,
		ReconnectMax:      200 * time.Millisecond,
		MaxReconnects:     5,
		SendQueueSize:     8,
		ShutdownGrace:     2 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

const binanceTickerFrame = `{"e":"24hrTicker","s":"BTCUSDT","c":"68000.10","b":"67999.50","a":"68000.50","v":"1234.5"}`

func TestManagerConnectSubscribeAndStream(t *testing.T) {
	subscribed := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- sub

		if err := conn.WriteMessage(websocket.TextMessage, []byte(binanceTickerFrame)); err != nil {
			return
		}
		// Keep the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	quotes := make(chan domain.Quote, 8)
	m := NewManager(testManagerConfig(), func(q domain.Quote) { quotes <- q }, testLogger())

	if err := m.AddVenue(VenueSpec{Name: "binance", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &BinanceParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case sub := <-subscribed:
		if !strings.Contains(string(sub), "btcusdt@ticker") {
			t.Errorf("subscription frame = %s", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a subscription frame")
	}

	select {
	case q := <-quotes:
		if q.Venue != "binance" || q.Pair != "BTC/USDT" {
			t.Errorf("quote = %+v", q)
		}
		if q.Bid != 67999.50 || q.Ask != 68000.50 {
			t.Errorf("bid/ask = %v/%v", q.Bid, q.Ask)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no quote delivered")
	}

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("status has %d venues", len(status))
	}
	if status[0].State != domain.ConnStreaming {
		t.Errorf("state = %s, want streaming", status[0].State)
	}

	cancel()
	m.Close()
}

func TestManagerResubscribesAfterReconnect(t *testing.T) {
	var connects atomic.Int32
	quotesSent := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := connects.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil { // subscription
			return
		}
		if n == 1 {
			// Drop the first connection right after subscribe.
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(binanceTickerFrame)); err != nil {
			return
		}
		quotesSent <- struct{}{}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	quotes := make(chan domain.Quote, 8)
	m := NewManager(testManagerConfig(), func(q domain.Quote) { quotes <- q }, testLogger())
	if err := m.AddVenue(VenueSpec{Name: "binance", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &BinanceParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-quotes:
	case <-time.After(5 * time.Second):
		t.Fatal("no quote after reconnect")
	}
	if got := connects.Load(); got != 2 {
		t.Errorf("server saw %d connections, want 2", got)
	}

	cancel()
	m.Close()
}

func TestManagerDuplicateConnectIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := NewManager(testManagerConfig(), func(domain.Quote) {}, testLogger())
	if err := m.AddVenue(VenueSpec{Name: "binance", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &BinanceParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Wait until the venue is live, then connect again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status()[0].State == domain.ConnStreaming {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("duplicate Connect should be a no-op, got %v", err)
	}

	cancel()
	m.Close()
}

func TestManagerIntentionalDisconnectSuppressesReconnect(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connects.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := NewManager(testManagerConfig(), func(domain.Quote) {}, testLogger())
	if err := m.AddVenue(VenueSpec{Name: "binance", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &BinanceParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status()[0].State == domain.ConnStreaming {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Disconnect("binance"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// Far longer than the reconnect ladder; no new connection must appear.
	time.Sleep(300 * time.Millisecond)
	if got := connects.Load(); got != 1 {
		t.Errorf("server saw %d connections after intentional disconnect, want 1", got)
	}
	if state := m.Status()[0].State; state != domain.ConnDisconnected {
		t.Errorf("state = %s, want disconnected", state)
	}

	cancel()
	m.Close()
}

func TestManagerDisconnectDuringBackoffStopsRedialing(t *testing.T) {
	var dials atomic.Int32
	// Every handshake is rejected, so the venue cycles through dial failures
	// and backoff sleeps.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testManagerConfig()
	cfg.MaxReconnects = 0 // unlimited, keep the dial loop going
	m := NewManager(cfg, func(domain.Quote) {}, testLogger())
	if err := m.AddVenue(VenueSpec{Name: "binance", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &BinanceParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Let a few dial/backoff cycles happen first.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dials.Load() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if dials.Load() < 3 {
		t.Fatalf("server saw only %d dials before disconnect", dials.Load())
	}

	if err := m.Disconnect("binance"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// One dial may already be in flight; after it settles the count must
	// stop moving.
	time.Sleep(50 * time.Millisecond)
	settled := dials.Load()
	time.Sleep(400 * time.Millisecond)
	if got := dials.Load(); got != settled {
		t.Errorf("venue kept dialing after intentional disconnect: %d dials, want %d", got, settled)
	}
	if state := m.Status()[0].State; state != domain.ConnDisconnected {
		t.Errorf("state = %s, want disconnected", state)
	}

	cancel()
	m.Close()
}

func TestManagerHeartbeatTimeoutForcesReconnect(t *testing.T) {
	var connects atomic.Int32
	// The server never answers the application-level {"event":"ping"}, so
	// every heartbeat probe counts as a miss.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connects.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testManagerConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatGrace = 20 * time.Millisecond
	cfg.MaxMissedPongs = 2
	m := NewManager(cfg, func(domain.Quote) {}, testLogger())
	if err := m.AddVenue(VenueSpec{Name: "kraken", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &KrakenParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "kraken"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Two missed probes force-close the connection, then the backoff ladder
	// redials; a second connection proves the half-open kill fired.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && connects.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := connects.Load(); got < 2 {
		t.Fatalf("server saw %d connections, want at least 2 after heartbeat timeout", got)
	}

	cancel()
	m.Close()
}

func TestManagerParseErrorKeepsStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil { // subscription
			return
		}
		// A malformed frame, then a valid one.
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{{{not json`)); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(binanceTickerFrame)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	quotes := make(chan domain.Quote, 8)
	m := NewManager(testManagerConfig(), func(q domain.Quote) { quotes <- q }, testLogger())
	if err := m.AddVenue(VenueSpec{Name: "binance", WSURL: wsURL(srv), Pair: "BTC/USDT", Parser: &BinanceParser{}}); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx, "binance"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sawParseError := false
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventParseError {
				sawParseError = true
			}
		case q := <-quotes:
			// The quote after the bad frame arrived; the connection survived.
			if q.Pair != "BTC/USDT" {
				t.Errorf("quote = %+v", q)
			}
			if !sawParseError {
				t.Error("expected a parse_error event before the quote")
			}
			cancel()
			m.Close()
			return
		case <-timeout:
			t.Fatal("quote after malformed frame never arrived")
		}
	}
}

func TestManagerUnknownVenue(t *testing.T) {
	m := NewManager(testManagerConfig(), func(domain.Quote) {}, testLogger())
	if err := m.Connect(context.Background(), "ghost"); err == nil {
		t.Error("Connect on unknown venue should fail")
	}
	if err := m.Disconnect("ghost"); err == nil {
		t.Error("Disconnect on unknown venue should fail")
	}
	if err := m.Send("ghost", []byte("x")); err == nil {
		t.Error("Send to unknown venue should fail")
	}
}

func TestReconnectDelayLadder(t *testing.T) {
	v := &venueConn{cfg: Config{
		ReconnectBase:   2 * time.Second,
		ReconnectFactor: 2,
		ReconnectMax:    60 * time.Second,
	}}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 64 * time.Second}, // capped below
	}
	for _, tc := range cases {
		got := v.reconnectDelay(tc.attempt)
		want := tc.want
		if want > 60*time.Second {
			want = 60 * time.Second
		}
		if got != want {
			t.Errorf("delay(attempt=%d) = %v, want %v", tc.attempt, got, want)
		}
	}

	// Strictly increasing until the cap.
	prev := time.Duration(0)
	for a := 1; a <= 5; a++ {
		d := v.reconnectDelay(a)
		if d <= prev {
			t.Errorf("delay(attempt=%d) = %v, not greater than previous %v", a, d, prev)
		}
		prev = d
	}
}
