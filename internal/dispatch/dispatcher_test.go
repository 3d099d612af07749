package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) Config {
	return Config{
		Venue:             "testvenue",
		BaseURL:           baseURL,
		Burst:             100,
		RefillRate:        1000,
		MaxInflight:       5,
		MaxAttempts:       3,
		RetryBase:         time.Millisecond,
		RetryMax:          10 * time.Millisecond,
		RetryAfterDefault: 5 * time.Millisecond,
		MaxTokenWait:      time.Second,
		RequestTimeout:    time.Second,
	}
}

func startDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := New(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()
	return d
}

func TestTransientFailureRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := startDispatcher(t, testConfig(srv.URL))
	resp, err := d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ticker"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad symbol", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := startDispatcher(t, testConfig(srv.URL))
	_, err := d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ticker"})
	if err == nil {
		t.Fatalf("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestAuthErrorSurfacedImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := startDispatcher(t, testConfig(srv.URL))
	_, err := d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/balance"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRateLimitedWaitsAndRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := startDispatcher(t, testConfig(srv.URL))
	resp, err := d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ticker"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK || calls.Load() != 2 {
		t.Fatalf("expected one 429 then success, got status=%d calls=%d", resp.Status, calls.Load())
	}
}

func TestRepeatedRateLimitIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := startDispatcher(t, testConfig(srv.URL))
	_, err := d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ticker"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestHighPriorityServedFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxInflight = 1
	d := New(cfg, testLogger())

	// Queue low first, then high, before the scheduler starts.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	enqueue := func(path string, prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Do(context.Background(), &Request{Method: http.MethodGet, Path: path, Priority: prio})
			results <- err
		}()
	}
	enqueue("/low", PriorityLow)
	time.Sleep(50 * time.Millisecond) // let the low request reach its queue
	enqueue("/high", PriorityHigh)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	wg.Wait()
	close(results)
	for err := range results {
		if err != nil {
			t.Fatalf("do: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "/high" || order[1] != "/low" {
		t.Fatalf("expected high before low, got %v", order)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxInflight = 2
	d := startDispatcher(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("in-flight ceiling violated: peak %d", peak.Load())
	}
}
