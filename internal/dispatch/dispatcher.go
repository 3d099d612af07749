// Package dispatch executes outbound venue requests under a per-venue token
// budget, a concurrency ceiling, and a uniform retry policy, so callers never
// implement backoff themselves.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tradekit/arbscan/internal/domain"
)

// Priority orders queued requests competing for the same venue budget.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// starvationEvery forces every Nth pick to sweep the queues from the low end
// so low-priority requests are never starved indefinitely.
const starvationEvery = 4

// Request is one outbound call. Header should already carry any signed
// authentication headers; the dispatcher adds nothing venue-specific.
type Request struct {
	Method   string
	Path     string // joined to the dispatcher base URL
	Query    url.Values
	Body     []byte
	Header   http.Header
	Priority Priority
	Cost     float64 // tokens to debit; 0 means 1
}

// Response is the terminal outcome of a dispatched request.
type Response struct {
	Status int
	Body   []byte
}

// Config holds per-venue dispatcher parameters.
type Config struct {
	Venue             string
	BaseURL           string
	Burst             int
	RefillRate        float64 // tokens per second
	MaxInflight       int64
	MaxAttempts       int
	RetryBase         time.Duration
	RetryMax          time.Duration
	RetryAfterDefault time.Duration // wait on 429 without a Retry-After header
	MaxTokenWait      time.Duration
	RequestTimeout    time.Duration
}

type pending struct {
	ctx context.Context
	req *Request
	res chan result
}

type result struct {
	resp *Response
	err  error
}

// Dispatcher serializes access to one venue's request budget. Start the
// scheduler with Run; submit work with Do.
type Dispatcher struct {
	cfg    Config
	bucket *Bucket
	sem    *semaphore.Weighted
	client *http.Client
	logger *slog.Logger

	queues [3]chan *pending
	picks  uint64 // scheduler pick counter, drives the anti-starvation sweep
}

// New creates a Dispatcher for one venue. The zero-valued http.Client fields
// are acceptable because every attempt runs under a per-attempt timeout ctx.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		bucket: NewBucket(cfg.Burst, cfg.RefillRate),
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		client: &http.Client{},
		logger: logger.With(
			slog.String("component", "dispatcher"),
			slog.String("venue", cfg.Venue),
		),
	}
	for i := range d.queues {
		d.queues[i] = make(chan *pending, 64)
	}
	return d
}

// Tokens exposes the current token balance for diagnostics.
func (d *Dispatcher) Tokens() float64 {
	return d.bucket.Tokens()
}

// Do queues the request and blocks until it completes, fails terminally, or
// ctx is cancelled. Run must be active for Do to make progress.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	p := &pending{ctx: ctx, req: req, res: make(chan result, 1)}

	prio := req.Priority
	if prio < PriorityLow || prio > PriorityHigh {
		prio = PriorityMedium
	}

	select {
	case d.queues[prio] <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-p.res:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the scheduler until ctx is cancelled. Each picked request holds
// one concurrency slot for its whole retry ladder; the token bucket is debited
// per attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		slog.Int("burst", d.cfg.Burst),
		slog.Float64("refill_rate", d.cfg.RefillRate),
	)
	defer d.logger.Info("dispatcher stopped")

	for {
		p := d.next(ctx)
		if p == nil {
			return ctx.Err()
		}

		// Caller gave up while queued.
		if p.ctx.Err() != nil {
			p.res <- result{err: p.ctx.Err()}
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			p.res <- result{err: err}
			return err
		}
		go func(p *pending) {
			defer d.sem.Release(1)
			resp, err := d.execute(p.ctx, p.req)
			p.res <- result{resp: resp, err: err}
		}(p)
	}
}

// next returns the highest-priority pending request, blocking until one is
// queued or ctx is cancelled. Every starvationEvery-th pick sweeps from the
// low end instead so lower priorities keep moving under sustained high load.
func (d *Dispatcher) next(ctx context.Context) *pending {
	d.picks++
	order := []Priority{PriorityHigh, PriorityMedium, PriorityLow}
	if d.picks%starvationEvery == 0 {
		order = []Priority{PriorityLow, PriorityMedium, PriorityHigh}
	}

	for _, prio := range order {
		select {
		case p := <-d.queues[prio]:
			return p
		default:
		}
	}

	select {
	case p := <-d.queues[PriorityHigh]:
		return p
	case p := <-d.queues[PriorityMedium]:
		return p
	case p := <-d.queues[PriorityLow]:
		return p
	case <-ctx.Done():
		return nil
	}
}

// execute runs the retry ladder for one request. Transient failures back off
// exponentially; 429 waits the venue-advertised duration for a single extra
// attempt outside the generic ladder; auth and other 4xx failures are
// terminal.
func (d *Dispatcher) execute(ctx context.Context, req *Request) (*Response, error) {
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}

	rateLimitRetried := false
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.bucket.Consume(ctx, cost, d.cfg.MaxTokenWait); err != nil {
			return nil, err
		}

		resp, err := d.roundTrip(ctx, req)
		if err != nil {
			if classifyErr(err) != classTransient || attempt == d.cfg.MaxAttempts {
				return nil, fmt.Errorf("dispatch: %s %s %s: %w", d.cfg.Venue, req.Method, req.Path, err)
			}
			delay := backoffDelay(d.cfg.RetryBase, d.cfg.RetryMax, attempt)
			d.logger.Warn("transient request failure, retrying",
				slog.String("path", req.Path),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		switch classifyStatus(resp.Status) {
		case classOK:
			return &resp.Response, nil

		case classAuth:
			return nil, fmt.Errorf("dispatch: %s %s %s: status %d: %w",
				d.cfg.Venue, req.Method, req.Path, resp.Status, domain.ErrUnauthorized)

		case classClient:
			return nil, fmt.Errorf("dispatch: %s %s %s: status %d: %s",
				d.cfg.Venue, req.Method, req.Path, resp.Status, truncate(resp.Body, 256))

		case classRateLimited:
			if rateLimitRetried {
				return nil, fmt.Errorf("dispatch: %s %s %s: %w",
					d.cfg.Venue, req.Method, req.Path, domain.ErrRateLimited)
			}
			rateLimitRetried = true
			wait := resp.retryAfter
			d.logger.Warn("venue rate limit hit, honouring retry-after",
				slog.String("path", req.Path),
				slog.Duration("wait", wait),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			attempt-- // the 429 retry sits outside the generic ladder
			continue

		default: // classTransient: 5xx
			if attempt == d.cfg.MaxAttempts {
				return nil, fmt.Errorf("dispatch: %s %s %s: status %d after %d attempts",
					d.cfg.Venue, req.Method, req.Path, resp.Status, attempt)
			}
			delay := backoffDelay(d.cfg.RetryBase, d.cfg.RetryMax, attempt)
			d.logger.Warn("server error, retrying",
				slog.String("path", req.Path),
				slog.Int("status", resp.Status),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("dispatch: %s %s %s: attempts exhausted", d.cfg.Venue, req.Method, req.Path)
}

// roundTrip performs a single HTTP attempt under the per-request timeout.
func (d *Dispatcher) roundTrip(ctx context.Context, req *Request) (*responseWithRetry, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	u := d.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &responseWithRetry{
		Response:   Response{Status: httpResp.StatusCode, Body: respBody},
		retryAfter: retryAfter(httpResp, d.cfg.RetryAfterDefault),
	}, nil
}

// responseWithRetry bundles the response with the venue's advertised
// retry-after so the retry ladder never re-reads headers.
type responseWithRetry struct {
	Response
	retryAfter time.Duration
}

// truncate clips b for error messages.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
