package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradekit/arbscan/internal/domain"
)

const (
	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 15 * time.Second
)

// EventType identifies a connection lifecycle event.
type EventType int

const (
	EventConnected EventType = iota
	EventConnectionFailed
	EventDisconnected
	EventParseError
	EventMaxReconnectReached
)

// String returns the snake_case event name used in logs.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectionFailed:
		return "connection_failed"
	case EventDisconnected:
		return "disconnected"
	case EventParseError:
		return "parse_error"
	case EventMaxReconnectReached:
		return "max_reconnect_reached"
	default:
		return "unknown"
	}
}

// Event is a venue lifecycle notification delivered on Manager.Events.
type Event struct {
	Type  EventType
	Venue string
	Err   error
	At    time.Time
}

// Config holds connection manager parameters shared by all venues.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	MaxMissedPongs    int
	ReconnectBase     time.Duration
	ReconnectFactor   float64
	ReconnectMax      time.Duration
	MaxReconnects     int
	SendQueueSize     int
	ShutdownGrace     time.Duration
}

// VenueSpec identifies one streaming venue and its protocol parser.
type VenueSpec struct {
	Name   string
	WSURL  string
	Pair   string
	Parser FrameParser
}

// QuoteHandler receives every validated, normalized quote in arrival order
// for its venue.
type QuoteHandler func(domain.Quote)

// Manager owns one logical connection per venue: handshake, subscription,
// heartbeat probing, reconnection with exponential backoff, and outbound
// queueing. Quotes flow to the QuoteHandler; lifecycle events to Events.
type Manager struct {
	cfg     Config
	onQuote QuoteHandler
	events  chan Event
	logger  *slog.Logger

	mu     sync.Mutex
	venues map[string]*venueConn
	wg     sync.WaitGroup
}

// NewManager creates a Manager. onQuote must be non-nil; it is invoked from
// each venue's read goroutine, so it must not block for long.
func NewManager(cfg Config, onQuote QuoteHandler, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		onQuote: onQuote,
		events:  make(chan Event, 64),
		logger:  logger.With(slog.String("component", "feed")),
		venues:  make(map[string]*venueConn),
	}
}

// Events returns the lifecycle event stream. Events are dropped (with a log)
// when the consumer falls behind; they are advisory, not transactional.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// AddVenue registers a venue. It must be called before Connect.
func (m *Manager) AddVenue(spec VenueSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.venues[spec.Name]; exists {
		return fmt.Errorf("feed: venue %s already registered", spec.Name)
	}
	m.venues[spec.Name] = &venueConn{
		spec:    spec,
		cfg:     m.cfg,
		emit:    m.emit,
		onQuote: m.onQuote,
		queue:   newSendQueue(m.cfg.SendQueueSize),
		resetCh: make(chan struct{}, 1),
		logger:  m.logger.With(slog.String("venue", spec.Name)),
	}
	return nil
}

// Connect starts the venue's connection task. The handshake happens
// asynchronously; the outcome arrives as a connected or connection_failed
// event. Connecting a venue that is already live is a warned no-op.
func (m *Manager) Connect(ctx context.Context, name string) error {
	v, err := m.venue(name)
	if err != nil {
		return err
	}

	if !v.running.CompareAndSwap(false, true) {
		v.logger.Warn("duplicate connect ignored",
			slog.String("state", domain.ConnState(v.state.Load()).String()),
		)
		return nil
	}

	v.intentional.Store(false)
	v.attempts.Store(0)
	v.degraded.Store(false)
	v.armStop()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer v.running.Store(false)
		v.run(ctx)
	}()
	return nil
}

// Disconnect closes the venue's connection intentionally, suppressing
// auto-reconnect until the next Connect.
func (m *Manager) Disconnect(name string) error {
	v, err := m.venue(name)
	if err != nil {
		return err
	}
	v.intentional.Store(true)
	v.signalStop()
	v.closeConn()
	return nil
}

// Reset clears a degraded venue's reconnect budget so its task resumes
// dialing. It is a no-op for venues that are not degraded.
func (m *Manager) Reset(name string) error {
	v, err := m.venue(name)
	if err != nil {
		return err
	}
	if !v.degraded.Load() {
		return nil
	}
	select {
	case v.resetCh <- struct{}{}:
	default:
	}
	return nil
}

// Send writes a frame to the venue, or queues it (bounded, drop-oldest) while
// the venue is not streaming. Queued frames are flushed in order after the
// next successful re-subscription.
func (m *Manager) Send(name string, frame []byte) error {
	v, err := m.venue(name)
	if err != nil {
		return err
	}

	if domain.ConnState(v.state.Load()) == domain.ConnStreaming {
		if err := v.writeFrame(websocket.TextMessage, frame); err == nil {
			return nil
		}
		// Fall through to queueing; the read loop will notice the dead
		// connection and reconnect.
	}

	if v.queue.Push(frame) {
		v.logger.Warn("outbound queue overflow, dropped oldest frame",
			slog.Uint64("total_dropped", v.queue.Dropped()),
		)
	}
	return nil
}

// Status returns a point-in-time view of every registered venue.
func (m *Manager) Status() []domain.VenueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.VenueStatus, 0, len(m.venues))
	for _, v := range m.venues {
		out = append(out, v.status())
	}
	return out
}

// Close waits for all venue tasks to stop, up to the configured shutdown
// grace. A task that ignores cancellation past the grace is abandoned and the
// leak is logged, not fatal.
func (m *Manager) Close() {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all venue tasks stopped")
	case <-time.After(m.cfg.ShutdownGrace):
		m.logger.Error("venue tasks ignored cancellation past grace period, abandoning",
			slog.Duration("grace", m.cfg.ShutdownGrace),
		)
	}
}

func (m *Manager) venue(name string) (*venueConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.venues[name]
	if !ok {
		return nil, fmt.Errorf("feed: venue %s: %w", name, domain.ErrNotFound)
	}
	return v, nil
}

// emit delivers a lifecycle event without blocking the venue task.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping event",
			slog.String("event", ev.Type.String()),
			slog.String("venue", ev.Venue),
		)
	}
}

// ---------------------------------------------------------------------------
// Per-venue connection task
// ---------------------------------------------------------------------------

type venueConn struct {
	spec    VenueSpec
	cfg     Config
	emit    func(Event)
	onQuote QuoteHandler
	queue   *sendQueue
	logger  *slog.Logger

	state       atomic.Int32 // domain.ConnState
	running     atomic.Bool
	degraded    atomic.Bool
	intentional atomic.Bool
	resetCh     chan struct{}

	// stop is closed by Disconnect to interrupt backoff and degraded waits.
	// Connect arms a fresh channel for each task.
	stopMu sync.Mutex
	stop   chan struct{}

	attempts atomic.Int32 // reconnect attempts since the last healthy connection

	// connMu guards the live connection and heartbeat bookkeeping.
	connMu        sync.Mutex
	conn          *websocket.Conn
	lastHeartbeat time.Time
	lastPing      time.Time
	missedPongs   int
}

func (v *venueConn) setState(s domain.ConnState) {
	v.state.Store(int32(s))
}

// armStop installs a fresh stop channel for a new connection task.
func (v *venueConn) armStop() {
	v.stopMu.Lock()
	v.stop = make(chan struct{})
	v.stopMu.Unlock()
}

// stopCh returns the channel closed by an intentional Disconnect.
func (v *venueConn) stopCh() <-chan struct{} {
	v.stopMu.Lock()
	defer v.stopMu.Unlock()
	return v.stop
}

// signalStop closes the stop channel. Safe to call repeatedly, and before the
// first Connect.
func (v *venueConn) signalStop() {
	v.stopMu.Lock()
	defer v.stopMu.Unlock()
	if v.stop == nil {
		return
	}
	select {
	case <-v.stop:
	default:
		close(v.stop)
	}
}

func (v *venueConn) status() domain.VenueStatus {
	v.connMu.Lock()
	defer v.connMu.Unlock()
	return domain.VenueStatus{
		Venue:             v.spec.Name,
		State:             domain.ConnState(v.state.Load()),
		Degraded:          v.degraded.Load(),
		ReconnectAttempts: int(v.attempts.Load()),
		LastHeartbeat:     v.lastHeartbeat,
		LastPingSent:      v.lastPing,
	}
}

// run is the venue's connection task: dial, subscribe, stream, reconnect.
// It exits on intentional disconnect, context cancellation, or a degraded
// state that is never reset.
func (v *venueConn) run(ctx context.Context) {
	for ctx.Err() == nil {
		if v.intentional.Load() {
			v.setState(domain.ConnDisconnected)
			v.logger.Info("disconnected on request")
			return
		}

		v.setState(domain.ConnConnecting)
		if err := v.dial(ctx); err != nil {
			v.setState(domain.ConnDisconnected)
			v.emit(Event{Type: EventConnectionFailed, Venue: v.spec.Name, Err: err, At: time.Now()})
			v.logger.Warn("connect failed", slog.String("error", err.Error()))
			if !v.backoffOrDegrade(ctx) {
				return
			}
			continue
		}

		// A Disconnect that raced the handshake wins.
		if v.intentional.Load() {
			v.closeConn()
			v.setState(domain.ConnDisconnected)
			v.logger.Info("disconnected on request")
			return
		}

		v.setState(domain.ConnConnected)
		v.attempts.Store(0)
		v.emit(Event{Type: EventConnected, Venue: v.spec.Name, At: time.Now()})
		v.logger.Info("connected", slog.String("url", v.spec.WSURL))

		v.setState(domain.ConnSubscribing)
		if err := v.subscribe(); err != nil {
			v.logger.Warn("subscribe failed", slog.String("error", err.Error()))
			v.closeConn()
			v.setState(domain.ConnDisconnected)
			if !v.backoffOrDegrade(ctx) {
				return
			}
			continue
		}

		v.setState(domain.ConnStreaming)
		v.flushQueue()

		hbCtx, hbCancel := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			v.heartbeatLoop(hbCtx)
		}()
		go func() {
			// Unblock the read loop when the task is cancelled.
			<-hbCtx.Done()
			v.closeConn()
		}()

		readErr := v.readLoop()

		hbCancel()
		<-hbDone
		v.closeConn()
		v.setState(domain.ConnDisconnected)
		v.emit(Event{Type: EventDisconnected, Venue: v.spec.Name, Err: readErr, At: time.Now()})

		if v.intentional.Load() {
			v.logger.Info("disconnected on request")
			return
		}
		if ctx.Err() != nil {
			return
		}
		v.logger.Warn("connection lost, scheduling reconnect",
			slog.String("error", errString(readErr)),
		)
		if !v.backoffOrDegrade(ctx) {
			return
		}
	}
}

// dial establishes the WebSocket connection, stores it on the venue, and
// installs the protocol-level pong handler.
func (v *venueConn) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, v.spec.WSURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", v.spec.WSURL, err)
	}

	conn.SetPongHandler(func(string) error {
		v.markPong()
		return nil
	})

	v.connMu.Lock()
	v.conn = conn
	v.lastHeartbeat = time.Now()
	v.missedPongs = 0
	v.connMu.Unlock()

	return nil
}

// subscribe sends the venue-specific subscription frame. It runs after every
// successful dial so subscriptions survive reconnection.
func (v *venueConn) subscribe() error {
	frame, err := v.spec.Parser.SubscribeFrame(v.spec.Pair)
	if err != nil {
		return err
	}
	return v.writeFrame(websocket.TextMessage, frame)
}

// flushQueue writes frames queued while disconnected, in order.
func (v *venueConn) flushQueue() {
	frames := v.queue.Drain()
	for _, frame := range frames {
		if err := v.writeFrame(websocket.TextMessage, frame); err != nil {
			v.logger.Warn("flush of queued frame failed, requeueing",
				slog.String("error", err.Error()),
			)
			v.queue.Push(frame)
			return
		}
	}
	if len(frames) > 0 {
		v.logger.Info("flushed queued frames", slog.Int("count", len(frames)))
	}
}

// readLoop processes inbound frames in arrival order until the connection
// fails. A malformed frame emits a parse_error event and processing continues;
// it never terminates the connection.
func (v *venueConn) readLoop() error {
	for {
		conn := v.currentConn()
		if conn == nil {
			return domain.ErrWSDisconnect
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if v.spec.Parser.IsPong(raw) {
			v.markPong()
			continue
		}

		q, ok, perr := v.spec.Parser.ParseFrame(v.spec.Name, raw)
		if perr != nil {
			v.emit(Event{Type: EventParseError, Venue: v.spec.Name, Err: perr, At: time.Now()})
			v.logger.Warn("frame parse error", slog.String("error", perr.Error()))
			continue
		}
		if !ok {
			continue
		}
		v.onQuote(q)
	}
}

// heartbeatLoop probes liveness: send a ping, wait the grace window, and
// count a miss when no pong arrived since the ping. After MaxMissedPongs
// consecutive misses the connection is force-closed so the read loop
// triggers a reconnect; this catches half-open connections that never
// report a close.
func (v *venueConn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := v.sendPing(); err != nil {
			v.logger.Warn("ping failed", slog.String("error", err.Error()))
			v.closeConn()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(v.cfg.HeartbeatGrace):
		}

		v.connMu.Lock()
		missed := v.lastHeartbeat.Before(v.lastPing)
		if missed {
			v.missedPongs++
		} else {
			v.missedPongs = 0
		}
		misses := v.missedPongs
		v.connMu.Unlock()

		if misses >= v.cfg.MaxMissedPongs {
			v.logger.Warn("heartbeat failed, closing half-open connection",
				slog.Int("missed_pongs", misses),
			)
			v.closeConn()
			return
		}
	}
}

// sendPing sends an application-level ping when the venue protocol defines
// one, otherwise a protocol-level ping.
func (v *venueConn) sendPing() error {
	v.connMu.Lock()
	v.lastPing = time.Now()
	v.connMu.Unlock()

	if frame, ok := v.spec.Parser.PingFrame(); ok {
		return v.writeFrame(websocket.TextMessage, frame)
	}
	return v.writeFrame(websocket.PingMessage, nil)
}

func (v *venueConn) markPong() {
	v.connMu.Lock()
	v.lastHeartbeat = time.Now()
	v.missedPongs = 0
	v.connMu.Unlock()
}

// writeFrame serializes all writes on the connection (subscription, pings,
// caller sends) under one lock with a write deadline.
func (v *venueConn) writeFrame(messageType int, data []byte) error {
	v.connMu.Lock()
	defer v.connMu.Unlock()

	if v.conn == nil {
		return domain.ErrWSDisconnect
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(messageType, data)
}

func (v *venueConn) currentConn() *websocket.Conn {
	v.connMu.Lock()
	defer v.connMu.Unlock()
	return v.conn
}

// closeConn closes the live connection, if any. Safe to call repeatedly.
func (v *venueConn) closeConn() {
	v.connMu.Lock()
	defer v.connMu.Unlock()
	if v.conn != nil {
		_ = v.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = v.conn.Close()
		v.conn = nil
	}
}

// backoffOrDegrade sleeps the exponential reconnect delay for the current
// attempt. When the attempt budget is exhausted it marks the venue degraded
// and blocks until a manual reset (or cancellation). It returns false when
// the task should exit.
func (v *venueConn) backoffOrDegrade(ctx context.Context) bool {
	attempt := int(v.attempts.Add(1))
	stop := v.stopCh()

	if v.cfg.MaxReconnects > 0 && attempt > v.cfg.MaxReconnects {
		v.degraded.Store(true)
		v.emit(Event{Type: EventMaxReconnectReached, Venue: v.spec.Name, Err: domain.ErrVenueDegraded, At: time.Now()})
		v.logger.Error("reconnect budget exhausted, venue degraded",
			slog.Int("attempts", attempt-1),
		)

		select {
		case <-ctx.Done():
			return false
		case <-stop:
			v.setState(domain.ConnDisconnected)
			v.logger.Info("disconnected on request")
			return false
		case <-v.resetCh:
			v.degraded.Store(false)
			v.attempts.Store(0)
			v.logger.Info("venue manually reset, resuming reconnect")
			return true
		}
	}

	delay := v.reconnectDelay(attempt)
	v.logger.Info("reconnect backoff",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		v.setState(domain.ConnDisconnected)
		v.logger.Info("disconnected on request")
		return false
	case <-timer.C:
		return true
	}
}

// reconnectDelay returns base * factor^(attempt-1), capped at the configured
// maximum.
func (v *venueConn) reconnectDelay(attempt int) time.Duration {
	d := time.Duration(float64(v.cfg.ReconnectBase) * math.Pow(v.cfg.ReconnectFactor, float64(attempt-1)))
	if d > v.cfg.ReconnectMax || d <= 0 {
		return v.cfg.ReconnectMax
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
