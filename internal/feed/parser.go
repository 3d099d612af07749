// Package feed maintains one continuously-live streaming connection per venue
// and delivers normalized quote events, hiding venue-specific protocol framing
// behind a small parser interface.
package feed

import (
	"fmt"

	"github.com/tradekit/arbscan/internal/domain"
)

// FrameParser isolates one venue's wire quirks: subscription frames, quote
// frames, and application-level ping/pong. Implementations must be stateless
// and safe for concurrent use.
type FrameParser interface {
	// Name returns the parser identifier used in configuration.
	Name() string

	// SubscribeFrame returns the venue-specific subscription message for a
	// canonical "BASE/QUOTE" pair.
	SubscribeFrame(pair string) ([]byte, error)

	// ParseFrame maps a raw inbound frame to the canonical Quote. ok is false
	// for frames that are valid but carry no quote (acks, heartbeats, status
	// messages); an error means the frame was malformed.
	ParseFrame(venue string, raw []byte) (q domain.Quote, ok bool, err error)

	// PingFrame returns the application-level ping message, or ok=false when
	// the venue uses protocol-level pings only.
	PingFrame() (frame []byte, ok bool)

	// IsPong reports whether raw is the venue's application-level pong.
	IsPong(raw []byte) bool
}

// NewParser returns the FrameParser registered under name.
func NewParser(name string) (FrameParser, error) {
	switch name {
	case "binance":
		return &BinanceParser{}, nil
	case "kraken":
		return &KrakenParser{}, nil
	case "coinbase":
		return &CoinbaseParser{}, nil
	default:
		return nil, fmt.Errorf("feed: unknown parser %q", name)
	}
}
