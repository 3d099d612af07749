package domain

import (
	"context"
	"time"
)

// PriceHistoryStore persists quote observations. The core only appends;
// storage failures must never stop detection.
type PriceHistoryStore interface {
	Insert(ctx context.Context, q Quote) error
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Quote, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OpportunityStore persists emitted opportunities.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
}

// SignalBus publishes detector output to external consumers (dashboards,
// execution processes). Delivery is best-effort.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter writes archive objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
