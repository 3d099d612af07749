package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tradekit/arbscan/internal/domain"
)

// OpportunityChannel is the default Pub/Sub channel for detector output.
const OpportunityChannel = "arbscan.opportunities"

// SignalBus implements domain.SignalBus over Redis Pub/Sub. Delivery is
// best-effort: a subscriber that is down simply misses messages, which is
// acceptable for advisory opportunity signals.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.rdb}
}

var _ domain.SignalBus = (*SignalBus)(nil)

// Publish sends a raw payload to a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// PublishOpportunity JSON-encodes an opportunity onto the given channel
// (OpportunityChannel when empty) so external consumers (dashboards,
// execution processes) can react to it.
func (sb *SignalBus) PublishOpportunity(ctx context.Context, channel string, opp domain.Opportunity) error {
	if channel == "" {
		channel = OpportunityChannel
	}
	payload, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("redis: encode opportunity: %w", err)
	}
	return sb.Publish(ctx, channel, payload)
}

// Subscribe opens a Pub/Sub subscription and returns a channel of payloads.
// The subscription closes when ctx is cancelled; the returned channel is
// closed at that point.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	// Wait for the subscription confirmation before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern reports whether the channel uses glob wildcards, which require
// PSubscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}
