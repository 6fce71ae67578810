// Package notify delivers advisory billing events (low balance, insufficient
// credits) off the billing path. Delivery is fire-and-forget: a slow or failed
// transport never changes a billing result.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type EventType string

const (
	LowBalance          EventType = "low_balance"
	InsufficientCredits EventType = "insufficient_credits"
)

type Event struct {
	Type      EventType       `json:"type"`
	OrgID     string          `json:"org_id"`
	Available decimal.Decimal `json:"available"`
	Required  decimal.Decimal `json:"required"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Threshold decimal.Decimal `json:"threshold"`
	RecordID  string          `json:"record_id,omitempty"`
	At        time.Time       `json:"at"`
}

// Notifier is what the billing engine sees. Notify must not block.
type Notifier interface {
	Notify(e Event)
}

// Publisher is a delivery transport used by the Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisPublisher publishes events as JSON on a pub/sub channel.
type RedisPublisher struct {
	rdb     redis.Cmdable
	channel string
}

func NewRedisPublisher(rdb redis.Cmdable, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

// LogPublisher writes events to the log; used when no Redis is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("billing notification",
		zap.String("type", string(e.Type)),
		zap.String("org_id", e.OrgID),
		zap.String("available", e.Available.String()),
		zap.String("required", e.Required.String()),
		zap.String("shortfall", e.Shortfall.String()),
		zap.String("record_id", e.RecordID),
	)
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}
