package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel carries every payment-lifecycle event. The notification service
// subscribes to it; this service only publishes.
const Channel = "payments.events"

// Event names published on payment and payout transitions.
const (
	EventPaymentHeld     = "payment.held"
	EventPaymentReleased = "payment.released"
	EventPaymentRefunded = "payment.refunded"
	EventPaymentFailed   = "payment.failed"
	EventPayoutCompleted = "payout.completed"
	EventPayoutFailed    = "payout.failed"
)

type Event struct {
	Name      string                 `json:"name"`
	Reference string                 `json:"reference"`
	Data      map[string]interface{} `json:"data,omitempty"`
	At        time.Time              `json:"at"`
}

// Publisher fans payment events out over redis pub/sub. A nil Publisher is
// valid and publishes nothing, which keeps the services testable without
// redis.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends the event and only logs on failure; event delivery is never
// allowed to fail a money movement.
func (p *Publisher) Publish(ctx context.Context, name, reference string, data map[string]interface{}) {
	if p == nil || p.rdb == nil {
		return
	}
	payload, err := json.Marshal(Event{Name: name, Reference: reference, Data: data, At: time.Now()})
	if err != nil {
		slog.Error("realtime: marshal event", "event", name, "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		slog.Error("realtime: publish event", "event", name, "reference", reference, "error", err)
	}
}
