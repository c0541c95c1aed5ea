package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quickclinic/booking-platform/internal/consultation"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// Channel carries consultation lifecycle events across processes.
const Channel = "quickclinic:consultation:events"

// Event types published on the channel.
const (
	TypeStatusChanged = "status_changed"
	TypeQueueCalled   = "queue_called"
)

// Event is one best-effort lifecycle notification. A missed event is
// corrected by the next poll, so no durability is promised.
type Event struct {
	Type           string     `json:"type"`
	ConsultationID uuid.UUID  `json:"consultation_id,omitempty"`
	AccountID      uuid.UUID  `json:"account_id,omitempty"`
	GroupID        *uuid.UUID `json:"group_id,omitempty"`
	Status         string     `json:"status,omitempty"`
	QueueNumber    string     `json:"queue_number,omitempty"`
	EMRVisitID     string     `json:"emr_visit_id,omitempty"`
	BalanceCents   int64      `json:"balance_cents"`
}

// Broadcaster publishes lifecycle events over redis pub/sub.
type Broadcaster struct {
	rdb    redis.UniversalClient
	logger *logging.Logger
}

// NewBroadcaster creates a pub/sub broadcaster.
func NewBroadcaster(rdb redis.UniversalClient, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Default()
	}
	return &Broadcaster{rdb: rdb, logger: logger}
}

// StatusChanged publishes a consultation status change. Failures are logged
// and swallowed; the lifecycle never blocks on notification delivery.
func (b *Broadcaster) StatusChanged(ctx context.Context, rec *consultation.Record) {
	evt := Event{
		Type:           TypeStatusChanged,
		ConsultationID: rec.ID,
		AccountID:      rec.AccountID,
		GroupID:        rec.GroupID,
		Status:         string(rec.Status),
		BalanceCents:   rec.BalanceCents,
	}
	if rec.EMRQueueNumber != nil {
		evt.QueueNumber = *rec.EMRQueueNumber
	}
	b.publish(ctx, evt)
}

// QueueCalled publishes a queue-called alert for the owning account.
func (b *Broadcaster) QueueCalled(ctx context.Context, emrVisitID, queueNumber string) {
	b.publish(ctx, Event{
		Type:        TypeQueueCalled,
		EMRVisitID:  emrVisitID,
		QueueNumber: queueNumber,
	})
}

func (b *Broadcaster) publish(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to encode event", "type", evt.Type, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		b.logger.Warn("event publish failed", "type", evt.Type, "error", err)
	}
}
