package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

// Sink receives events for one live connection. Send must not block; a slow
// consumer drops events rather than stalling the hub.
type Sink interface {
	Send(evt Event)
}

// Hub subscribes to the event channel and fans events out to live
// connections keyed by account id.
type Hub struct {
	rdb    redis.UniversalClient
	logger *logging.Logger

	mu    sync.RWMutex
	sinks map[uuid.UUID][]Sink
}

// NewHub creates a fan-out hub.
func NewHub(rdb redis.UniversalClient, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		rdb:    rdb,
		logger: logger,
		sinks:  make(map[uuid.UUID][]Sink),
	}
}

// Register attaches a live connection for an account. The returned func
// detaches it.
func (h *Hub) Register(accountID uuid.UUID, sink Sink) func() {
	h.mu.Lock()
	h.sinks[accountID] = append(h.sinks[accountID], sink)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		attached := h.sinks[accountID]
		for i, s := range attached {
			if s == sink {
				h.sinks[accountID] = append(attached[:i], attached[i+1:]...)
				break
			}
		}
		if len(h.sinks[accountID]) == 0 {
			delete(h.sinks, accountID)
		}
	}
}

// Connections reports how many sinks an account has attached.
func (h *Hub) Connections(accountID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks[accountID])
}

// Run consumes the channel until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				h.logger.Warn("undecodable event dropped", "error", err)
				continue
			}
			h.dispatch(evt)
		}
	}
}

// dispatch delivers an event to the owning account's sinks. Events with no
// account (queue alerts keyed by visit) go to every connection; the client
// filters.
func (h *Hub) dispatch(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if evt.AccountID == uuid.Nil {
		for _, attached := range h.sinks {
			for _, sink := range attached {
				sink.Send(evt)
			}
		}
		return
	}
	for _, sink := range h.sinks[evt.AccountID] {
		sink.Send(evt)
	}
}
