package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quickclinic/booking-platform/internal/events"
	httpmiddleware "github.com/quickclinic/booking-platform/internal/http/middleware"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sinkBufferSize = 32
)

// registry is the hub surface the live handler attaches connections to.
type registry interface {
	Register(accountID uuid.UUID, sink events.Sink) func()
}

// LiveHandler upgrades /live to a websocket and streams lifecycle events for
// the authenticated account.
type LiveHandler struct {
	hub      registry
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewLiveHandler creates the live event stream endpoint. checkOrigin
// normally comes from the CORS allowlist; nil allows same-origin only.
func NewLiveHandler(hub registry, checkOrigin func(*http.Request) bool, logger *logging.Logger) *LiveHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &LiveHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// wsSink buffers events for one connection. A full buffer drops the event;
// the client's periodic poll corrects any gap.
type wsSink struct {
	ch chan events.Event
}

func (s *wsSink) Send(evt events.Event) {
	select {
	case s.ch <- evt:
	default:
	}
}

// Handle serves one live connection until the client disconnects.
func (h *LiveHandler) Handle(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sink := &wsSink{ch: make(chan events.Event, sinkBufferSize)}
	detach := h.hub.Register(accountID, sink)
	defer detach()

	// Reader goroutine: we send only; reads just detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt := <-sink.ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
