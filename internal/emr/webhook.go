package emr

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quickclinic/booking-platform/internal/consultation"
	"github.com/quickclinic/booking-platform/internal/observability/metrics"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// lifecycle is the slice of the consultation service the webhook drives.
type lifecycle interface {
	AdvanceOnInvoiceFinalized(ctx context.Context, inv consultation.InvoiceSnapshot) error
	MarkQueueCalled(ctx context.Context, emrVisitID, queueNumber string) error
	UpdateQueueNumber(ctx context.Context, emrVisitID, queueNumber string) error
	MarkMissedByVisit(ctx context.Context, emrVisitID string) error
	CancelByVisit(ctx context.Context, emrVisitID string) error
}

// fetcher re-reads the authoritative copy of a referenced resource. Webhook
// payloads carry references, never state; state always comes from a fetch.
type fetcher interface {
	FetchByID(ctx context.Context, resource, id string) (*Item, error)
}

// Notifier pushes patient-facing alerts (queue called).
type Notifier interface {
	QueueCalled(ctx context.Context, emrVisitID, queueNumber string)
}

// syncTrigger nudges the pull loop when a push event references a resource
// class with no direct handler.
type syncTrigger interface {
	PullAll(ctx context.Context) error
}

// WebhookHandler receives signed change notifications from the EMR.
type WebhookHandler struct {
	publicKey ed25519.PublicKey
	lifecycle lifecycle
	client    fetcher
	notifier  Notifier
	sync      syncTrigger
	metrics   *metrics.SyncMetrics
	logger    *logging.Logger
	now       func() time.Time
}

// NewWebhookHandler creates the EMR webhook endpoint. publicKeyHex is the
// hex-encoded Ed25519 verification key; empty disables verification for
// development.
func NewWebhookHandler(publicKeyHex string, lc lifecycle, client fetcher, notifier Notifier, sync syncTrigger, m *metrics.SyncMetrics, logger *logging.Logger) (*WebhookHandler, error) {
	if logger == nil {
		logger = logging.Default()
	}
	var key ed25519.PublicKey
	if publicKeyHex != "" {
		raw, err := hex.DecodeString(publicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("emr: decode webhook public key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("emr: webhook public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		key = ed25519.PublicKey(raw)
	}
	return &WebhookHandler{
		publicKey: key,
		lifecycle: lc,
		client:    client,
		notifier:  notifier,
		sync:      sync,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// webhookEnvelope is the push payload: an event name, the reference of the
// changed object, and the queue number for queue events.
type webhookEnvelope struct {
	Event           string `json:"event"`
	ObjectReference string `json:"object_reference"`
	QueueNumber     string `json:"queue_number"`
}

// Handle verifies the signature and dispatches the event.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !VerifyEd25519Signed(h.publicKey, payload, r.Header.Get("X-EMR-Signature"), h.now()) {
		h.metrics.ObserveWebhook("unknown", "bad_signature")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt webhookEnvelope
	if err := json.Unmarshal(payload, &evt); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.Event == "" || evt.ObjectReference == "" {
		http.Error(w, "missing event or reference", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), evt); err != nil {
		h.metrics.ObserveWebhook(evt.Event, "error")
		h.logger.Error("emr webhook apply failed", "event", evt.Event, "reference", evt.ObjectReference, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveWebhook(evt.Event, "ok")
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, evt webhookEnvelope) error {
	switch evt.Event {
	case EventInvoiceFinalized:
		return h.applyInvoice(ctx, evt.ObjectReference)
	case EventQueueCalled:
		if err := h.skipUnknown(h.lifecycle.MarkQueueCalled(ctx, evt.ObjectReference, evt.QueueNumber)); err != nil {
			return err
		}
		if h.notifier != nil {
			h.notifier.QueueCalled(ctx, evt.ObjectReference, evt.QueueNumber)
		}
		return nil
	case EventQueueNumberChanged:
		return h.skipUnknown(h.lifecycle.UpdateQueueNumber(ctx, evt.ObjectReference, evt.QueueNumber))
	case EventPendingQueueAccepted:
		// Enrollment confirmed; nothing to change locally.
		h.logger.Debug("pending queue accepted", "reference", evt.ObjectReference)
		return nil
	case EventPendingQueueDeleted:
		return h.skipUnknown(h.lifecycle.MarkMissedByVisit(ctx, evt.ObjectReference))
	case EventAppointmentCancelled, EventAppointmentDeleted:
		return h.skipUnknown(h.lifecycle.CancelByVisit(ctx, evt.ObjectReference))
	case EventAppointmentUpdated:
		// No direct handler; let the pull loop pick up the change.
		if h.sync != nil {
			if err := h.sync.PullAll(ctx); err != nil {
				h.logger.Warn("pull after appointment update failed", "error", err)
			}
		}
		return nil
	default:
		h.logger.Warn("unrecognized emr event ignored", "event", evt.Event)
		return nil
	}
}

// applyInvoice fetches the authoritative invoice and advances the owning
// consultation. The webhook reference alone is never trusted for amounts.
func (h *WebhookHandler) applyInvoice(ctx context.Context, invoiceID string) error {
	item, err := h.client.FetchByID(ctx, ResourceInvoice, invoiceID)
	if errors.Is(err, ErrNotFound) {
		h.logger.Warn("webhook referenced missing invoice", "invoice_id", invoiceID)
		return nil
	}
	if err != nil {
		return err
	}

	var inv Invoice
	if err := json.Unmarshal(item.Payload, &inv); err != nil {
		return fmt.Errorf("emr: decode invoice %s: %w", invoiceID, err)
	}
	if !inv.Finalized {
		h.logger.Debug("finalized event for draft invoice ignored", "invoice_id", invoiceID)
		return nil
	}

	snapshot := consultation.InvoiceSnapshot{
		EMRVisitID:              inv.VisitID,
		PatientOutstandingCents: inv.PatientOutstandingCents,
	}
	for _, line := range inv.Lines {
		snapshot.Breakdown = append(snapshot.Breakdown, consultation.BreakdownItem{
			Title:       line.Title,
			AmountCents: line.AmountCents,
		})
	}
	return h.skipUnknown(h.lifecycle.AdvanceOnInvoiceFinalized(ctx, snapshot))
}

// skipUnknown downgrades lookup misses and redundant deliveries to success:
// the EMR retries on non-2xx and neither condition is repairable by retry.
func (h *WebhookHandler) skipUnknown(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, consultation.ErrNotFound) || consultation.IsStateConflict(err) {
		h.logger.Debug("emr webhook skipped", "reason", err)
		return nil
	}
	return err
}

// VerifyEd25519Signed checks a timestamped Ed25519 signature header of the
// form t=<unix>,v1=<hex>, signed over "<timestamp>.<payload>", with a
// 5 minute tolerance. A nil key bypasses verification for development.
func VerifyEd25519Signed(key ed25519.PublicKey, payload []byte, header string, now time.Time) bool {
	if len(key) == 0 {
		return true
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Unix() - ts
	if drift < -300 || drift > 300 {
		return false
	}

	message := []byte(timestamp + "." + string(payload))
	for _, sig := range signatures {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(key, message, raw) {
			return true
		}
	}
	return false
}
