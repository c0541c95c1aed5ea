package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quickclinic/booking-platform/internal/observability/metrics"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// StripeWebhookHandler handles Stripe payment events.
type StripeWebhookHandler struct {
	webhookSecret string
	service       *WebhookService
	metrics       *metrics.PaymentMetrics
	logger        *logging.Logger
}

// NewStripeWebhookHandler creates the Stripe webhook endpoint.
func NewStripeWebhookHandler(webhookSecret string, service *WebhookService, m *metrics.PaymentMetrics, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		service:       service,
		metrics:       m,
		logger:        logger,
	}
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !VerifySignedPayload(h.webhookSecret, payload, r.Header.Get("Stripe-Signature")) {
		h.metrics.ObserveWebhook("stripe", "bad_signature")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	gatewayID, status, handled := stripeOutcome(evt)
	if !handled {
		w.WriteHeader(http.StatusOK)
		return
	}
	if gatewayID == "" {
		h.logger.Warn("stripe event missing payment reference", "event_id", evt.ID, "type", evt.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	err = h.service.ApplyWebhookResult(r.Context(), gatewayID, Outcome{
		Status:  status,
		EventID: evt.ID,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.metrics.ObserveWebhook("stripe", "unknown_payment")
			h.logger.Warn("stripe webhook for unknown payment", "event_id", evt.ID, "gateway_payment_id", gatewayID)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.metrics.ObserveWebhook("stripe", "error")
		h.logger.Error("stripe webhook apply failed", "error", err, "event_id", evt.ID)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveWebhook("stripe", strings.ToLower(string(status)))
	w.WriteHeader(http.StatusOK)
}

func stripeOutcome(evt stripeWebhookEvent) (gatewayID string, status Status, handled bool) {
	switch evt.Type {
	case "payment_intent.succeeded":
		return evt.Data.Object.ID, StatusSuccess, true
	case "payment_intent.payment_failed":
		return evt.Data.Object.ID, StatusFailed, true
	case "payment_intent.canceled":
		return evt.Data.Object.ID, StatusCanceled, true
	case "checkout.session.completed":
		id := evt.Data.Object.PaymentIntent
		if id == "" {
			id = evt.Data.Object.ID
		}
		return id, StatusSuccess, true
	case "checkout.session.expired":
		id := evt.Data.Object.PaymentIntent
		if id == "" {
			id = evt.Data.Object.ID
		}
		return id, StatusExpired, true
	default:
		return "", "", false
	}
}

// stripeWebhookEvent is the Stripe webhook envelope subset we consume.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

// CardTokenWebhookHandler handles terminal outcomes from the saved-card
// gateway, including tokenization completions.
type CardTokenWebhookHandler struct {
	webhookSecret string
	service       *WebhookService
	metrics       *metrics.PaymentMetrics
	logger        *logging.Logger
}

// NewCardTokenWebhookHandler creates the saved-card webhook endpoint.
func NewCardTokenWebhookHandler(webhookSecret string, service *WebhookService, m *metrics.PaymentMetrics, logger *logging.Logger) *CardTokenWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CardTokenWebhookHandler{
		webhookSecret: webhookSecret,
		service:       service,
		metrics:       m,
		logger:        logger,
	}
}

// Handle verifies the HMAC signature and applies the outcome.
func (h *CardTokenWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !verifyPlainHMAC(h.webhookSecret, payload, r.Header.Get("X-Signature")) {
		h.metrics.ObserveWebhook("cardtoken", "bad_signature")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt struct {
		EventID   string `json:"event_id"`
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
		CardToken string `json:"card_token"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.PaymentID == "" {
		http.Error(w, "missing payment id", http.StatusBadRequest)
		return
	}

	var status Status
	switch strings.ToLower(evt.Status) {
	case "success", "succeeded":
		status = StatusSuccess
	case "failed":
		status = StatusFailed
	case "canceled", "cancelled":
		status = StatusCanceled
	case "expired":
		status = StatusExpired
	default:
		h.logger.Warn("cardtoken webhook with unknown status", "status", evt.Status, "event_id", evt.EventID)
		w.WriteHeader(http.StatusOK)
		return
	}

	err = h.service.ApplyWebhookResult(r.Context(), evt.PaymentID, Outcome{
		Status:    status,
		EventID:   evt.EventID,
		CardToken: evt.CardToken,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.metrics.ObserveWebhook("cardtoken", "unknown_payment")
			w.WriteHeader(http.StatusOK)
			return
		}
		h.metrics.ObserveWebhook("cardtoken", "error")
		h.logger.Error("cardtoken webhook apply failed", "error", err, "event_id", evt.EventID)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveWebhook("cardtoken", strings.ToLower(string(status)))
	w.WriteHeader(http.StatusOK)
}

// VerifySignedPayload verifies a timestamped HMAC signature header of the form
// t=<unix>,v1=<hex>, with a 5 minute tolerance. An empty secret bypasses
// verification for development.
func VerifySignedPayload(secret string, payload []byte, header string) bool {
	if secret == "" {
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
	if abs64(time.Now().Unix()-ts) > 300 {
		return false
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func verifyPlainHMAC(secret string, payload []byte, header string) bool {
	if secret == "" {
		return true
	}
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
