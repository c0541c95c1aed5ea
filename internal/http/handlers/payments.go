package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	httpmiddleware "github.com/quickclinic/booking-platform/internal/http/middleware"
	"github.com/quickclinic/booking-platform/internal/payments"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// PaymentHandler serves payment creation.
type PaymentHandler struct {
	orchestrator *payments.Orchestrator
	logger       *logging.Logger
}

// NewPaymentHandler creates the payment endpoint.
func NewPaymentHandler(orchestrator *payments.Orchestrator, logger *logging.Logger) *PaymentHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &PaymentHandler{orchestrator: orchestrator, logger: logger}
}

type createPaymentRequest struct {
	ConsultationIDs []uuid.UUID     `json:"consultation_ids"`
	Method          payments.Method `json:"method"`
	Type            payments.Type   `json:"type"`
	AmountCents     int64           `json:"amount_cents"`
	Description     string          `json:"description"`
	SponsorCode     string          `json:"sponsor_code"`
}

// Create runs a charge through the configured gateway strategy and returns
// client launch parameters.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req createPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ConsultationIDs) == 0 {
		writeError(w, http.StatusBadRequest, "consultation ids required")
		return
	}
	if req.AmountCents < 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if req.Type == "" {
		req.Type = payments.TypePrepayment
	}

	result, err := h.orchestrator.CreatePayment(r.Context(), payments.CreateRequest{
		AccountID:       accountID,
		ConsultationIDs: req.ConsultationIDs,
		AmountCents:     req.AmountCents,
		Description:     req.Description,
		SponsorCode:     req.SponsorCode,
	}, req.Method, req.Type)
	if err != nil {
		h.respondPaymentError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"gateway_payment_id": result.GatewayPaymentID,
		"launch":             result.Launch,
	})
}

func (h *PaymentHandler) respondPaymentError(w http.ResponseWriter, err error) {
	var permanent *payments.PermanentGatewayError
	switch {
	case errors.Is(err, payments.ErrUnsupportedMethod):
		writeError(w, http.StatusBadRequest, "unsupported payment method")
	case errors.Is(err, payments.ErrSponsorCodeRequired):
		writeError(w, http.StatusBadRequest, "valid sponsor code required")
	case errors.Is(err, payments.ErrTokenNotFound):
		writeError(w, http.StatusConflict, "no saved card on file")
	case errors.As(err, &permanent):
		writeError(w, http.StatusBadRequest, "payment rejected by gateway")
	default:
		h.logger.Error("payment create failed", "error", err)
		writeError(w, http.StatusBadGateway, "payment gateway unavailable")
	}
}
