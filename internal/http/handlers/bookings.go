package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quickclinic/booking-platform/internal/consultation"
	"github.com/quickclinic/booking-platform/internal/group"
	httpmiddleware "github.com/quickclinic/booking-platform/internal/http/middleware"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// bookingStore is the persistence surface the booking handler needs.
type bookingStore interface {
	CreateGroup(ctx context.Context, records []*consultation.Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*consultation.Record, error)
}

// bookingLifecycle covers the patient- and doctor-driven lifecycle edges plus
// the live queue-number read.
type bookingLifecycle interface {
	Cancel(ctx context.Context, id uuid.UUID) error
	Rejoin(ctx context.Context, id uuid.UUID) error
	Transition(ctx context.Context, id uuid.UUID, to consultation.Status) error
	LiveQueueNumber(ctx context.Context, rec *consultation.Record) string
}

// coordinator is the group aggregation surface.
type coordinator interface {
	Aggregate(ctx context.Context, groupID uuid.UUID) (*group.View, error)
	AddMember(ctx context.Context, groupID, accountID, createdBy uuid.UUID, totalCents int64, breakdown []consultation.BreakdownItem) (*consultation.Record, error)
	Preview(lines []consultation.BreakdownItem) (group.PricePreview, error)
}

// familyChecker verifies the caller may book for an account.
type familyChecker interface {
	CanBookFor(ctx context.Context, bookerID, accountID uuid.UUID) (bool, error)
}

// BookingHandler serves consultation booking and lifecycle endpoints.
type BookingHandler struct {
	store     bookingStore
	lifecycle bookingLifecycle
	groups    coordinator
	family    familyChecker
	logger    *logging.Logger
}

// NewBookingHandler creates the booking endpoint set.
func NewBookingHandler(store bookingStore, lifecycle bookingLifecycle, groups coordinator, family familyChecker, logger *logging.Logger) *BookingHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingHandler{
		store:     store,
		lifecycle: lifecycle,
		groups:    groups,
		family:    family,
		logger:    logger,
	}
}

type bookingMember struct {
	AccountID uuid.UUID                    `json:"account_id"`
	Lines     []consultation.BreakdownItem `json:"lines"`
}

type createBookingRequest struct {
	VisitType     consultation.VisitType `json:"visit_type"`
	BranchID      string                 `json:"branch_id"`
	Address       string                 `json:"address"`
	CorporateCode string                 `json:"corporate_code"`
	Members       []bookingMember        `json:"members"`
}

type createBookingResponse struct {
	GroupID       uuid.UUID              `json:"group_id"`
	Consultations []*consultation.Record `json:"consultations"`
	RatePreview   group.PricePreview     `json:"rate_preview"`
}

// Create books one or more consultations as a group in PREPAYMENT status and
// returns the combined rate preview. Nothing touches the EMR until payment
// settles.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	bookerID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req createBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Members) == 0 {
		writeError(w, http.StatusBadRequest, "at least one member required")
		return
	}
	if req.BranchID == "" && req.VisitType == consultation.VisitWalkIn {
		writeError(w, http.StatusBadRequest, "branch required for walk-in visits")
		return
	}

	for _, m := range req.Members {
		allowed, err := h.family.CanBookFor(r.Context(), bookerID, m.AccountID)
		if err != nil {
			h.logger.Error("family check failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "not linked to this family member")
			return
		}
	}

	groupID := uuid.New()
	now := time.Now().UTC()
	records := make([]*consultation.Record, 0, len(req.Members))
	var allLines []consultation.BreakdownItem

	for i, m := range req.Members {
		quote, err := h.groups.Preview(m.Lines)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		breakdown := append(append([]consultation.BreakdownItem(nil), m.Lines...),
			consultation.BreakdownItem{Title: group.GSTLineTitle, AmountCents: quote.GSTCents})
		records = append(records, &consultation.Record{
			ID:            uuid.New(),
			VisitType:     req.VisitType,
			AccountID:     m.AccountID,
			CreatedBy:     bookerID,
			GroupID:       &groupID,
			GroupIndex:    i,
			BranchID:      req.BranchID,
			Address:       req.Address,
			CorporateCode: req.CorporateCode,
			Status:        consultation.StatusPrepayment,
			TotalCents:    quote.TotalCents,
			BalanceCents:  quote.TotalCents,
			Breakdown:     breakdown,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		allLines = append(allLines, m.Lines...)
	}

	preview, err := h.groups.Preview(allLines)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateGroup(r.Context(), records); err != nil {
		if errors.Is(err, consultation.ErrActiveExists) {
			writeError(w, http.StatusConflict, "an active consultation already exists for a member")
			return
		}
		h.logger.Error("booking create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, createBookingResponse{
		GroupID:       groupID,
		Consultations: records,
		RatePreview:   preview,
	})
}

type consultationResponse struct {
	*consultation.Record
	LiveQueueNumber string `json:"live_queue_number,omitempty"`
}

// Get returns one consultation record with its live queue number.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consultationResponse{
		Record:          rec,
		LiveQueueNumber: h.lifecycle.LiveQueueNumber(r.Context(), rec),
	})
}

// Cancel withdraws a consultation (and its checked-in group members).
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.applyEdge(w, r, h.lifecycle.Cancel)
}

// Rejoin re-enrolls a missed or cancelled consultation into the queue.
func (h *BookingHandler) Rejoin(w http.ResponseWriter, r *http.Request) {
	h.applyEdge(w, r, h.lifecycle.Rejoin)
}

// Start marks the consult as started (doctor-side).
func (h *BookingHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.applyEdge(w, r, func(ctx context.Context, id uuid.UUID) error {
		return h.lifecycle.Transition(ctx, id, consultation.StatusConsultStart)
	})
}

// End marks the consult as ended (doctor-side).
func (h *BookingHandler) End(w http.ResponseWriter, r *http.Request) {
	h.applyEdge(w, r, func(ctx context.Context, id uuid.UUID) error {
		return h.lifecycle.Transition(ctx, id, consultation.StatusConsultEnd)
	})
}

// AddMember appends a family member to the consultation's group mid-session.
func (h *BookingHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	bookerID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req bookingMember
	if !decodeBody(w, r, &req) {
		return
	}
	allowed, err := h.family.CanBookFor(r.Context(), bookerID, req.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "not linked to this family member")
		return
	}

	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	if rec.GroupID == nil {
		writeError(w, http.StatusConflict, "consultation is not part of a group")
		return
	}

	quote, err := h.groups.Preview(req.Lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	breakdown := append(append([]consultation.BreakdownItem(nil), req.Lines...),
		consultation.BreakdownItem{Title: group.GSTLineTitle, AmountCents: quote.GSTCents})

	member, err := h.groups.AddMember(r.Context(), *rec.GroupID, req.AccountID, bookerID, quote.TotalCents, breakdown)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// Group returns the aggregate view across all records sharing a group id.
func (h *BookingHandler) Group(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	view, err := h.groups.Aggregate(r.Context(), groupID)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *BookingHandler) applyEdge(w http.ResponseWriter, r *http.Request, edge func(context.Context, uuid.UUID) error) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := edge(r.Context(), id); err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *BookingHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid consultation id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *BookingHandler) respondLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consultation.ErrNotFound):
		writeError(w, http.StatusNotFound, "consultation not found")
	case consultation.IsStateConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("booking request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
