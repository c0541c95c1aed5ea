package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quickclinic/booking-platform/internal/group"
	httpmiddleware "github.com/quickclinic/booking-platform/internal/http/middleware"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// familyStore is the link persistence surface the handler needs.
type familyStore interface {
	Link(ctx context.Context, link group.FamilyLink) error
	Unlink(ctx context.Context, ownerID, memberID uuid.UUID) error
	ListMembers(ctx context.Context, ownerID uuid.UUID) ([]group.FamilyLink, error)
}

// FamilyHandler manages the caller's family links, which gate who they may
// book consultations for.
type FamilyHandler struct {
	store  familyStore
	logger *logging.Logger
}

// NewFamilyHandler creates the family-link endpoint set.
func NewFamilyHandler(store familyStore, logger *logging.Logger) *FamilyHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &FamilyHandler{store: store, logger: logger}
}

type linkFamilyRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Relation  string    `json:"relation"`
}

// Link records that the caller may book for the given account.
func (h *FamilyHandler) Link(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req linkFamilyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AccountID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "account id required")
		return
	}
	if req.AccountID == ownerID {
		writeError(w, http.StatusBadRequest, "cannot link yourself")
		return
	}

	link := group.FamilyLink{OwnerID: ownerID, MemberID: req.AccountID, Relation: req.Relation}
	if err := h.store.Link(r.Context(), link); err != nil {
		h.logger.Error("family link failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// Unlink removes a family link owned by the caller.
func (h *FamilyHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	memberID, err := uuid.Parse(chi.URLParam(r, "memberID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	if err := h.store.Unlink(r.Context(), ownerID, memberID); err != nil {
		h.logger.Error("family unlink failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List returns the caller's family links.
func (h *FamilyHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := httpmiddleware.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	links, err := h.store.ListMembers(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("family list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if links == nil {
		links = []group.FamilyLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": links})
}
