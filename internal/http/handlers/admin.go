package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quickclinic/booking-platform/internal/emr"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// diffStore lists staged sync conflicts.
type diffStore interface {
	ListStaged(ctx context.Context) (map[string]emr.ProfileDiff, error)
}

// diffResolver applies an operator's resolution of a staged conflict.
type diffResolver interface {
	AcceptRemote(ctx context.Context, emrPatientID string) error
	KeepLocal(ctx context.Context, emrPatientID string) error
}

// sweeper runs the nightly sweep on demand.
type sweeper interface {
	NightlySweep(ctx context.Context) error
}

// AdminHandler serves operator endpoints: staged sync-conflict review and
// manual sweeps.
type AdminHandler struct {
	diffs    diffStore
	resolver diffResolver
	sweeper  sweeper
	logger   *logging.Logger
}

// NewAdminHandler creates the operator endpoint set.
func NewAdminHandler(diffs diffStore, resolver diffResolver, sweeper sweeper, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{diffs: diffs, resolver: resolver, sweeper: sweeper, logger: logger}
}

// ListDiffs returns every staged patient-profile divergence.
func (h *AdminHandler) ListDiffs(w http.ResponseWriter, r *http.Request) {
	staged, err := h.diffs.ListStaged(r.Context())
	if err != nil {
		h.logger.Error("list staged diffs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diffs": staged})
}

// AcceptRemote resolves a staged diff by taking the EMR values.
func (h *AdminHandler) AcceptRemote(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.resolver.AcceptRemote)
}

// KeepLocal resolves a staged diff by pushing local values to the EMR.
func (h *AdminHandler) KeepLocal(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.resolver.KeepLocal)
}

func (h *AdminHandler) resolve(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	patientID := chi.URLParam(r, "patientID")
	if patientID == "" {
		writeError(w, http.StatusBadRequest, "missing patient id")
		return
	}
	if err := apply(r.Context(), patientID); err != nil {
		if errors.Is(err, emr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no mirror for patient")
			return
		}
		h.logger.Error("diff resolution failed", "patient_id", patientID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// RunSweep triggers the nightly sweep immediately.
func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.NightlySweep(r.Context()); err != nil {
		h.logger.Error("manual sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}
