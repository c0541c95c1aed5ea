package emr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quickclinic/booking-platform/internal/consultation"
	"github.com/quickclinic/booking-platform/internal/observability/metrics"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// invoiceLifecycle is the slice of the consultation service invoice merging
// drives.
type invoiceLifecycle interface {
	AdvanceOnInvoiceFinalized(ctx context.Context, inv consultation.InvoiceSnapshot) error
}

// InvoiceMerger folds pulled invoices into the consultation lifecycle.
// Finalized invoices advance the owning consultation; drafts are ignored
// until the EMR finalizes them.
type InvoiceMerger struct {
	lifecycle invoiceLifecycle
	logger    *logging.Logger
}

// NewInvoiceMerger creates the invoice merge handler.
func NewInvoiceMerger(lifecycle invoiceLifecycle, logger *logging.Logger) *InvoiceMerger {
	if logger == nil {
		logger = logging.Default()
	}
	return &InvoiceMerger{lifecycle: lifecycle, logger: logger}
}

func (m *InvoiceMerger) Merge(ctx context.Context, item Item) error {
	var inv Invoice
	if err := json.Unmarshal(item.Payload, &inv); err != nil {
		return fmt.Errorf("emr: decode invoice %s: %w", item.ID, err)
	}
	if !inv.Finalized {
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

	err := m.lifecycle.AdvanceOnInvoiceFinalized(ctx, snapshot)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, consultation.ErrNotFound):
		// Invoice for a visit not created through this platform.
		m.logger.Debug("invoice for unknown visit skipped", "visit_id", inv.VisitID)
		return nil
	case consultation.IsStateConflict(err):
		// Already settled via webhook; the pull is just catching up.
		m.logger.Debug("invoice already applied", "visit_id", inv.VisitID)
		return nil
	default:
		return err
	}
}

// DocumentStore mirrors EMR document metadata.
type DocumentStore struct {
	db querier
}

// NewDocumentStore creates the document mirror store.
func NewDocumentStore(db querier) *DocumentStore {
	if db == nil {
		panic("emr: db required")
	}
	return &DocumentStore{db: db}
}

// Upsert inserts or refreshes a document row. Stale pulls (older
// last_modified than what is already stored) are dropped.
func (s *DocumentStore) Upsert(ctx context.Context, doc Document) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO emr_documents (id, visit_id, kind, url, last_modified, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET visit_id = $2, kind = $3, url = $4, last_modified = $5, updated_at = now()
		WHERE emr_documents.last_modified < $5`,
		doc.ID, doc.VisitID, doc.Kind, doc.URL, doc.LastModified)
	if err != nil {
		return fmt.Errorf("emr: upsert document: %w", err)
	}
	return nil
}

// ListByVisit returns the mirrored documents for one EMR visit.
func (s *DocumentStore) ListByVisit(ctx context.Context, visitID string) ([]Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, visit_id, kind, url, last_modified
		FROM emr_documents WHERE visit_id = $1
		ORDER BY last_modified DESC`, visitID)
	if err != nil {
		return nil, fmt.Errorf("emr: list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.VisitID, &doc.Kind, &doc.URL, &doc.LastModified); err != nil {
			return nil, fmt.Errorf("emr: scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DocumentMerger mirrors pulled document metadata locally.
type DocumentMerger struct {
	store *DocumentStore
}

// NewDocumentMerger creates the document merge handler.
func NewDocumentMerger(store *DocumentStore) *DocumentMerger {
	return &DocumentMerger{store: store}
}

func (m *DocumentMerger) Merge(ctx context.Context, item Item) error {
	var doc Document
	if err := json.Unmarshal(item.Payload, &doc); err != nil {
		return fmt.Errorf("emr: decode document %s: %w", item.ID, err)
	}
	return m.store.Upsert(ctx, doc)
}

// ProfileMerger reconciles pulled demographics against the local mirror.
// Unseen patients are inserted; matching profiles advance the stored
// last_modified; divergent profiles are staged for operator review instead
// of being overwritten.
type ProfileMerger struct {
	mirror  *MirrorStore
	metrics *metrics.SyncMetrics
	logger  *logging.Logger
}

// NewProfileMerger creates the patient-profile merge handler.
func NewProfileMerger(mirror *MirrorStore, m *metrics.SyncMetrics, logger *logging.Logger) *ProfileMerger {
	if logger == nil {
		logger = logging.Default()
	}
	return &ProfileMerger{mirror: mirror, metrics: m, logger: logger}
}

func (m *ProfileMerger) Merge(ctx context.Context, item Item) error {
	var remote PatientProfile
	if err := json.Unmarshal(item.Payload, &remote); err != nil {
		return fmt.Errorf("emr: decode profile %s: %w", item.ID, err)
	}
	if remote.EMRPatientID == "" {
		remote.EMRPatientID = item.ID
	}
	if remote.LastModified.IsZero() {
		remote.LastModified = item.LastModified
	}

	local, staged, err := m.mirror.Get(ctx, remote.EMRPatientID)
	if errors.Is(err, ErrNotFound) {
		return m.mirror.Insert(ctx, remote)
	}
	if err != nil {
		return err
	}
	if !remote.LastModified.After(local.LastModified) {
		return nil
	}

	diff := CompareProfiles(local, remote)
	if len(diff) == 0 {
		return m.mirror.Update(ctx, remote)
	}
	if len(staged) > 0 {
		m.logger.Debug("profile diff already staged", "emr_patient_id", remote.EMRPatientID)
	}
	if err := m.mirror.StageDiff(ctx, remote.EMRPatientID, diff, remote.LastModified); err != nil {
		return err
	}
	m.metrics.ObserveConflictStaged()
	m.logger.Warn("patient profile diverged, staged for review",
		"emr_patient_id", remote.EMRPatientID, "fields", len(diff))
	return nil
}
