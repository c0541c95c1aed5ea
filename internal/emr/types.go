package emr

import (
	"encoding/json"
	"errors"
	"time"
)

// Resource keys the sync engine pulls incrementally.
const (
	ResourceInvoice        = "invoice"
	ResourceDocument       = "document"
	ResourcePatientProfile = "patient-profile"
)

// Item is one record returned by the EMR pull or fetch API. Payload carries
// the resource-specific body; the envelope fields drive merging.
type Item struct {
	ID           string          `json:"id"`
	LastModified time.Time       `json:"last_modified"`
	Payload      json.RawMessage `json:"-"`
}

// Page is one page of a cursor pull. A nil Pager means the endpoint is
// unpaginated and the page is the whole result.
type Page struct {
	Items []Item
	Pager *Pager
}

// Pager mirrors the EMR list envelope: current page and total pages.
type Pager struct {
	Page  int `json:"p"`
	Pages int `json:"pages"`
}

// Invoice is the billing view of a visit.
type Invoice struct {
	ID                      string        `json:"id"`
	VisitID                 string        `json:"visit_id"`
	Finalized               bool          `json:"finalized"`
	PatientOutstandingCents int64         `json:"patient_outstanding_cents"`
	Lines                   []InvoiceLine `json:"lines"`
	LastModified            time.Time     `json:"last_modified"`
}

// InvoiceLine is one labelled invoice amount.
type InvoiceLine struct {
	Title       string `json:"title"`
	AmountCents int64  `json:"amount_cents"`
}

// Document is a medical or billing document attached to a visit.
type Document struct {
	ID           string    `json:"id"`
	VisitID      string    `json:"visit_id"`
	Kind         string    `json:"kind"`
	URL          string    `json:"url"`
	LastModified time.Time `json:"last_modified"`
}

// QueueEvent is the queue-side state of a visit.
type QueueEvent struct {
	VisitID     string `json:"visit_id"`
	QueueNumber string `json:"queue_number"`
}

// PatientProfile is the subset of demographics mirrored locally.
type PatientProfile struct {
	EMRPatientID string    `json:"emr_patient_id"`
	FullName     string    `json:"full_name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	DateOfBirth  string    `json:"date_of_birth"`
	Address      string    `json:"address"`
	LastModified time.Time `json:"last_modified"`
}

// WebhookEvent names a changed resource pushed by the EMR.
type WebhookEvent struct {
	Event           string `json:"event"`
	ObjectReference string `json:"object_reference"`
}

// Recognized webhook event names.
const (
	EventInvoiceFinalized     = "invoice.finalized"
	EventQueueCalled          = "queue.called"
	EventQueueNumberChanged   = "queue.number_changed"
	EventPendingQueueAccepted = "pending_queue.accepted"
	EventPendingQueueDeleted  = "pending_queue.deleted"
	EventAppointmentUpdated   = "appointment.updated"
	EventAppointmentCancelled = "appointment.cancelled"
	EventAppointmentDeleted   = "appointment.deleted"
)

var (
	// ErrNotFound indicates the EMR has no such resource.
	ErrNotFound = errors.New("emr: resource not found")
	// ErrSyncConflict marks a staged local/EMR divergence awaiting an operator.
	ErrSyncConflict = errors.New("emr: sync conflict staged")
)

// TransientError marks a retryable EMR failure (network or 5xx).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "emr: transient error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an EMR business rejection; never retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "emr: rejected: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
