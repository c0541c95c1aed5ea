package consultation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VisitType distinguishes remote and walk-in consultations.
type VisitType string

const (
	VisitTeleconsult VisitType = "TELECONSULT"
	VisitWalkIn      VisitType = "WALKIN"
)

// Status is the primary lifecycle state of a consultation.
type Status string

const (
	StatusPrepayment   Status = "PREPAYMENT"
	StatusCheckedIn    Status = "CHECKED_IN"
	StatusConsultStart Status = "CONSULT_START"
	StatusConsultEnd   Status = "CONSULT_END"
	StatusOutstanding  Status = "OUTSTANDING"
	StatusCheckedOut   Status = "CHECKED_OUT"
	StatusMissed       Status = "MISSED"
	StatusCancelled    Status = "CANCELLED"
)

// activeStatuses are the states in which an account is considered to have a
// consultation in progress. At most one record per account may be in one of
// these, enforced at creation time.
var activeStatuses = []Status{StatusCheckedIn, StatusConsultStart, StatusConsultEnd, StatusOutstanding}

// transitions is the full edge set of the lifecycle. Any edge not listed here
// is illegal and rejected with ErrStateConflict.
var transitions = map[Status][]Status{
	StatusPrepayment:   {StatusCheckedIn},
	StatusCheckedIn:    {StatusConsultStart, StatusMissed, StatusCancelled},
	StatusConsultStart: {StatusConsultEnd},
	StatusConsultEnd:   {StatusCheckedOut, StatusOutstanding},
	StatusOutstanding:  {StatusCheckedOut},
	StatusMissed:       {StatusCancelled, StatusCheckedIn, StatusCheckedOut},
	StatusCancelled:    {StatusCheckedIn, StatusCheckedOut},
}

// CanTransition reports whether from → to is a defined lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the status counts toward the one-active-record
// invariant.
func IsActive(s Status) bool {
	for _, a := range activeStatuses {
		if a == s {
			return true
		}
	}
	return false
}

// BreakdownItem is a single labelled line of a payment breakdown.
type BreakdownItem struct {
	Title       string `json:"title"`
	AmountCents int64  `json:"amount_cents"`
}

// Record is one unit of service request. Records are never deleted; terminal
// states are permanent audit rows.
type Record struct {
	ID        uuid.UUID
	VisitType VisitType
	AccountID uuid.UUID
	CreatedBy uuid.UUID

	GroupID    *uuid.UUID
	GroupIndex int

	BranchID      string
	Address       string
	CorporateCode string

	Status           Status
	AdditionalStatus string

	TotalCents   int64
	BalanceCents int64
	Breakdown    []BreakdownItem

	EMRPatientID   string
	EMRVisitID     *string
	EMRQueueNumber *string

	DoctorID         *uuid.UUID
	NotifiedAt       *time.Time
	DocumentsVisible bool

	CheckinTime    *time.Time
	CheckoutTime   *time.Time
	VisitStartedAt *time.Time
	VisitJoinedAt  *time.Time
	VisitEndedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound indicates the consultation does not exist.
var ErrNotFound = errors.New("consultation: not found")

// ErrActiveExists indicates the account already has a consultation in progress.
var ErrActiveExists = errors.New("consultation: account already has an active consultation")

// StateConflictError is returned for any undefined lifecycle edge. The record
// is left unchanged.
type StateConflictError struct {
	ID   uuid.UUID
	From Status
	To   Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("consultation: illegal transition %s -> %s for %s", e.From, e.To, e.ID)
}

// IsStateConflict reports whether err is a lifecycle conflict.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}
