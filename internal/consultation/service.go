package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

var tracer = otel.Tracer("quickclinic.internal.consultation")

// Store is the persistence surface the lifecycle service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByEMRVisitID(ctx context.Context, visitID string) (*Record, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*Record, error)
	ListByStatusBefore(ctx context.Context, statuses []Status, cutoff time.Time) ([]*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// EMRGateway covers the EMR calls the lifecycle drives.
type EMRGateway interface {
	EnsurePatient(ctx context.Context, accountID uuid.UUID) (string, error)
	CreateQueueEntry(ctx context.Context, emrPatientID, branchID string) (QueueEntry, error)
	CancelQueueEntry(ctx context.Context, visitID string) error
}

// QueueEntry is the EMR-side identity of a queued visit.
type QueueEntry struct {
	VisitID     string
	QueueNumber string
}

// PaymentLedger reports settled amounts for balance recomputation.
type PaymentLedger interface {
	SucceededTotalCents(ctx context.Context, consultationID uuid.UUID) (int64, error)
}

// Broadcaster publishes best-effort status-change events for live connections.
type Broadcaster interface {
	StatusChanged(ctx context.Context, rec *Record)
}

// QueueCache holds live queue numbers per branch so activity reads skip the
// EMR; refreshed on every queue push and cleared by the nightly sweep.
type QueueCache interface {
	Set(ctx context.Context, branchID, visitID, queueNumber string) error
	Get(ctx context.Context, branchID, visitID string) (string, error)
	ClearAll(ctx context.Context) error
}

// InvoiceSnapshot is the finalized-invoice view handed over by the EMR sync.
type InvoiceSnapshot struct {
	EMRVisitID              string
	PatientOutstandingCents int64
	Breakdown               []BreakdownItem
}

// Service is the consultation lifecycle state machine. All status changes go
// through it; illegal edges are rejected with StateConflictError and the
// record is left untouched.
type Service struct {
	store     Store
	emr       EMRGateway
	ledger    PaymentLedger
	broadcast Broadcaster
	queues    QueueCache
	logger    *logging.Logger
	now       func() time.Time
	location  *time.Location
}

// NewService wires the lifecycle service.
func NewService(store Store, emr EMRGateway, ledger PaymentLedger, broadcast Broadcaster, queues QueueCache, loc *time.Location, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:     store,
		emr:       emr,
		ledger:    ledger,
		broadcast: broadcast,
		queues:    queues,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		location:  loc,
	}
}

// WithClock overrides the time source (for testing).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// AdvanceOnPaymentSuccess enrolls every consultation covered by a settled
// payment into the EMR queue and moves it to CHECKED_IN. Redelivered webhooks
// find the records already past PREPAYMENT and succeed as a no-op. If any
// member of the group fails queue creation, every queue entry already created
// for the call is cancelled before the error is surfaced.
func (s *Service) AdvanceOnPaymentSuccess(ctx context.Context, consultationIDs []uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "consultation.advance_payment_success")
	defer span.End()
	span.SetAttributes(attribute.Int("consultation.count", len(consultationIDs)))

	type enrollment struct {
		rec   *Record
		entry QueueEntry
	}
	var enrolled []enrollment

	rollback := func() {
		for _, e := range enrolled {
			if err := s.emr.CancelQueueEntry(ctx, e.entry.VisitID); err != nil {
				s.logger.Error("queue rollback failed", "error", err, "emr_visit_id", e.entry.VisitID)
			}
		}
	}

	for _, id := range consultationIDs {
		rec, err := s.store.GetByID(ctx, id)
		if err != nil {
			rollback()
			return fmt.Errorf("consultation: payment advance: %w", err)
		}
		if rec.Status != StatusPrepayment {
			// Duplicate webhook delivery: the record already advanced.
			s.logger.Info("duplicate payment delivery ignored",
				"consultation_id", rec.ID, "status", rec.Status)
			continue
		}

		patientID, err := s.emr.EnsurePatient(ctx, rec.AccountID)
		if err != nil {
			rollback()
			return fmt.Errorf("consultation: register patient: %w", err)
		}
		entry, err := s.emr.CreateQueueEntry(ctx, patientID, rec.BranchID)
		if err != nil {
			rollback()
			return fmt.Errorf("consultation: create queue entry: %w", err)
		}
		rec.EMRPatientID = patientID
		enrolled = append(enrolled, enrollment{rec: rec, entry: entry})
	}

	for _, e := range enrolled {
		now := s.now()
		e.rec.Status = StatusCheckedIn
		e.rec.CheckinTime = &now
		e.rec.EMRVisitID = &e.entry.VisitID
		e.rec.EMRQueueNumber = &e.entry.QueueNumber
		if err := s.store.Save(ctx, e.rec); err != nil {
			rollback()
			return fmt.Errorf("consultation: persist check-in: %w", err)
		}
		s.cacheQueueNumber(ctx, e.rec)
		s.publish(ctx, e.rec)
	}
	return nil
}

// AdvanceOnInvoiceFinalized recomputes the balance against the payment ledger
// and settles or flags the consultation. When the balance clears while the
// record is OUTSTANDING (or the consult just ended) the record checks out and
// its billing documents become visible.
func (s *Service) AdvanceOnInvoiceFinalized(ctx context.Context, inv InvoiceSnapshot) error {
	ctx, span := tracer.Start(ctx, "consultation.advance_invoice_finalized")
	defer span.End()
	span.SetAttributes(attribute.String("emr.visit_id", inv.EMRVisitID))

	rec, err := s.store.GetByEMRVisitID(ctx, inv.EMRVisitID)
	if err != nil {
		return fmt.Errorf("consultation: invoice advance: %w", err)
	}

	paid, err := s.ledger.SucceededTotalCents(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("consultation: ledger total: %w", err)
	}
	balance := inv.PatientOutstandingCents - paid
	if balance < 0 {
		balance = 0
	}

	target := StatusOutstanding
	if balance == 0 {
		target = StatusCheckedOut
	}
	if rec.Status != target && !CanTransition(rec.Status, target) {
		return &StateConflictError{ID: rec.ID, From: rec.Status, To: target}
	}

	rec.TotalCents = inv.PatientOutstandingCents
	rec.BalanceCents = balance
	if len(inv.Breakdown) > 0 {
		rec.Breakdown = inv.Breakdown
	}
	rec.Status = target
	if target == StatusCheckedOut {
		now := s.now()
		rec.CheckoutTime = &now
		rec.DocumentsVisible = true
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist invoice advance: %w", err)
	}
	s.publish(ctx, rec)
	return nil
}

// SettleOutstanding recomputes the balance of an OUTSTANDING consultation
// after a postpayment settles; a zero balance checks the record out in the
// same call.
func (s *Service) SettleOutstanding(ctx context.Context, consultationID uuid.UUID) error {
	rec, err := s.store.GetByID(ctx, consultationID)
	if err != nil {
		return err
	}
	paid, err := s.ledger.SucceededTotalCents(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("consultation: ledger total: %w", err)
	}
	balance := rec.TotalCents - paid
	if balance < 0 {
		balance = 0
	}
	rec.BalanceCents = balance
	if balance == 0 {
		if !CanTransition(rec.Status, StatusCheckedOut) {
			return &StateConflictError{ID: rec.ID, From: rec.Status, To: StatusCheckedOut}
		}
		now := s.now()
		rec.Status = StatusCheckedOut
		rec.CheckoutTime = &now
		rec.DocumentsVisible = true
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist settle: %w", err)
	}
	s.publish(ctx, rec)
	return nil
}

// Cancel cancels a consultation and propagates the cancellation to every
// group member still in a cancellable state. The EMR queue withdrawal runs in
// the background; the local cancel is durable immediately.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "consultation.cancel")
	defer span.End()

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusCheckedIn && rec.Status != StatusMissed {
		return &StateConflictError{ID: rec.ID, From: rec.Status, To: StatusCancelled}
	}

	members := []*Record{rec}
	if rec.GroupID != nil {
		group, err := s.store.ListByGroup(ctx, *rec.GroupID)
		if err != nil {
			return fmt.Errorf("consultation: load group: %w", err)
		}
		members = members[:0]
		for _, m := range group {
			if m.Status == StatusCheckedIn || m.Status == StatusMissed {
				members = append(members, m)
			}
		}
	}

	for _, m := range members {
		m.Status = StatusCancelled
		if err := s.store.Save(ctx, m); err != nil {
			return fmt.Errorf("consultation: persist cancel: %w", err)
		}
		s.publish(ctx, m)
		if m.EMRVisitID != nil {
			visitID := *m.EMRVisitID
			go func() {
				if err := s.emr.CancelQueueEntry(context.Background(), visitID); err != nil {
					s.logger.Warn("emr queue withdraw failed", "error", err, "emr_visit_id", visitID)
				}
			}()
		}
	}
	return nil
}

// Rejoin re-queues a missed or cancelled consultation. Doctor assignment,
// notification markers and visit timestamps are cleared and a fresh EMR queue
// entry is issued.
func (s *Service) Rejoin(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "consultation.rejoin")
	defer span.End()

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusMissed && rec.Status != StatusCancelled {
		return &StateConflictError{ID: rec.ID, From: rec.Status, To: StatusCheckedIn}
	}
	wasMissed := rec.Status == StatusMissed

	patientID := rec.EMRPatientID
	if patientID == "" {
		patientID, err = s.emr.EnsurePatient(ctx, rec.AccountID)
		if err != nil {
			return fmt.Errorf("consultation: rejoin register: %w", err)
		}
		rec.EMRPatientID = patientID
	}
	entry, err := s.emr.CreateQueueEntry(ctx, patientID, rec.BranchID)
	if err != nil {
		return fmt.Errorf("consultation: rejoin queue entry: %w", err)
	}

	now := s.now()
	rec.Status = StatusCheckedIn
	if wasMissed {
		rec.AdditionalStatus = string(StatusMissed)
	}
	rec.DoctorID = nil
	rec.NotifiedAt = nil
	rec.VisitStartedAt = nil
	rec.VisitJoinedAt = nil
	rec.VisitEndedAt = nil
	rec.CheckinTime = &now
	rec.EMRVisitID = &entry.VisitID
	rec.EMRQueueNumber = &entry.QueueNumber

	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist rejoin: %w", err)
	}
	s.cacheQueueNumber(ctx, rec)
	s.publish(ctx, rec)
	return nil
}

// NightlySweep settles every record still CANCELLED or MISSED at local
// midnight as a no-show CHECKED_OUT and clears the branch live queue caches.
func (s *Service) NightlySweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "consultation.nightly_sweep")
	defer span.End()

	midnight := midnightIn(s.now(), s.location)
	stale, err := s.store.ListByStatusBefore(ctx, []Status{StatusCancelled, StatusMissed}, midnight)
	if err != nil {
		return fmt.Errorf("consultation: sweep list: %w", err)
	}

	var swept int
	for _, rec := range stale {
		now := s.now()
		rec.Status = StatusCheckedOut
		rec.CheckoutTime = &now
		if err := s.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("consultation: sweep save: %w", err)
		}
		s.publish(ctx, rec)
		swept++
	}

	if s.queues != nil {
		if err := s.queues.ClearAll(ctx); err != nil {
			s.logger.Warn("queue cache clear failed", "error", err)
		}
	}
	s.logger.Info("nightly sweep complete", "swept", swept)
	return nil
}

// MarkQueueCalled records that the EMR called the patient's number: the
// live queue number is refreshed and the notification marker set. No status
// change; the doctor starting the consult drives that edge.
func (s *Service) MarkQueueCalled(ctx context.Context, emrVisitID, queueNumber string) error {
	rec, err := s.store.GetByEMRVisitID(ctx, emrVisitID)
	if err != nil {
		return err
	}
	now := s.now()
	if queueNumber != "" {
		rec.EMRQueueNumber = &queueNumber
	}
	rec.NotifiedAt = &now
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist queue called: %w", err)
	}
	s.cacheQueueNumber(ctx, rec)
	s.publish(ctx, rec)
	return nil
}

// UpdateQueueNumber applies a queue renumbering pushed by the EMR.
func (s *Service) UpdateQueueNumber(ctx context.Context, emrVisitID, queueNumber string) error {
	rec, err := s.store.GetByEMRVisitID(ctx, emrVisitID)
	if err != nil {
		return err
	}
	rec.EMRQueueNumber = &queueNumber
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist queue number: %w", err)
	}
	s.cacheQueueNumber(ctx, rec)
	s.publish(ctx, rec)
	return nil
}

// cacheQueueNumber refreshes the branch live queue cache; cache misses fall
// back to the persisted number so failures are only logged.
func (s *Service) cacheQueueNumber(ctx context.Context, rec *Record) {
	if s.queues == nil || rec.EMRVisitID == nil || rec.EMRQueueNumber == nil {
		return
	}
	if err := s.queues.Set(ctx, rec.BranchID, *rec.EMRVisitID, *rec.EMRQueueNumber); err != nil {
		s.logger.Warn("queue cache refresh failed", "error", err, "emr_visit_id", *rec.EMRVisitID)
	}
}

// LiveQueueNumber returns the cached live queue number for a record, falling
// back to the number persisted at check-in.
func (s *Service) LiveQueueNumber(ctx context.Context, rec *Record) string {
	var persisted string
	if rec.EMRQueueNumber != nil {
		persisted = *rec.EMRQueueNumber
	}
	if s.queues == nil || rec.EMRVisitID == nil {
		return persisted
	}
	cached, err := s.queues.Get(ctx, rec.BranchID, *rec.EMRVisitID)
	if err != nil {
		s.logger.Warn("queue cache read failed", "error", err, "emr_visit_id", *rec.EMRVisitID)
		return persisted
	}
	if cached == "" {
		return persisted
	}
	return cached
}

// MarkMissed moves a checked-in consultation to MISSED (queue-called timeout
// relayed from the EMR).
func (s *Service) MarkMissed(ctx context.Context, id uuid.UUID) error {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(rec.Status, StatusMissed) {
		return &StateConflictError{ID: rec.ID, From: rec.Status, To: StatusMissed}
	}
	rec.Status = StatusMissed
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist missed: %w", err)
	}
	s.publish(ctx, rec)
	return nil
}

// MarkMissedByVisit is MarkMissed keyed by the EMR visit id, for events that
// carry no platform id.
func (s *Service) MarkMissedByVisit(ctx context.Context, emrVisitID string) error {
	rec, err := s.store.GetByEMRVisitID(ctx, emrVisitID)
	if err != nil {
		return err
	}
	return s.MarkMissed(ctx, rec.ID)
}

// CancelByVisit is Cancel keyed by the EMR visit id.
func (s *Service) CancelByVisit(ctx context.Context, emrVisitID string) error {
	rec, err := s.store.GetByEMRVisitID(ctx, emrVisitID)
	if err != nil {
		return err
	}
	return s.Cancel(ctx, rec.ID)
}

// Transition applies a generic edge (consult start/end relayed from the EMR).
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status) error {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(rec.Status, to) {
		return &StateConflictError{ID: rec.ID, From: rec.Status, To: to}
	}
	now := s.now()
	rec.Status = to
	switch to {
	case StatusConsultStart:
		rec.VisitStartedAt = &now
	case StatusConsultEnd:
		rec.VisitEndedAt = &now
	case StatusCheckedOut:
		rec.CheckoutTime = &now
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("consultation: persist transition: %w", err)
	}
	s.publish(ctx, rec)
	return nil
}

func (s *Service) publish(ctx context.Context, rec *Record) {
	if s.broadcast != nil {
		s.broadcast.StatusChanged(ctx, rec)
	}
}

func midnightIn(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// SurfaceError maps lifecycle errors onto the client-visible taxonomy:
// conflicts and missing records surface as "not found / invalid state".
func SurfaceError(err error) error {
	if err == nil {
		return nil
	}
	if IsStateConflict(err) || errors.Is(err, ErrNotFound) {
		return fmt.Errorf("consultation: record not found or in invalid state: %w", err)
	}
	return err
}
