package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	saveErr error
}

func newFakeStore(records ...*Record) *fakeStore {
	s := &fakeStore{records: make(map[uuid.UUID]*Record)}
	for _, r := range records {
		cp := *r
		s.records[r.ID] = &cp
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) GetByEMRVisitID(_ context.Context, visitID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.EMRVisitID != nil && *rec.EMRVisitID == visitID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) ListByGroup(_ context.Context, groupID uuid.UUID) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.GroupID != nil && *rec.GroupID == groupID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByStatusBefore(_ context.Context, statuses []Status, cutoff time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		for _, st := range statuses {
			if rec.Status == st && rec.CreatedAt.Before(cutoff) {
				cp := *rec
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Save(_ context.Context, rec *Record) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

type fakeEMR struct {
	mu        sync.Mutex
	created   []string
	cancelled []string
	failOn    int // fail the Nth CreateQueueEntry (1-based), 0 = never
	calls     int
}

func (e *fakeEMR) EnsurePatient(_ context.Context, accountID uuid.UUID) (string, error) {
	return "emr-" + accountID.String()[:8], nil
}

func (e *fakeEMR) CreateQueueEntry(_ context.Context, patientID, branchID string) (QueueEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failOn > 0 && e.calls >= e.failOn {
		return QueueEntry{}, errors.New("emr unavailable")
	}
	visitID := fmt.Sprintf("visit-%d", e.calls)
	e.created = append(e.created, visitID)
	return QueueEntry{VisitID: visitID, QueueNumber: fmt.Sprintf("Q%03d", e.calls)}, nil
}

func (e *fakeEMR) CancelQueueEntry(_ context.Context, visitID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, visitID)
	return nil
}

type fakeLedger struct{ totals map[uuid.UUID]int64 }

func (l *fakeLedger) SucceededTotalCents(_ context.Context, id uuid.UUID) (int64, error) {
	return l.totals[id], nil
}

type captureBroadcast struct {
	mu     sync.Mutex
	events []Status
}

func (b *captureBroadcast) StatusChanged(_ context.Context, rec *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, rec.Status)
}

type fakeQueueCache struct {
	mu      sync.Mutex
	numbers map[string]string
	cleared bool
}

func (c *fakeQueueCache) key(branchID, visitID string) string { return branchID + ":" + visitID }

func (c *fakeQueueCache) Set(_ context.Context, branchID, visitID, queueNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.numbers == nil {
		c.numbers = make(map[string]string)
	}
	c.numbers[c.key(branchID, visitID)] = queueNumber
	return nil
}

func (c *fakeQueueCache) Get(_ context.Context, branchID, visitID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numbers[c.key(branchID, visitID)], nil
}

func (c *fakeQueueCache) ClearAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numbers = nil
	c.cleared = true
	return nil
}

func newTestService(store Store, emr EMRGateway, ledger PaymentLedger) (*Service, *captureBroadcast, *fakeQueueCache) {
	b := &captureBroadcast{}
	q := &fakeQueueCache{}
	svc := NewService(store, emr, ledger, b, q, time.UTC, logging.Default())
	return svc, b, q
}

func prepaymentRecord(accountID uuid.UUID) *Record {
	return &Record{
		ID:        uuid.New(),
		VisitType: VisitWalkIn,
		AccountID: accountID,
		CreatedBy: accountID,
		BranchID:  "branch-1",
		Status:    StatusPrepayment,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
}

func TestAdvanceOnPaymentSuccessChecksIn(t *testing.T) {
	rec := prepaymentRecord(uuid.New())
	store := newFakeStore(rec)
	emr := &fakeEMR{}
	svc, broadcast, _ := newTestService(store, emr, &fakeLedger{})

	if err := svc.AdvanceOnPaymentSuccess(context.Background(), []uuid.UUID{rec.ID}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.Status != StatusCheckedIn {
		t.Fatalf("expected CHECKED_IN, got %s", got.Status)
	}
	if got.EMRVisitID == nil || got.EMRQueueNumber == nil {
		t.Fatal("expected EMR linkage after check-in")
	}
	if got.CheckinTime == nil {
		t.Fatal("expected checkin time")
	}
	if len(broadcast.events) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(broadcast.events))
	}
}

func TestAdvanceOnPaymentSuccessIdempotent(t *testing.T) {
	rec := prepaymentRecord(uuid.New())
	store := newFakeStore(rec)
	emr := &fakeEMR{}
	svc, _, _ := newTestService(store, emr, &fakeLedger{})

	for i := 0; i < 3; i++ {
		if err := svc.AdvanceOnPaymentSuccess(context.Background(), []uuid.UUID{rec.ID}); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	if len(emr.created) != 1 {
		t.Fatalf("expected exactly one queue entry across redeliveries, got %d", len(emr.created))
	}
	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.Status != StatusCheckedIn {
		t.Fatalf("expected CHECKED_IN, got %s", got.Status)
	}
}

func TestAdvanceOnPaymentSuccessGroupRollback(t *testing.T) {
	groupID := uuid.New()
	first := prepaymentRecord(uuid.New())
	second := prepaymentRecord(uuid.New())
	first.GroupID = &groupID
	second.GroupID = &groupID
	second.GroupIndex = 1

	store := newFakeStore(first, second)
	emr := &fakeEMR{failOn: 2}
	svc, _, _ := newTestService(store, emr, &fakeLedger{})

	err := svc.AdvanceOnPaymentSuccess(context.Background(), []uuid.UUID{first.ID, second.ID})
	if err == nil {
		t.Fatal("expected aggregate error on partial enrollment")
	}
	if len(emr.cancelled) != 1 || emr.cancelled[0] != "visit-1" {
		t.Fatalf("expected first queue entry rolled back, got %v", emr.cancelled)
	}

	got, _ := store.GetByID(context.Background(), first.ID)
	if got.Status != StatusPrepayment {
		t.Fatalf("expected no member checked in after rollback, got %s", got.Status)
	}
}

func TestAdvanceOnInvoiceFinalized(t *testing.T) {
	visitID := "visit-77"
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusConsultEnd
	rec.EMRVisitID = &visitID

	cases := []struct {
		name        string
		outstanding int64
		paid        int64
		wantStatus  Status
		wantBalance int64
		wantDocs    bool
	}{
		{"fully paid checks out", 3500, 3500, StatusCheckedOut, 0, true},
		{"overpaid clamps to zero", 3500, 4000, StatusCheckedOut, 0, true},
		{"short paid goes outstanding", 3500, 2000, StatusOutstanding, 1500, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore(rec)
			ledger := &fakeLedger{totals: map[uuid.UUID]int64{rec.ID: tc.paid}}
			svc, _, _ := newTestService(store, &fakeEMR{}, ledger)

			err := svc.AdvanceOnInvoiceFinalized(context.Background(), InvoiceSnapshot{
				EMRVisitID:              visitID,
				PatientOutstandingCents: tc.outstanding,
			})
			if err != nil {
				t.Fatalf("invoice advance failed: %v", err)
			}
			got, _ := store.GetByID(context.Background(), rec.ID)
			if got.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, got.Status)
			}
			if got.BalanceCents != tc.wantBalance {
				t.Fatalf("expected balance %d, got %d", tc.wantBalance, got.BalanceCents)
			}
			if got.DocumentsVisible != tc.wantDocs {
				t.Fatalf("expected documents visible=%v", tc.wantDocs)
			}
		})
	}
}

func TestOutstandingSettlesOnLaterPayment(t *testing.T) {
	visitID := "visit-88"
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusOutstanding
	rec.EMRVisitID = &visitID
	store := newFakeStore(rec)
	ledger := &fakeLedger{totals: map[uuid.UUID]int64{rec.ID: 3500}}
	svc, _, _ := newTestService(store, &fakeEMR{}, ledger)

	err := svc.AdvanceOnInvoiceFinalized(context.Background(), InvoiceSnapshot{
		EMRVisitID:              visitID,
		PatientOutstandingCents: 3500,
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.Status != StatusCheckedOut {
		t.Fatalf("expected CHECKED_OUT, got %s", got.Status)
	}
	if got.CheckoutTime == nil {
		t.Fatal("expected checkout time")
	}
}

func TestCancelPropagatesToGroup(t *testing.T) {
	groupID := uuid.New()
	a := prepaymentRecord(uuid.New())
	b := prepaymentRecord(uuid.New())
	outsider := prepaymentRecord(uuid.New())
	a.Status, b.Status = StatusCheckedIn, StatusMissed
	a.GroupID, b.GroupID = &groupID, &groupID
	outsider.Status = StatusCheckedIn

	store := newFakeStore(a, b, outsider)
	svc, _, _ := newTestService(store, &fakeEMR{}, &fakeLedger{})

	if err := svc.Cancel(context.Background(), a.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, _ := store.GetByID(context.Background(), id)
		if got.Status != StatusCancelled {
			t.Fatalf("expected group member %s cancelled, got %s", id, got.Status)
		}
	}
	got, _ := store.GetByID(context.Background(), outsider.ID)
	if got.Status != StatusCheckedIn {
		t.Fatalf("expected outsider untouched, got %s", got.Status)
	}
}

func TestCancelIllegalState(t *testing.T) {
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusConsultStart
	store := newFakeStore(rec)
	svc, _, _ := newTestService(store, &fakeEMR{}, &fakeLedger{})

	err := svc.Cancel(context.Background(), rec.ID)
	if !IsStateConflict(err) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.Status != StatusConsultStart {
		t.Fatal("expected record unchanged after illegal cancel")
	}
}

func TestRejoinClearsAssignmentAndRequeues(t *testing.T) {
	doctorID := uuid.New()
	notified := time.Now().UTC()
	visitID := "visit-old"
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusMissed
	rec.DoctorID = &doctorID
	rec.NotifiedAt = &notified
	rec.EMRVisitID = &visitID
	rec.EMRPatientID = "emr-existing"

	store := newFakeStore(rec)
	emr := &fakeEMR{}
	svc, _, _ := newTestService(store, emr, &fakeLedger{})

	if err := svc.Rejoin(context.Background(), rec.ID); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}

	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.Status != StatusCheckedIn {
		t.Fatalf("expected CHECKED_IN, got %s", got.Status)
	}
	if got.DoctorID != nil || got.NotifiedAt != nil {
		t.Fatal("expected doctor assignment and notification marker cleared")
	}
	if got.AdditionalStatus != string(StatusMissed) {
		t.Fatalf("expected MISSED recorded as additional status, got %q", got.AdditionalStatus)
	}
	if got.EMRVisitID == nil || *got.EMRVisitID == visitID {
		t.Fatal("expected a fresh EMR queue entry")
	}
}

func TestRejoinIllegalFromCheckedOut(t *testing.T) {
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusCheckedOut
	store := newFakeStore(rec)
	svc, _, _ := newTestService(store, &fakeEMR{}, &fakeLedger{})

	if err := svc.Rejoin(context.Background(), rec.ID); !IsStateConflict(err) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestNightlySweep(t *testing.T) {
	cancelled := prepaymentRecord(uuid.New())
	cancelled.Status = StatusCancelled
	cancelled.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	missed := prepaymentRecord(uuid.New())
	missed.Status = StatusMissed
	missed.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	active := prepaymentRecord(uuid.New())
	active.Status = StatusCheckedIn

	store := newFakeStore(cancelled, missed, active)
	svc, _, cache := newTestService(store, &fakeEMR{}, &fakeLedger{})

	if err := svc.NightlySweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	for _, id := range []uuid.UUID{cancelled.ID, missed.ID} {
		got, _ := store.GetByID(context.Background(), id)
		if got.Status != StatusCheckedOut {
			t.Fatalf("expected swept record checked out, got %s", got.Status)
		}
	}
	got, _ := store.GetByID(context.Background(), active.ID)
	if got.Status != StatusCheckedIn {
		t.Fatal("expected active record untouched by sweep")
	}
	if !cache.cleared {
		t.Fatal("expected branch queue cache cleared")
	}
}

func TestQueuePushesRefreshLiveCache(t *testing.T) {
	visitID := "visit-42"
	number := "Q001"
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusCheckedIn
	rec.EMRVisitID = &visitID
	rec.EMRQueueNumber = &number

	store := newFakeStore(rec)
	svc, _, cache := newTestService(store, &fakeEMR{}, &fakeLedger{})

	if err := svc.UpdateQueueNumber(context.Background(), visitID, "Q007"); err != nil {
		t.Fatalf("update queue number failed: %v", err)
	}
	if got, _ := cache.Get(context.Background(), rec.BranchID, visitID); got != "Q007" {
		t.Fatalf("cached number = %q, want Q007", got)
	}

	if err := svc.MarkQueueCalled(context.Background(), visitID, "Q008"); err != nil {
		t.Fatalf("mark queue called failed: %v", err)
	}
	if got, _ := cache.Get(context.Background(), rec.BranchID, visitID); got != "Q008" {
		t.Fatalf("cached number = %q, want Q008", got)
	}
}

func TestLiveQueueNumberPrefersCache(t *testing.T) {
	visitID := "visit-9"
	persisted := "Q010"
	rec := prepaymentRecord(uuid.New())
	rec.Status = StatusCheckedIn
	rec.EMRVisitID = &visitID
	rec.EMRQueueNumber = &persisted

	store := newFakeStore(rec)
	svc, _, cache := newTestService(store, &fakeEMR{}, &fakeLedger{})

	if got := svc.LiveQueueNumber(context.Background(), rec); got != "Q010" {
		t.Fatalf("expected persisted fallback Q010, got %q", got)
	}

	_ = cache.Set(context.Background(), rec.BranchID, visitID, "Q004")
	if got := svc.LiveQueueNumber(context.Background(), rec); got != "Q004" {
		t.Fatalf("expected cached Q004, got %q", got)
	}
}

func TestCheckInSeedsLiveQueueCache(t *testing.T) {
	rec := prepaymentRecord(uuid.New())
	store := newFakeStore(rec)
	svc, _, cache := newTestService(store, &fakeEMR{}, &fakeLedger{})

	if err := svc.AdvanceOnPaymentSuccess(context.Background(), []uuid.UUID{rec.ID}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	got, _ := store.GetByID(context.Background(), rec.ID)
	cached, _ := cache.Get(context.Background(), got.BranchID, *got.EMRVisitID)
	if cached != *got.EMRQueueNumber {
		t.Fatalf("cache = %q, want %q", cached, *got.EMRQueueNumber)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPrepayment, StatusCheckedIn},
		{StatusCheckedIn, StatusConsultStart},
		{StatusConsultStart, StatusConsultEnd},
		{StatusConsultEnd, StatusCheckedOut},
		{StatusConsultEnd, StatusOutstanding},
		{StatusOutstanding, StatusCheckedOut},
		{StatusCheckedIn, StatusMissed},
		{StatusCheckedIn, StatusCancelled},
		{StatusMissed, StatusCancelled},
		{StatusMissed, StatusCheckedIn},
		{StatusCancelled, StatusCheckedIn},
		{StatusMissed, StatusCheckedOut},
		{StatusCancelled, StatusCheckedOut},
	}
	for _, edge := range legal {
		if !CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s legal", edge.from, edge.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusCheckedOut, StatusCheckedIn},
		{StatusPrepayment, StatusConsultStart},
		{StatusConsultStart, StatusCheckedIn},
		{StatusOutstanding, StatusConsultStart},
		{StatusCheckedOut, StatusPrepayment},
	}
	for _, edge := range illegal {
		if CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s illegal", edge.from, edge.to)
		}
	}
}
