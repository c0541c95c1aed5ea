package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quickclinic/booking-platform/internal/payments"
)

type fakeLedger struct {
	records []*payments.Record
	windows [][2]time.Time
}

func (l *fakeLedger) ListSucceededInWindow(ctx context.Context, from, to time.Time) ([]*payments.Record, error) {
	l.windows = append(l.windows, [2]time.Time{from, to})
	var out []*payments.Record
	for _, rec := range l.records {
		if !rec.UpdatedAt.Before(from) && rec.UpdatedAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeRowStore struct {
	rows      []Row
	cursor    time.Time
	insertErr error
	saves     int
}

func (s *fakeRowStore) InsertRows(ctx context.Context, rows []Row) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	seen := make(map[string]bool, len(s.rows))
	for _, row := range s.rows {
		seen[row.GatewayPaymentID] = true
	}
	for _, row := range rows {
		if seen[row.GatewayPaymentID] {
			continue
		}
		s.rows = append(s.rows, row)
	}
	return nil
}

func (s *fakeRowStore) WindowCursor(ctx context.Context) (time.Time, error) {
	return s.cursor, nil
}

func (s *fakeRowStore) SaveWindowCursor(ctx context.Context, to time.Time) error {
	s.cursor = to
	s.saves++
	return nil
}

func succeeded(gatewayID string, provider payments.Provider, method payments.Method, amount int64, at time.Time) *payments.Record {
	return &payments.Record{
		ID:               uuid.New(),
		GatewayPaymentID: gatewayID,
		ConsultationID:   uuid.New(),
		Provider:         provider,
		Method:           method,
		Type:             payments.TypePrepayment,
		AmountCents:      amount,
		Status:           payments.StatusSuccess,
		UpdatedAt:        at,
	}
}

func TestRunGroupsByGatewayPayment(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	inWindow := now.Add(-10 * time.Minute)
	ledger := &fakeLedger{records: []*payments.Record{
		// One grouped booking, two consultations, one gateway transaction.
		succeeded("pi_group", payments.ProviderStripe, payments.MethodCard, 2200, inWindow),
		succeeded("pi_group", payments.ProviderStripe, payments.MethodCard, 1650, inWindow),
		succeeded("pi_solo", payments.ProviderCardToken, payments.MethodSavedCard, 1000, inWindow),
	}}
	store := &fakeRowStore{}
	engine := NewEngine(ledger, store, nil, nil, nil).WithClock(func() time.Time { return now })

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.rows))
	}

	group := store.rows[0]
	if group.GatewayPaymentID != "pi_group" {
		t.Fatalf("first row = %s", group.GatewayPaymentID)
	}
	if group.GrossCents != 3850 {
		t.Errorf("gross = %d, want summed 3850", group.GrossCents)
	}
	// stripe/CARD: 50 flat + 3.4% of 3850 = 50 + 130 = 180.
	if group.FeeCents != 180 || group.NetCents != 3670 {
		t.Errorf("fee = %d, net = %d", group.FeeCents, group.NetCents)
	}
}

func TestRunAdvancesCursorOnlyAfterWrite(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)
	ledger := &fakeLedger{records: []*payments.Record{
		succeeded("pi_1", payments.ProviderStripe, payments.MethodCard, 1000, now.Add(-5*time.Minute)),
	}}
	store := &fakeRowStore{cursor: start, insertErr: fmt.Errorf("db down")}
	engine := NewEngine(ledger, store, nil, nil, nil).WithClock(func() time.Time { return now })

	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected insert failure")
	}
	if !store.cursor.Equal(start) {
		t.Fatalf("cursor advanced past a failed write: %v", store.cursor)
	}

	// Retry settles the same window and moves the cursor.
	store.insertErr = nil
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !store.cursor.Equal(now) {
		t.Errorf("cursor = %v, want %v", store.cursor, now)
	}
	if got := ledger.windows[1][0]; !got.Equal(start) {
		t.Errorf("retry window start = %v, want original %v", got, start)
	}
	if len(store.rows) != 1 {
		t.Errorf("rows = %d after retry, want 1", len(store.rows))
	}
}

func TestRunEmptyWindowStillAdvancesCursor(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := &fakeRowStore{cursor: now.Add(-30 * time.Minute)}
	engine := NewEngine(&fakeLedger{}, store, nil, nil, nil).WithClock(func() time.Time { return now })

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store.cursor.Equal(now) {
		t.Errorf("cursor = %v, want %v", store.cursor, now)
	}
	if len(store.rows) != 0 {
		t.Errorf("rows = %d, want none", len(store.rows))
	}
}

func TestFeeSchedule(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		fees, err := LoadFeeSchedule("")
		if err != nil {
			t.Fatal(err)
		}
		if got := fees.FeeFor(payments.ProviderCorporate, payments.MethodCorporate, 5000); got != 0 {
			t.Errorf("corporate fee = %d, want 0", got)
		}
		if got := fees.FeeFor(payments.ProviderStripe, payments.MethodCard, 10000); got != 390 {
			t.Errorf("stripe card fee = %d, want 50 + 340", got)
		}
	})

	t.Run("overrides merge over defaults", func(t *testing.T) {
		fees, err := LoadFeeSchedule(`{"stripe/CARD": {"flat_cents": 0, "percent_basis": 200}}`)
		if err != nil {
			t.Fatal(err)
		}
		if got := fees.FeeFor(payments.ProviderStripe, payments.MethodCard, 10000); got != 200 {
			t.Errorf("overridden fee = %d, want 200", got)
		}
		if got := fees.FeeFor(payments.ProviderCardToken, payments.MethodSavedCard, 10000); got != 330 {
			t.Errorf("default fee lost: %d", got)
		}
	})

	t.Run("unknown pair costs nothing", func(t *testing.T) {
		fees, _ := LoadFeeSchedule("")
		if got := fees.FeeFor("unknown", "UNKNOWN", 10000); got != 0 {
			t.Errorf("unknown pair fee = %d", got)
		}
	})

	t.Run("bad json rejected", func(t *testing.T) {
		if _, err := LoadFeeSchedule("{not json"); err == nil {
			t.Error("expected parse error")
		}
	})
}
