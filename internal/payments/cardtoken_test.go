package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newCardTokenFixture(t *testing.T, handler func(attempt int, w http.ResponseWriter, r *http.Request)) (*CardTokenService, pgxmock.PgxPoolIface, *int) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		handler(calls, w, r)
	}))
	t.Cleanup(srv.Close)

	svc := NewCardTokenService("ct_key", srv.URL, NewTokenStore(mock), nil).
		WithRetry(3, time.Millisecond)
	svc.retry.sleep = func(time.Duration) {}
	return svc, mock, &calls
}

func expectActiveToken(mock pgxmock.PgxPoolIface, accountID uuid.UUID, token string) {
	mock.ExpectQuery("SELECT token FROM card_tokens").
		WithArgs(accountID).
		WillReturnRows(pgxmock.NewRows([]string{"token"}).AddRow(token))
}

func TestChargeExchangesSavedToken(t *testing.T) {
	accountID := uuid.New()
	svc, mock, _ := newCardTokenFixture(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ct_key" {
			t.Errorf("authorization = %q", got)
		}
		var body struct {
			CardToken   string `json:"card_token"`
			AmountCents int64  `json:"amount_cents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.CardToken != "tok_abc" || body.AmountCents != 3200 {
			t.Errorf("body = %+v", body)
		}
		w.Write([]byte(`{"payment_id": "ctp_1", "one_time_token": "ott_1"}`))
	})
	expectActiveToken(mock, accountID, "tok_abc")

	result, err := svc.Charge(context.Background(), CreateRequest{AccountID: accountID, AmountCents: 3200})
	if err != nil {
		t.Fatal(err)
	}
	if result.GatewayPaymentID != "ctp_1" {
		t.Errorf("gateway id = %q", result.GatewayPaymentID)
	}
	if result.Launch.Extra["one_time_token"] != "ott_1" {
		t.Errorf("launch extra = %+v", result.Launch.Extra)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestChargeWithoutSavedToken(t *testing.T) {
	accountID := uuid.New()
	svc, mock, calls := newCardTokenFixture(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		t.Error("gateway should not be called without a token")
	})
	mock.ExpectQuery("SELECT token FROM card_tokens").
		WithArgs(accountID).
		WillReturnError(pgx.ErrNoRows)

	_, err := svc.Charge(context.Background(), CreateRequest{AccountID: accountID, AmountCents: 100})
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
	if *calls != 0 {
		t.Errorf("gateway calls = %d, want 0", *calls)
	}
}

func TestChargeRetriesTransientFailure(t *testing.T) {
	accountID := uuid.New()
	svc, mock, calls := newCardTokenFixture(t, func(attempt int, w http.ResponseWriter, r *http.Request) {
		if attempt == 1 {
			http.Error(w, "gateway blip", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"payment_id": "ctp_2", "one_time_token": "ott_2"}`))
	})
	expectActiveToken(mock, accountID, "tok_abc")

	result, err := svc.Charge(context.Background(), CreateRequest{AccountID: accountID, AmountCents: 100})
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 2 {
		t.Errorf("calls = %d, want 2", *calls)
	}
	if result.GatewayPaymentID != "ctp_2" {
		t.Errorf("gateway id = %q", result.GatewayPaymentID)
	}
}

func TestChargeSurfacesPermanentRejection(t *testing.T) {
	accountID := uuid.New()
	svc, mock, calls := newCardTokenFixture(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card expired", http.StatusUnprocessableEntity)
	})
	expectActiveToken(mock, accountID, "tok_abc")

	_, err := svc.Charge(context.Background(), CreateRequest{AccountID: accountID, AmountCents: 100})
	var permanent *PermanentGatewayError
	if !errors.As(err, &permanent) {
		t.Fatalf("err = %v, want PermanentGatewayError", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestActivateReplacesPriorTokens(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)
	accountID := uuid.New()

	mock.ExpectExec("UPDATE card_tokens SET active = false").
		WithArgs(accountID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO card_tokens").
		WithArgs(pgxmock.AnyArg(), accountID, "tok_new").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := NewTokenStore(mock).Activate(context.Background(), accountID, "tok_new"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
