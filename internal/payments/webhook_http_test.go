package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func signStripeStyle(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func signPlainHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	handler := NewStripeWebhookHandler("whsec_test", NewWebhookService(newFakeLedger(), &fakeAdvancer{}, nil, nil), nil, nil)
	payload := []byte(`{"id": "evt_1", "type": "payment_intent.succeeded"}`)

	for name, header := range map[string]string{
		"missing":  "",
		"garbage":  "t=abc,v1=zzz",
		"mismatch": signStripeStyle("whsec_other", payload, time.Now()),
		"stale":    signStripeStyle("whsec_test", payload, time.Now().Add(-10*time.Minute)),
	} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
		if header != "" {
			req.Header.Set("Stripe-Signature", header)
		}
		w := httptest.NewRecorder()
		handler.Handle(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s signature: code = %d, want 403", name, w.Code)
		}
	}
}

func TestStripeWebhookAppliesSuccess(t *testing.T) {
	rec := pendingRecord("pi_1", TypePrepayment)
	advancer := &fakeAdvancer{}
	handler := NewStripeWebhookHandler("whsec_test", NewWebhookService(newFakeLedger(rec), advancer, nil, nil), nil, nil)

	payload := []byte(`{"id": "evt_1", "type": "payment_intent.succeeded", "data": {"object": {"id": "pi_1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signStripeStyle("whsec_test", payload, time.Now()))
	w := httptest.NewRecorder()
	handler.Handle(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if rec.Status != StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", rec.Status)
	}
	if len(advancer.advanced) != 1 {
		t.Errorf("advanced = %v", advancer.advanced)
	}
}

func TestStripeWebhookCheckoutSessionUsesPaymentIntent(t *testing.T) {
	rec := pendingRecord("pi_9", TypePrepayment)
	handler := NewStripeWebhookHandler("", NewWebhookService(newFakeLedger(rec), &fakeAdvancer{}, nil, nil), nil, nil)

	payload := `{"id": "evt_2", "type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "payment_intent": "pi_9"}}}`
	w := httptest.NewRecorder()
	handler.Handle(w, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", rec.Status)
	}
}

func TestStripeWebhookUnknownPaymentAcked(t *testing.T) {
	handler := NewStripeWebhookHandler("", NewWebhookService(newFakeLedger(), &fakeAdvancer{}, nil, nil), nil, nil)

	payload := `{"id": "evt_3", "type": "payment_intent.succeeded", "data": {"object": {"id": "pi_unknown"}}}`
	w := httptest.NewRecorder()
	handler.Handle(w, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Errorf("code = %d, unknown payments must be acked", w.Code)
	}
}

func TestStripeWebhookIgnoresUnrelatedEvents(t *testing.T) {
	rec := pendingRecord("pi_1", TypePrepayment)
	handler := NewStripeWebhookHandler("", NewWebhookService(newFakeLedger(rec), &fakeAdvancer{}, nil, nil), nil, nil)

	payload := `{"id": "evt_4", "type": "customer.created", "data": {"object": {"id": "cus_1"}}}`
	w := httptest.NewRecorder()
	handler.Handle(w, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
	if rec.Status != StatusCreated {
		t.Errorf("status = %s, unrelated event must not touch records", rec.Status)
	}
}

func TestCardTokenWebhookRejectsBadSignature(t *testing.T) {
	handler := NewCardTokenWebhookHandler("ct_secret", NewWebhookService(newFakeLedger(), &fakeAdvancer{}, nil, nil), nil, nil)

	payload := `{"event_id": "evt_1", "payment_id": "ctp_1", "status": "success"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/cardtoken", strings.NewReader(payload))
	req.Header.Set("X-Signature", "deadbeef")
	w := httptest.NewRecorder()
	handler.Handle(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", w.Code)
	}
}

func TestCardTokenWebhookActivatesToken(t *testing.T) {
	rec := pendingRecord("ctp_1", TypeTokenization)
	tokens := &fakeTokenActivator{}
	handler := NewCardTokenWebhookHandler("ct_secret", NewWebhookService(newFakeLedger(rec), &fakeAdvancer{}, tokens, nil), nil, nil)

	payload := []byte(`{"event_id": "evt_1", "payment_id": "ctp_1", "status": "success", "card_token": "tok_new"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/cardtoken", strings.NewReader(string(payload)))
	req.Header.Set("X-Signature", signPlainHMAC("ct_secret", payload))
	w := httptest.NewRecorder()
	handler.Handle(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if rec.Status != StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", rec.Status)
	}
	if tokens.token != "tok_new" {
		t.Errorf("activated token = %q, want tok_new", tokens.token)
	}
}

func TestCardTokenWebhookUnknownStatusAcked(t *testing.T) {
	rec := pendingRecord("ctp_1", TypePrepayment)
	handler := NewCardTokenWebhookHandler("", NewWebhookService(newFakeLedger(rec), &fakeAdvancer{}, nil, nil), nil, nil)

	payload := `{"event_id": "evt_1", "payment_id": "ctp_1", "status": "processing"}`
	w := httptest.NewRecorder()
	handler.Handle(w, httptest.NewRequest(http.MethodPost, "/webhooks/cardtoken", strings.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
	if rec.Status != StatusCreated {
		t.Errorf("status = %s, non-terminal status must not touch records", rec.Status)
	}
}
