package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quickclinic/booking-platform/internal/http/handlers"
)

const testSecret = "router-test-secret"

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestHealthIsPublic(t *testing.T) {
	r := New(&Config{AccountJWTSecret: testSecret})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
}

func TestWebhooksAreMountedPublicly(t *testing.T) {
	var hit string
	r := New(&Config{
		AccountJWTSecret: testSecret,
		StripeWebhook:    func(w http.ResponseWriter, r *http.Request) { hit = "stripe"; w.WriteHeader(http.StatusOK) },
		EMRWebhook:       func(w http.ResponseWriter, r *http.Request) { hit = "emr"; w.WriteHeader(http.StatusOK) },
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", nil))
	if w.Code != http.StatusOK || hit != "stripe" {
		t.Errorf("stripe webhook: code = %d, hit = %s", w.Code, hit)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/emr", nil))
	if w.Code != http.StatusOK || hit != "emr" {
		t.Errorf("emr webhook: code = %d, hit = %s", w.Code, hit)
	}
}

func TestPatientRoutesRequireAuth(t *testing.T) {
	// A handler must be configured for /payments to be mounted at all; the
	// auth middleware rejects these requests before the stub is ever called.
	r := New(&Config{AccountJWTSecret: testSecret, PaymentHandler: &handlers.PaymentHandler{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/payments", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated: code = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "wrong-secret", "11111111-1111-1111-1111-111111111111"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: code = %d, want 401", w.Code)
	}
}

func TestAdminRoutesRequireAdminJWT(t *testing.T) {
	r := New(&Config{AccountJWTSecret: testSecret, AdminJWTSecret: "admin-secret"})

	// Admin routes are only mounted when a handler is configured; without one
	// an unknown admin path falls through to 404, which still must not leak.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/sync/diffs", nil))
	if w.Code == http.StatusOK {
		t.Errorf("admin route served without auth: code = %d", w.Code)
	}
}
