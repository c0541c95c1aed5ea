package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

var stripeTracer = otel.Tracer("quickclinic.internal.payments.stripe")

// StripeService drives both Stripe strategies: card charges through a
// payment-sheet PaymentIntent and bank transfers through a hosted Checkout
// Session.
type StripeService struct {
	secretKey  string
	successURL string
	cancelURL  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	retry      gatewayRetry
	logger     *logging.Logger
}

// NewStripeService creates a Stripe gateway client.
func NewStripeService(secretKey, successURL, cancelURL string, logger *logging.Logger) *StripeService {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeService{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      newGatewayRetry(logger),
		logger:     logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *StripeService) WithBaseURL(baseURL string) *StripeService {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithRetry overrides the transient-failure retry policy.
func (s *StripeService) WithRetry(maxAttempts int, baseDelay time.Duration) *StripeService {
	s.retry = s.retry.configure(maxAttempts, baseDelay)
	return s
}

// CreatePaymentSheet creates a PaymentIntent and returns the client secret the
// mobile payment sheet needs.
func (s *StripeService) CreatePaymentSheet(ctx context.Context, req CreateRequest) (*GatewayResult, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_payment_intent")
	defer span.End()
	span.SetAttributes(
		attribute.String("payments.account_id", req.AccountID.String()),
		attribute.Int("payments.amount_cents", int(req.AmountCents)),
	)

	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", req.AmountCents))
	form.Set("currency", "sgd")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[account_id]", req.AccountID.String())
	for i, id := range req.ConsultationIDs {
		form.Set(fmt.Sprintf("metadata[consultation_%d]", i), id.String())
	}

	var parsed stripePaymentIntent
	if err := s.post(ctx, "/v1/payment_intents", form, &parsed); err != nil {
		return nil, err
	}
	if parsed.ClientSecret == "" {
		return nil, &PermanentGatewayError{Err: fmt.Errorf("stripe response missing client secret")}
	}
	return &GatewayResult{
		GatewayPaymentID: parsed.ID,
		Launch: LaunchParams{
			Provider:     ProviderStripe,
			ClientSecret: parsed.ClientSecret,
		},
	}, nil
}

// CreateCheckoutSession creates a hosted checkout session and returns the
// redirect URL.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, req CreateRequest) (*GatewayResult, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("payments.account_id", req.AccountID.String()),
		attribute.Int("payments.amount_cents", int(req.AmountCents)),
	)

	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = "Consultation"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", "sgd")
	form.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", req.AmountCents))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	form.Set("payment_method_types[0]", "paynow")
	if s.successURL != "" {
		form.Set("success_url", s.successURL)
	}
	if s.cancelURL != "" {
		form.Set("cancel_url", s.cancelURL)
	}
	form.Set("metadata[account_id]", req.AccountID.String())
	form.Set("payment_intent_data[metadata][account_id]", req.AccountID.String())

	var parsed stripeCheckoutSession
	if err := s.post(ctx, "/v1/checkout/sessions", form, &parsed); err != nil {
		return nil, err
	}
	if parsed.URL == "" {
		return nil, &PermanentGatewayError{Err: fmt.Errorf("stripe response missing checkout url")}
	}
	gatewayID := parsed.PaymentIntent
	if gatewayID == "" {
		gatewayID = parsed.ID
	}
	return &GatewayResult{
		GatewayPaymentID: gatewayID,
		Launch: LaunchParams{
			Provider:    ProviderStripe,
			RedirectURL: parsed.URL,
		},
	}, nil
}

// post runs the form request with bounded backoff on transient failures.
func (s *StripeService) post(ctx context.Context, path string, form url.Values, out any) error {
	return s.retry.do(path, func() error {
		return s.postOnce(ctx, path, form, out)
	})
}

func (s *StripeService) postOnce(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("payments: stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Stripe-Version", s.apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransientGatewayError{Err: fmt.Errorf("stripe http: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(resp.Body)
		return &TransientGatewayError{Err: fmt.Errorf("stripe status %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return &PermanentGatewayError{Err: fmt.Errorf("stripe status %d: %s", resp.StatusCode, string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: stripe decode: %w", err)
	}
	return nil
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type stripeCheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
}
