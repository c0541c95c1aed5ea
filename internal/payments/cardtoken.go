package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

// TokenStore persists saved-card tokens per account.
type TokenStore struct {
	db querier
}

// NewTokenStore creates a token store.
func NewTokenStore(db querier) *TokenStore {
	if db == nil {
		panic("payments: db required")
	}
	return &TokenStore{db: db}
}

// ActiveToken returns the account's active saved-card token or ErrTokenNotFound.
func (s *TokenStore) ActiveToken(ctx context.Context, accountID uuid.UUID) (string, error) {
	var token string
	err := s.db.QueryRow(ctx,
		`SELECT token FROM card_tokens
		 WHERE account_id = $1 AND active ORDER BY created_at DESC LIMIT 1`,
		accountID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("payments: load token: %w", err)
	}
	return token, nil
}

// Activate stores a freshly tokenized card, deactivating prior tokens.
func (s *TokenStore) Activate(ctx context.Context, accountID uuid.UUID, token string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE card_tokens SET active = false WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("payments: deactivate tokens: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO card_tokens (id, account_id, token, active, created_at)
		 VALUES ($1, $2, $3, true, now())`,
		uuid.New(), accountID, token); err != nil {
		return fmt.Errorf("payments: save token: %w", err)
	}
	return nil
}

// CardTokenService charges a saved card by exchanging the stored token for a
// one-time payment token at the gateway.
type CardTokenService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	retry      gatewayRetry
	logger     *logging.Logger
}

// NewCardTokenService creates the saved-card gateway client.
func NewCardTokenService(apiKey, baseURL string, tokens *TokenStore, logger *logging.Logger) *CardTokenService {
	if logger == nil {
		logger = logging.Default()
	}
	return &CardTokenService{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
		retry:      newGatewayRetry(logger),
		logger:     logger,
	}
}

// WithRetry overrides the transient-failure retry policy.
func (s *CardTokenService) WithRetry(maxAttempts int, baseDelay time.Duration) *CardTokenService {
	s.retry = s.retry.configure(maxAttempts, baseDelay)
	return s
}

// Charge exchanges the account's saved token and submits the charge. Fails
// with ErrTokenNotFound when the account has no active token.
func (s *CardTokenService) Charge(ctx context.Context, req CreateRequest) (*GatewayResult, error) {
	token, err := s.tokens.ActiveToken(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"card_token":   token,
		"amount_cents": req.AmountCents,
		"currency":     "SGD",
		"reference":    req.AccountID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("payments: marshal charge: %w", err)
	}

	var result *GatewayResult
	err = s.retry.do("/v1/charges", func() error {
		res, err := s.chargeOnce(ctx, payload)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *CardTokenService) chargeOnce(ctx context.Context, payload []byte) (*GatewayResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/charges", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("payments: token charge request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientGatewayError{Err: fmt.Errorf("token gateway http: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransientGatewayError{Err: fmt.Errorf("token gateway status %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return nil, &PermanentGatewayError{Err: fmt.Errorf("token gateway status %d: %s", resp.StatusCode, string(body))}
	}

	var parsed struct {
		PaymentID    string `json:"payment_id"`
		OneTimeToken string `json:"one_time_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("payments: token gateway decode: %w", err)
	}
	if parsed.PaymentID == "" {
		return nil, &PermanentGatewayError{Err: fmt.Errorf("token gateway response missing payment id")}
	}

	return &GatewayResult{
		GatewayPaymentID: parsed.PaymentID,
		Launch: LaunchParams{
			Provider: ProviderCardToken,
			Extra:    map[string]string{"one_time_token": parsed.OneTimeToken},
		},
	}, nil
}
