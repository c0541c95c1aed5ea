package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

// CreateRequest describes a charge to run through a gateway strategy.
type CreateRequest struct {
	AccountID       uuid.UUID
	ConsultationIDs []uuid.UUID
	AmountCents     int64
	Description     string
	SponsorCode     string
}

// GatewayResult is what a strategy returns: the shared gateway transaction id
// plus client launch parameters.
type GatewayResult struct {
	GatewayPaymentID string
	Launch           LaunchParams
}

// GatewayHandler is one registered payment strategy.
type GatewayHandler func(ctx context.Context, req CreateRequest) (*GatewayResult, error)

// SponsorValidator checks corporate sponsor codes gating deferred payments.
type SponsorValidator interface {
	Valid(ctx context.Context, code string) (bool, error)
}

// LifecycleAdvancer is the consultation state machine surface the orchestrator
// drives after a settled payment.
type LifecycleAdvancer interface {
	AdvanceOnPaymentSuccess(ctx context.Context, consultationIDs []uuid.UUID) error
	SettleOutstanding(ctx context.Context, consultationID uuid.UUID) error
}

// methodProviders maps each supported method to the provider recorded on its
// charge attempts.
var methodProviders = map[Method]Provider{
	MethodCard:         ProviderStripe,
	MethodBankTransfer: ProviderStripe,
	MethodSavedCard:    ProviderCardToken,
	MethodCorporate:    ProviderCorporate,
}

// Orchestrator dispatches charges to registered gateway strategies. The
// registry is validated at construction so an unhandled method is a wiring
// error, not a runtime surprise.
type Orchestrator struct {
	handlers map[Method]GatewayHandler
	repo     *Repository
	sponsors SponsorValidator
	advancer LifecycleAdvancer
	logger   *logging.Logger
}

// NewOrchestrator wires the strategy table. Every method except CORPORATE
// (handled internally) must have a handler registered.
func NewOrchestrator(handlers map[Method]GatewayHandler, repo *Repository, sponsors SponsorValidator, advancer LifecycleAdvancer, logger *logging.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Default()
	}
	for method := range methodProviders {
		if method == MethodCorporate {
			continue
		}
		if handlers[method] == nil {
			return nil, fmt.Errorf("payments: no handler registered for method %s", method)
		}
	}
	for method := range handlers {
		if _, known := methodProviders[method]; !known {
			return nil, fmt.Errorf("payments: handler registered for unknown method %s", method)
		}
	}
	return &Orchestrator{
		handlers: handlers,
		repo:     repo,
		sponsors: sponsors,
		advancer: advancer,
		logger:   logger,
	}, nil
}

// CreatePayment creates one payment record per consultation (sharing one
// gateway transaction), dispatches the configured strategy and returns the
// client launch parameters. Deferred corporate payments skip the gateway and
// settle immediately at zero amount.
func (o *Orchestrator) CreatePayment(ctx context.Context, req CreateRequest, method Method, typ Type) (*GatewayResult, error) {
	provider, known := methodProviders[method]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	if method == MethodCorporate {
		return o.createDeferred(ctx, req, typ)
	}

	handler := o.handlers[method]
	if handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	result, err := handler(ctx, req)
	if err != nil {
		return nil, err
	}

	records := buildRecords(req, provider, method, typ, result.GatewayPaymentID, StatusCreated, req.AmountCents)
	if err := o.repo.CreateRecords(ctx, records); err != nil {
		return nil, err
	}
	o.logger.Info("payment created",
		"gateway_payment_id", result.GatewayPaymentID,
		"method", method, "type", typ, "records", len(records))
	return result, nil
}

func (o *Orchestrator) createDeferred(ctx context.Context, req CreateRequest, typ Type) (*GatewayResult, error) {
	if req.SponsorCode == "" {
		return nil, ErrSponsorCodeRequired
	}
	valid, err := o.sponsors.Valid(ctx, req.SponsorCode)
	if err != nil {
		return nil, fmt.Errorf("payments: sponsor check: %w", err)
	}
	if !valid {
		return nil, ErrSponsorCodeRequired
	}

	gatewayID := "corp_" + uuid.NewString()
	records := buildRecords(req, ProviderCorporate, MethodCorporate, typ, gatewayID, StatusSuccess, 0)
	if err := o.repo.CreateRecords(ctx, records); err != nil {
		return nil, err
	}

	if typ == TypePrepayment && o.advancer != nil {
		if err := o.advancer.AdvanceOnPaymentSuccess(ctx, req.ConsultationIDs); err != nil {
			return nil, fmt.Errorf("payments: deferred advance: %w", err)
		}
	}
	o.logger.Info("deferred payment settled", "gateway_payment_id", gatewayID, "sponsor_code", req.SponsorCode)
	return &GatewayResult{
		GatewayPaymentID: gatewayID,
		Launch:           LaunchParams{Provider: ProviderCorporate},
	}, nil
}

func buildRecords(req CreateRequest, provider Provider, method Method, typ Type, gatewayID string, status Status, amountCents int64) []*Record {
	records := make([]*Record, 0, len(req.ConsultationIDs))
	for _, consultationID := range req.ConsultationIDs {
		records = append(records, &Record{
			ID:               uuid.New(),
			GatewayPaymentID: gatewayID,
			ConsultationID:   consultationID,
			AccountID:        req.AccountID,
			Provider:         provider,
			Method:           method,
			Type:             typ,
			AmountCents:      amountCents,
			Status:           status,
		})
	}
	return records
}

// CorporateCodeStore validates sponsor codes against the corporate_codes table.
type CorporateCodeStore struct {
	db querier
}

// NewCorporateCodeStore creates a sponsor code validator.
func NewCorporateCodeStore(db querier) *CorporateCodeStore {
	if db == nil {
		panic("payments: db required")
	}
	return &CorporateCodeStore{db: db}
}

// Valid reports whether the code exists and has not expired.
func (s *CorporateCodeStore) Valid(ctx context.Context, code string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM corporate_codes
		 WHERE code = $1 AND (expires_at IS NULL OR expires_at > now())`,
		code).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("payments: sponsor lookup: %w", err)
	}
	return true, nil
}
