package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

// recordStore is the repository surface webhook processing needs.
type recordStore interface {
	ApplyOutcome(ctx context.Context, gatewayPaymentID string, status Status) ([]*Record, error)
	ListByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) ([]*Record, error)
}

// tokenActivator stores tokens delivered by tokenization outcomes.
type tokenActivator interface {
	Activate(ctx context.Context, accountID uuid.UUID, token string) error
}

// WebhookService applies terminal gateway outcomes to the payment ledger and
// drives the consultation lifecycle. ApplyWebhookResult is safe to call any
// number of times with the same payload: only records still in CREATED are
// mutated, so a redelivery finds nothing to touch and returns success.
type WebhookService struct {
	store    recordStore
	advancer LifecycleAdvancer
	tokens   tokenActivator
	logger   *logging.Logger
}

// NewWebhookService wires webhook outcome processing.
func NewWebhookService(store recordStore, advancer LifecycleAdvancer, tokens tokenActivator, logger *logging.Logger) *WebhookService {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookService{
		store:    store,
		advancer: advancer,
		tokens:   tokens,
		logger:   logger,
	}
}

// ApplyWebhookResult locates every payment record sharing the gateway
// transaction and applies the outcome to those still pending.
func (s *WebhookService) ApplyWebhookResult(ctx context.Context, gatewayPaymentID string, outcome Outcome) error {
	touched, err := s.store.ApplyOutcome(ctx, gatewayPaymentID, outcome.Status)
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		existing, err := s.store.ListByGatewayPaymentID(ctx, gatewayPaymentID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: gateway payment %s", ErrNotFound, gatewayPaymentID)
		}
		// Redelivery: every record already terminal.
		s.logger.Info("duplicate webhook delivery ignored",
			"gateway_payment_id", gatewayPaymentID, "event_id", outcome.EventID)
		return nil
	}

	if outcome.Status != StatusSuccess {
		s.logger.Info("payment closed without settlement",
			"gateway_payment_id", gatewayPaymentID, "status", outcome.Status, "records", len(touched))
		return nil
	}

	var prepaymentIDs []uuid.UUID
	for _, rec := range touched {
		switch rec.Type {
		case TypePrepayment:
			prepaymentIDs = append(prepaymentIDs, rec.ConsultationID)
		case TypePostpayment:
			if err := s.advancer.SettleOutstanding(ctx, rec.ConsultationID); err != nil {
				return fmt.Errorf("payments: settle outstanding: %w", err)
			}
		case TypeTokenization:
			if s.tokens != nil && outcome.CardToken != "" {
				if err := s.tokens.Activate(ctx, rec.AccountID, outcome.CardToken); err != nil {
					return fmt.Errorf("payments: activate token: %w", err)
				}
			}
		case TypeAppointment:
			s.logger.Info("appointment payment settled",
				"gateway_payment_id", gatewayPaymentID, "consultation_id", rec.ConsultationID)
		}
	}
	if len(prepaymentIDs) > 0 {
		if err := s.advancer.AdvanceOnPaymentSuccess(ctx, prepaymentIDs); err != nil {
			return fmt.Errorf("payments: advance on success: %w", err)
		}
	}
	return nil
}
