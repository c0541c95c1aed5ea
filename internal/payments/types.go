package payments

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quickclinic/booking-platform/internal/consultation"
)

// Provider identifies the gateway a charge runs through.
type Provider string

const (
	ProviderStripe    Provider = "stripe"
	ProviderCardToken Provider = "cardtoken"
	ProviderCorporate Provider = "corporate"
)

// Method is the patient-facing payment method selecting the gateway strategy.
type Method string

const (
	MethodCard         Method = "CARD"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodSavedCard    Method = "SAVED_CARD"
	MethodCorporate    Method = "CORPORATE"
)

// Type classifies what the charge is for.
type Type string

const (
	TypePrepayment   Type = "PREPAYMENT"
	TypePostpayment  Type = "POSTPAYMENT"
	TypeAppointment  Type = "APPOINTMENT"
	TypeTokenization Type = "TOKENIZATION"
)

// Status of a charge attempt. Transitions are monotonic: CREATED moves to
// exactly one terminal status and never changes afterward.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
	StatusExpired  Status = "EXPIRED"
)

// Record is one charge attempt. Several records may share one
// GatewayPaymentID when a grouped booking is charged in a single gateway
// transaction.
type Record struct {
	ID               uuid.UUID
	GatewayPaymentID string
	ConsultationID   uuid.UUID
	AccountID        uuid.UUID
	Provider         Provider
	Method           Method
	Type             Type
	AmountCents      int64
	Status           Status
	Breakdown        []consultation.BreakdownItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LaunchParams are handed to the client to open the provider's payment UI.
type LaunchParams struct {
	Provider     Provider          `json:"provider"`
	ClientSecret string            `json:"client_secret,omitempty"`
	RedirectURL  string            `json:"redirect_url,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Outcome is a terminal gateway result delivered by webhook or callback.
type Outcome struct {
	Status    Status
	EventID   string
	CardToken string // set for tokenization outcomes
}

var (
	// ErrUnsupportedMethod is returned for a method with no registered strategy.
	ErrUnsupportedMethod = errors.New("payments: unsupported method")
	// ErrTokenNotFound is returned when a saved-card charge has no active token.
	ErrTokenNotFound = errors.New("payments: no active card token")
	// ErrSponsorCodeRequired gates the deferred corporate method.
	ErrSponsorCodeRequired = errors.New("payments: valid sponsor code required")
	// ErrNotFound indicates no payment records match.
	ErrNotFound = errors.New("payments: not found")
)

// TransientGatewayError marks a retryable gateway failure (network or 5xx).
type TransientGatewayError struct{ Err error }

func (e *TransientGatewayError) Error() string { return "payments: transient gateway error: " + e.Err.Error() }
func (e *TransientGatewayError) Unwrap() error { return e.Err }

// PermanentGatewayError marks a business rejection (4xx); never retried.
type PermanentGatewayError struct{ Err error }

func (e *PermanentGatewayError) Error() string { return "payments: gateway rejected: " + e.Err.Error() }
func (e *PermanentGatewayError) Unwrap() error { return e.Err }
