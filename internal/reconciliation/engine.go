package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quickclinic/booking-platform/internal/observability/metrics"
	"github.com/quickclinic/booking-platform/internal/payments"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

var tracer = otel.Tracer("quickclinic.internal.reconciliation")

// Fee is the settlement cost of one provider/method combination:
// a flat per-transaction charge plus a percentage in basis points.
type Fee struct {
	FlatCents    int64 `json:"flat_cents"`
	PercentBasis int64 `json:"percent_basis"`
}

// FeeSchedule maps "provider/method" keys to fees.
type FeeSchedule map[string]Fee

// defaultFees reflect current gateway contracts; overridable via config.
var defaultFees = FeeSchedule{
	"stripe/CARD":          {FlatCents: 50, PercentBasis: 340},
	"stripe/BANK_TRANSFER": {FlatCents: 0, PercentBasis: 130},
	"cardtoken/SAVED_CARD": {FlatCents: 30, PercentBasis: 300},
	"corporate/CORPORATE":  {FlatCents: 0, PercentBasis: 0},
}

// LoadFeeSchedule merges JSON overrides over the default schedule. An empty
// string keeps the defaults.
func LoadFeeSchedule(overridesJSON string) (FeeSchedule, error) {
	schedule := make(FeeSchedule, len(defaultFees))
	for k, v := range defaultFees {
		schedule[k] = v
	}
	if overridesJSON == "" {
		return schedule, nil
	}
	var overrides FeeSchedule
	if err := json.Unmarshal([]byte(overridesJSON), &overrides); err != nil {
		return nil, fmt.Errorf("reconciliation: parse fee schedule: %w", err)
	}
	for k, v := range overrides {
		schedule[k] = v
	}
	return schedule, nil
}

// FeeFor computes the fee on a gross amount for a provider/method pair.
// Unknown pairs cost nothing rather than blocking settlement.
func (s FeeSchedule) FeeFor(provider payments.Provider, method payments.Method, grossCents int64) int64 {
	fee, ok := s[string(provider)+"/"+string(method)]
	if !ok {
		return 0
	}
	return fee.FlatCents + grossCents*fee.PercentBasis/10000
}

// ledger is the slice of the payments repository the engine scans.
type ledger interface {
	ListSucceededInWindow(ctx context.Context, from, to time.Time) ([]*payments.Record, error)
}

// rowStore persists settlement rows and the window cursor.
type rowStore interface {
	InsertRows(ctx context.Context, rows []Row) error
	WindowCursor(ctx context.Context) (time.Time, error)
	SaveWindowCursor(ctx context.Context, to time.Time) error
}

// Engine materializes immutable settlement rows from successful payments.
type Engine struct {
	ledger  ledger
	store   rowStore
	fees    FeeSchedule
	metrics *metrics.ReconciliationMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewEngine wires the reconciliation engine.
func NewEngine(ledger ledger, store rowStore, fees FeeSchedule, m *metrics.ReconciliationMetrics, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if fees == nil {
		fees = defaultFees
	}
	return &Engine{
		ledger:  ledger,
		store:   store,
		fees:    fees,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the window clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Run settles one window: [cursor, now). The cursor advances only after
// every row for the window is durably written, so a failed run re-settles
// the same window and the insert's conflict handling keeps rows immutable.
func (e *Engine) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "reconciliation.run")
	defer span.End()

	from, err := e.store.WindowCursor(ctx)
	if err != nil {
		e.metrics.ObserveRun("error")
		return err
	}
	to := e.now()
	span.SetAttributes(attribute.String("window.from", from.Format(time.RFC3339)))

	records, err := e.ledger.ListSucceededInWindow(ctx, from, to)
	if err != nil {
		e.metrics.ObserveRun("error")
		return err
	}

	rows := e.settle(records, from, to)
	if len(rows) > 0 {
		if err := e.store.InsertRows(ctx, rows); err != nil {
			e.metrics.ObserveRun("error")
			return err
		}
	}
	if err := e.store.SaveWindowCursor(ctx, to); err != nil {
		e.metrics.ObserveRun("error")
		return err
	}

	e.metrics.ObserveRows(len(rows))
	e.metrics.ObserveRun("ok")
	if len(rows) > 0 {
		e.logger.Info("settlement window materialized",
			"rows", len(rows), "from", from, "to", to)
	}
	return nil
}

// settle groups records by gateway payment id and computes one net-of-fee
// row per group. Grouped consultations charged in one gateway transaction
// settle as a single row.
func (e *Engine) settle(records []*payments.Record, from, to time.Time) []Row {
	type bucket struct {
		provider payments.Provider
		method   payments.Method
		gross    int64
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, rec := range records {
		b, ok := buckets[rec.GatewayPaymentID]
		if !ok {
			b = &bucket{provider: rec.Provider, method: rec.Method}
			buckets[rec.GatewayPaymentID] = b
			order = append(order, rec.GatewayPaymentID)
		}
		b.gross += rec.AmountCents
	}
	sort.Strings(order)

	rows := make([]Row, 0, len(order))
	for _, gatewayID := range order {
		b := buckets[gatewayID]
		fee := e.fees.FeeFor(b.provider, b.method, b.gross)
		if fee > b.gross {
			fee = b.gross
		}
		rows = append(rows, Row{
			GatewayPaymentID: gatewayID,
			Provider:         b.provider,
			Method:           b.method,
			GrossCents:       b.gross,
			FeeCents:         fee,
			NetCents:         b.gross - fee,
			WindowStart:      from,
			WindowEnd:        to,
		})
	}
	return rows
}
