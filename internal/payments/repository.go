package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists payment records and their lifecycle transitions.
type Repository struct {
	db querier
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting a mocked pool for tests.
func NewRepositoryWithDB(db querier) *Repository {
	return &Repository{db: db}
}

const recordColumns = `
	id, gateway_payment_id, consultation_id, account_id,
	provider, method, type, amount_cents, status, breakdown,
	created_at, updated_at`

// CreateRecords inserts one record per consultation, all sharing the gateway
// payment id.
func (r *Repository) CreateRecords(ctx context.Context, records []*Record) error {
	for _, rec := range records {
		breakdown, err := json.Marshal(rec.Breakdown)
		if err != nil {
			return fmt.Errorf("payments: marshal breakdown: %w", err)
		}
		now := time.Now().UTC()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		_, err = r.db.Exec(ctx, `
			INSERT INTO payments (
				id, gateway_payment_id, consultation_id, account_id,
				provider, method, type, amount_cents, status, breakdown,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			rec.ID, rec.GatewayPaymentID, rec.ConsultationID, rec.AccountID,
			string(rec.Provider), string(rec.Method), string(rec.Type),
			rec.AmountCents, string(rec.Status), breakdown,
			rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("payments: insert record: %w", err)
		}
	}
	return nil
}

// ListByGatewayPaymentID returns every record sharing a gateway transaction.
func (r *Repository) ListByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) ([]*Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM payments WHERE gateway_payment_id = $1`,
		gatewayPaymentID)
	if err != nil {
		return nil, fmt.Errorf("payments: list by gateway id: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ApplyOutcome atomically moves every still-CREATED record of a gateway
// transaction to the terminal status and returns the records it touched.
// Records already terminal are untouched, which makes webhook redelivery a
// no-op.
func (r *Repository) ApplyOutcome(ctx context.Context, gatewayPaymentID string, status Status) ([]*Record, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE payments
		SET status = $2, updated_at = now()
		WHERE gateway_payment_id = $1 AND status = $3
		RETURNING `+recordColumns,
		gatewayPaymentID, string(status), string(StatusCreated))
	if err != nil {
		return nil, fmt.Errorf("payments: apply outcome: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// SucceededTotalCents sums settled amounts for one consultation.
func (r *Repository) SucceededTotalCents(ctx context.Context, consultationID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT coalesce(sum(amount_cents), 0) FROM payments
		 WHERE consultation_id = $1 AND status = $2`,
		consultationID, string(StatusSuccess)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("payments: succeeded total: %w", err)
	}
	return total, nil
}

// ListSucceededInWindow returns settled records whose terminal update falls in
// [from, to). The reconciliation engine drives this.
func (r *Repository) ListSucceededInWindow(ctx context.Context, from, to time.Time) ([]*Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM payments
		 WHERE status = $1 AND updated_at >= $2 AND updated_at < $3
		 ORDER BY updated_at`,
		string(StatusSuccess), from, to)
	if err != nil {
		return nil, fmt.Errorf("payments: list window: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ExpireStaleCreated expires CREATED records older than the cutoff and returns
// how many were swept.
func (r *Repository) ExpireStaleCreated(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE payments SET status = $1, updated_at = now()
		WHERE status = $2 AND created_at < $3`,
		string(StatusExpired), string(StatusCreated), cutoff)
	if err != nil {
		return 0, fmt.Errorf("payments: expire stale: %w", err)
	}
	return ct.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var (
			rec       Record
			provider  string
			method    string
			typ       string
			status    string
			breakdown []byte
		)
		err := rows.Scan(
			&rec.ID, &rec.GatewayPaymentID, &rec.ConsultationID, &rec.AccountID,
			&provider, &method, &typ, &rec.AmountCents, &status, &breakdown,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("payments: scan: %w", err)
		}
		rec.Provider = Provider(provider)
		rec.Method = Method(method)
		rec.Type = Type(typ)
		rec.Status = Status(status)
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &rec.Breakdown); err != nil {
				return nil, fmt.Errorf("payments: decode breakdown: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
