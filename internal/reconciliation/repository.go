package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickclinic/booking-platform/internal/payments"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Row is one immutable settlement record: one per gateway payment per window.
type Row struct {
	GatewayPaymentID string            `json:"gateway_payment_id"`
	Provider         payments.Provider `json:"provider"`
	Method           payments.Method   `json:"method"`
	GrossCents       int64             `json:"gross_cents"`
	FeeCents         int64             `json:"fee_cents"`
	NetCents         int64             `json:"net_cents"`
	WindowStart      time.Time         `json:"window_start"`
	WindowEnd        time.Time         `json:"window_end"`
}

// Repository persists settlement rows and the window cursor.
type Repository struct {
	db querier
}

// NewRepository creates a settlement repository backed by a pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// NewRepositoryWithDB creates a repository on any querier (tests).
func NewRepositoryWithDB(db querier) *Repository {
	if db == nil {
		panic("reconciliation: db required")
	}
	return &Repository{db: db}
}

// InsertRows writes settlement rows. Rows are immutable: a re-settled window
// leaves existing rows untouched.
func (r *Repository) InsertRows(ctx context.Context, rows []Row) error {
	for _, row := range rows {
		_, err := r.db.Exec(ctx, `
			INSERT INTO reconciliation_rows
				(gateway_payment_id, provider, method, gross_cents, fee_cents, net_cents, window_start, window_end, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (gateway_payment_id) DO NOTHING`,
			row.GatewayPaymentID, string(row.Provider), string(row.Method),
			row.GrossCents, row.FeeCents, row.NetCents, row.WindowStart, row.WindowEnd)
		if err != nil {
			return fmt.Errorf("reconciliation: insert row %s: %w", row.GatewayPaymentID, err)
		}
	}
	return nil
}

// ListWindow returns the rows materialized for windows ending in [from, to).
func (r *Repository) ListWindow(ctx context.Context, from, to time.Time) ([]Row, error) {
	rows, err := r.db.Query(ctx, `
		SELECT gateway_payment_id, provider, method, gross_cents, fee_cents, net_cents, window_start, window_end
		FROM reconciliation_rows
		WHERE window_end >= $1 AND window_end < $2
		ORDER BY window_end, gateway_payment_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: list rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var provider, method string
		if err := rows.Scan(&row.GatewayPaymentID, &provider, &method,
			&row.GrossCents, &row.FeeCents, &row.NetCents, &row.WindowStart, &row.WindowEnd); err != nil {
			return nil, fmt.Errorf("reconciliation: scan row: %w", err)
		}
		row.Provider = payments.Provider(provider)
		row.Method = payments.Method(method)
		out = append(out, row)
	}
	return out, rows.Err()
}

// WindowCursor returns the end of the last fully settled window, or the zero
// time before the first run.
func (r *Repository) WindowCursor(ctx context.Context) (time.Time, error) {
	var cursor time.Time
	err := r.db.QueryRow(ctx,
		`SELECT window_end FROM reconciliation_cursor WHERE id = true`).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reconciliation: load cursor: %w", err)
	}
	return cursor, nil
}

// SaveWindowCursor advances the window cursor.
func (r *Repository) SaveWindowCursor(ctx context.Context, to time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reconciliation_cursor (id, window_end) VALUES (true, $1)
		ON CONFLICT (id) DO UPDATE SET window_end = $1`, to)
	if err != nil {
		return fmt.Errorf("reconciliation: save cursor: %w", err)
	}
	return nil
}
