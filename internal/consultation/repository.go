package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgxpool.Pool the repository needs. pgxmock
// satisfies it in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository persists consultation records.
type Repository struct {
	db querier
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("consultation: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting a mocked pool for tests.
func NewRepositoryWithDB(db querier) *Repository {
	return &Repository{db: db}
}

const recordColumns = `
	id, visit_type, account_id, created_by, group_id, group_index,
	branch_id, address, corporate_code, status, additional_status,
	total_cents, balance_cents, breakdown,
	emr_patient_id, emr_visit_id, emr_queue_number,
	doctor_id, notified_at, documents_visible,
	checkin_time, checkout_time, visit_started_at, visit_joined_at, visit_ended_at,
	created_at, updated_at`

// CreateGroup inserts all records of a booking in one transaction, enforcing
// the one-active-consultation-per-account invariant for every member before
// any row is written.
func (r *Repository) CreateGroup(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return errors.New("consultation: empty group")
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("consultation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		var count int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM consultations WHERE account_id = $1 AND status = ANY($2)`,
			rec.AccountID, statusStrings(activeStatuses),
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("consultation: active check: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: account %s", ErrActiveExists, rec.AccountID)
		}
	}

	for _, rec := range records {
		breakdown, err := json.Marshal(rec.Breakdown)
		if err != nil {
			return fmt.Errorf("consultation: marshal breakdown: %w", err)
		}
		now := time.Now().UTC()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			INSERT INTO consultations (
				id, visit_type, account_id, created_by, group_id, group_index,
				branch_id, address, corporate_code, status, additional_status,
				total_cents, balance_cents, breakdown, emr_patient_id,
				documents_visible, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			rec.ID, string(rec.VisitType), rec.AccountID, rec.CreatedBy, rec.GroupID, rec.GroupIndex,
			rec.BranchID, rec.Address, nullIfEmpty(rec.CorporateCode), string(rec.Status), rec.AdditionalStatus,
			rec.TotalCents, rec.BalanceCents, breakdown, rec.EMRPatientID,
			rec.DocumentsVisible, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("consultation: insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("consultation: commit: %w", err)
	}
	return nil
}

// GetByID loads a single record.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM consultations WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consultation: load by id: %w", err)
	}
	return rec, nil
}

// GetByEMRVisitID resolves the mirror record for an EMR visit.
func (r *Repository) GetByEMRVisitID(ctx context.Context, visitID string) (*Record, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM consultations WHERE emr_visit_id = $1`, visitID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consultation: load by emr visit: %w", err)
	}
	return rec, nil
}

// ListByGroup returns all members of a group ordered by their position.
func (r *Repository) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM consultations
		 WHERE group_id = $1 ORDER BY group_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("consultation: list group: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListByStatusBefore returns records in any of the given states created
// before the cutoff. Used by the nightly sweep.
func (r *Repository) ListByStatusBefore(ctx context.Context, statuses []Status, cutoff time.Time) ([]*Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM consultations
		 WHERE status = ANY($1) AND created_at < $2`,
		statusStrings(statuses), cutoff)
	if err != nil {
		return nil, fmt.Errorf("consultation: list by status: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Save writes every mutable field of the record back. The lifecycle service is
// the only caller and has already validated the transition.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return fmt.Errorf("consultation: marshal breakdown: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	ct, err := r.db.Exec(ctx, `
		UPDATE consultations SET
			status = $2, additional_status = $3,
			total_cents = $4, balance_cents = $5, breakdown = $6,
			emr_patient_id = $7, emr_visit_id = $8, emr_queue_number = $9,
			doctor_id = $10, notified_at = $11, documents_visible = $12,
			checkin_time = $13, checkout_time = $14,
			visit_started_at = $15, visit_joined_at = $16, visit_ended_at = $17,
			updated_at = $18
		WHERE id = $1`,
		rec.ID, string(rec.Status), rec.AdditionalStatus,
		rec.TotalCents, rec.BalanceCents, breakdown,
		rec.EMRPatientID, rec.EMRVisitID, rec.EMRQueueNumber,
		rec.DoctorID, rec.NotifiedAt, rec.DocumentsVisible,
		rec.CheckinTime, rec.CheckoutTime,
		rec.VisitStartedAt, rec.VisitJoinedAt, rec.VisitEndedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("consultation: save: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NextGroupIndex returns the ordinal for a new member joining the group.
func (r *Repository) NextGroupIndex(ctx context.Context, groupID uuid.UUID) (int, error) {
	var max int
	err := r.db.QueryRow(ctx,
		`SELECT coalesce(max(group_index), -1) FROM consultations WHERE group_id = $1`,
		groupID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("consultation: next group index: %w", err)
	}
	return max + 1, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("consultation: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec       Record
		visitType string
		status    string
		breakdown []byte
		corporate *string
	)
	err := row.Scan(
		&rec.ID, &visitType, &rec.AccountID, &rec.CreatedBy, &rec.GroupID, &rec.GroupIndex,
		&rec.BranchID, &rec.Address, &corporate, &status, &rec.AdditionalStatus,
		&rec.TotalCents, &rec.BalanceCents, &breakdown,
		&rec.EMRPatientID, &rec.EMRVisitID, &rec.EMRQueueNumber,
		&rec.DoctorID, &rec.NotifiedAt, &rec.DocumentsVisible,
		&rec.CheckinTime, &rec.CheckoutTime, &rec.VisitStartedAt, &rec.VisitJoinedAt, &rec.VisitEndedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.VisitType = VisitType(visitType)
	rec.Status = Status(status)
	if corporate != nil {
		rec.CorporateCode = *corporate
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &rec.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	return &rec, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
