package emr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Cursor is the per-resource incremental-pull bookmark. LastModified only
// advances after a full un-paginated pass; a partially consumed multi-page
// pull keeps LastModified and records the page to resume from.
type Cursor struct {
	ResourceKey  string
	LastModified time.Time
	LastPage     *int
}

// CursorStore persists pull cursors.
type CursorStore struct {
	db querier
}

// NewCursorStore creates a cursor store.
func NewCursorStore(db querier) *CursorStore {
	if db == nil {
		panic("emr: db required")
	}
	return &CursorStore{db: db}
}

// Get loads the cursor for a resource, returning a zero cursor when none
// exists yet.
func (s *CursorStore) Get(ctx context.Context, resourceKey string) (Cursor, error) {
	cur := Cursor{ResourceKey: resourceKey}
	err := s.db.QueryRow(ctx,
		`SELECT last_modified, last_page FROM emr_sync_cursors WHERE resource_key = $1`,
		resourceKey).Scan(&cur.LastModified, &cur.LastPage)
	if errors.Is(err, pgx.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("emr: load cursor: %w", err)
	}
	return cur, nil
}

// Save upserts the cursor.
func (s *CursorStore) Save(ctx context.Context, cur Cursor) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO emr_sync_cursors (resource_key, last_modified, last_page, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (resource_key)
		DO UPDATE SET last_modified = $2, last_page = $3, updated_at = now()`,
		cur.ResourceKey, cur.LastModified, cur.LastPage)
	if err != nil {
		return fmt.Errorf("emr: save cursor: %w", err)
	}
	return nil
}
