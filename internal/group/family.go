package group

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FamilyLink relates an account to a dependent it may book for.
type FamilyLink struct {
	OwnerID  uuid.UUID `json:"owner_id"`
	MemberID uuid.UUID `json:"member_id"`
	Relation string    `json:"relation"`
}

// FamilyStore persists family links.
type FamilyStore struct {
	db querier
}

// NewFamilyStore creates a family-link store.
func NewFamilyStore(db querier) *FamilyStore {
	if db == nil {
		panic("group: db required")
	}
	return &FamilyStore{db: db}
}

// Link records that owner may book for member.
func (s *FamilyStore) Link(ctx context.Context, link FamilyLink) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO family_links (owner_id, member_id, relation, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner_id, member_id) DO UPDATE SET relation = $3`,
		link.OwnerID, link.MemberID, link.Relation)
	if err != nil {
		return fmt.Errorf("group: link family member: %w", err)
	}
	return nil
}

// Unlink removes a family link.
func (s *FamilyStore) Unlink(ctx context.Context, ownerID, memberID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM family_links WHERE owner_id = $1 AND member_id = $2`,
		ownerID, memberID)
	if err != nil {
		return fmt.Errorf("group: unlink family member: %w", err)
	}
	return nil
}

// ListMembers returns the dependents linked to an owner.
func (s *FamilyStore) ListMembers(ctx context.Context, ownerID uuid.UUID) ([]FamilyLink, error) {
	rows, err := s.db.Query(ctx, `
		SELECT owner_id, member_id, relation FROM family_links
		WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("group: list family members: %w", err)
	}
	defer rows.Close()

	var out []FamilyLink
	for rows.Next() {
		var link FamilyLink
		if err := rows.Scan(&link.OwnerID, &link.MemberID, &link.Relation); err != nil {
			return nil, fmt.Errorf("group: scan family link: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// CanBookFor reports whether booker may create a consultation for account.
// Booking for yourself is always allowed.
func (s *FamilyStore) CanBookFor(ctx context.Context, bookerID, accountID uuid.UUID) (bool, error) {
	if bookerID == accountID {
		return true, nil
	}
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM family_links WHERE owner_id = $1 AND member_id = $2)`,
		bookerID, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("group: check family link: %w", err)
	}
	return exists, nil
}
