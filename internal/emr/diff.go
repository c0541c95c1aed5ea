package emr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FieldDiff is one divergent patient-profile field staged for review.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// ProfileDiff is the typed, self-describing set of divergent fields.
type ProfileDiff []FieldDiff

// CompareProfiles produces the field-by-field divergence between the local
// mirror and the EMR source. Empty remote fields are not treated as
// divergence.
func CompareProfiles(local, remote PatientProfile) ProfileDiff {
	var diff ProfileDiff
	add := func(field, l, r string) {
		if r != "" && l != r {
			diff = append(diff, FieldDiff{Field: field, Local: l, Remote: r})
		}
	}
	add("full_name", local.FullName, remote.FullName)
	add("phone", local.Phone, remote.Phone)
	add("email", local.Email, remote.Email)
	add("date_of_birth", local.DateOfBirth, remote.DateOfBirth)
	add("address", local.Address, remote.Address)
	return diff
}

// Apply returns a copy of the profile with the named diff fields overwritten
// by their remote values.
func (d ProfileDiff) Apply(p PatientProfile) PatientProfile {
	for _, f := range d {
		switch f.Field {
		case "full_name":
			p.FullName = f.Remote
		case "phone":
			p.Phone = f.Remote
		case "email":
			p.Email = f.Remote
		case "date_of_birth":
			p.DateOfBirth = f.Remote
		case "address":
			p.Address = f.Remote
		}
	}
	return p
}

// MirrorStore persists the local patient-profile mirror and its staged diffs.
type MirrorStore struct {
	db querier
}

// NewMirrorStore creates the mirror store.
func NewMirrorStore(db querier) *MirrorStore {
	if db == nil {
		panic("emr: db required")
	}
	return &MirrorStore{db: db}
}

// Get loads a mirrored profile with any staged diff.
func (s *MirrorStore) Get(ctx context.Context, emrPatientID string) (PatientProfile, ProfileDiff, error) {
	var (
		profile PatientProfile
		rawDiff []byte
	)
	profile.EMRPatientID = emrPatientID
	err := s.db.QueryRow(ctx, `
		SELECT full_name, phone, email, date_of_birth, address, last_modified, pending_diff
		FROM patient_mirror WHERE emr_patient_id = $1`,
		emrPatientID).Scan(
		&profile.FullName, &profile.Phone, &profile.Email,
		&profile.DateOfBirth, &profile.Address, &profile.LastModified, &rawDiff)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile, nil, ErrNotFound
	}
	if err != nil {
		return profile, nil, fmt.Errorf("emr: load mirror: %w", err)
	}
	var diff ProfileDiff
	if len(rawDiff) > 0 {
		if err := json.Unmarshal(rawDiff, &diff); err != nil {
			return profile, nil, fmt.Errorf("emr: decode pending diff: %w", err)
		}
	}
	return profile, diff, nil
}

// Insert creates a fresh mirror row.
func (s *MirrorStore) Insert(ctx context.Context, p PatientProfile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO patient_mirror (emr_patient_id, full_name, phone, email, date_of_birth, address, last_modified, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())`,
		p.EMRPatientID, p.FullName, p.Phone, p.Email, p.DateOfBirth, p.Address, p.LastModified)
	if err != nil {
		return fmt.Errorf("emr: insert mirror: %w", err)
	}
	return nil
}

// Update overwrites the mirrored fields and clears any staged diff.
func (s *MirrorStore) Update(ctx context.Context, p PatientProfile) error {
	_, err := s.db.Exec(ctx, `
		UPDATE patient_mirror SET
			full_name = $2, phone = $3, email = $4, date_of_birth = $5,
			address = $6, last_modified = $7, pending_diff = NULL, updated_at = now()
		WHERE emr_patient_id = $1`,
		p.EMRPatientID, p.FullName, p.Phone, p.Email, p.DateOfBirth, p.Address, p.LastModified)
	if err != nil {
		return fmt.Errorf("emr: update mirror: %w", err)
	}
	return nil
}

// StageDiff persists a divergence for operator resolution without touching
// the mirrored fields.
func (s *MirrorStore) StageDiff(ctx context.Context, emrPatientID string, diff ProfileDiff, remoteModified time.Time) error {
	raw, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("emr: marshal diff: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE patient_mirror SET pending_diff = $2, updated_at = now()
		WHERE emr_patient_id = $1`,
		emrPatientID, raw)
	if err != nil {
		return fmt.Errorf("emr: stage diff: %w", err)
	}
	return nil
}

// ListStaged returns every mirror row with a pending diff.
func (s *MirrorStore) ListStaged(ctx context.Context) (map[string]ProfileDiff, error) {
	rows, err := s.db.Query(ctx,
		`SELECT emr_patient_id, pending_diff FROM patient_mirror WHERE pending_diff IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("emr: list staged: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ProfileDiff)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("emr: scan staged: %w", err)
		}
		var diff ProfileDiff
		if err := json.Unmarshal(raw, &diff); err != nil {
			return nil, fmt.Errorf("emr: decode staged: %w", err)
		}
		out[id] = diff
	}
	return out, rows.Err()
}

// profilePusher writes locally-kept values back to the EMR.
type profilePusher interface {
	PushPatientProfile(ctx context.Context, profile PatientProfile) error
}

// ConflictResolver is the operator-facing resolution of staged diffs.
type ConflictResolver struct {
	mirror *MirrorStore
	client profilePusher
}

// NewConflictResolver wires diff resolution.
func NewConflictResolver(mirror *MirrorStore, client profilePusher) *ConflictResolver {
	return &ConflictResolver{mirror: mirror, client: client}
}

// AcceptRemote applies the EMR values locally and clears the staged diff.
func (r *ConflictResolver) AcceptRemote(ctx context.Context, emrPatientID string) error {
	profile, diff, err := r.mirror.Get(ctx, emrPatientID)
	if err != nil {
		return err
	}
	if len(diff) == 0 {
		return fmt.Errorf("emr: no staged diff for %s", emrPatientID)
	}
	return r.mirror.Update(ctx, diff.Apply(profile))
}

// KeepLocal pushes the local values back to the EMR and clears the staged
// diff.
func (r *ConflictResolver) KeepLocal(ctx context.Context, emrPatientID string) error {
	profile, diff, err := r.mirror.Get(ctx, emrPatientID)
	if err != nil {
		return err
	}
	if len(diff) == 0 {
		return fmt.Errorf("emr: no staged diff for %s", emrPatientID)
	}
	if err := r.client.PushPatientProfile(ctx, profile); err != nil {
		return err
	}
	return r.mirror.Update(ctx, profile)
}
