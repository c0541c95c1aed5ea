package emr

import (
	"testing"
	"time"
)

func TestCompareProfiles(t *testing.T) {
	local := PatientProfile{
		EMRPatientID: "pat_1",
		FullName:     "Tan Wei Ming",
		Phone:        "+6591234567",
		Email:        "weiming@example.com",
		Address:      "Blk 123 Bedok North",
	}

	t.Run("identical profiles produce no diff", func(t *testing.T) {
		if diff := CompareProfiles(local, local); len(diff) != 0 {
			t.Errorf("diff = %v, want empty", diff)
		}
	})

	t.Run("changed fields are listed", func(t *testing.T) {
		remote := local
		remote.Phone = "+6598765432"
		remote.Address = "Blk 456 Tampines"

		diff := CompareProfiles(local, remote)
		if len(diff) != 2 {
			t.Fatalf("diff = %v, want 2 fields", diff)
		}
		if diff[0].Field != "phone" || diff[0].Remote != "+6598765432" {
			t.Errorf("first diff = %+v", diff[0])
		}
	})

	t.Run("empty remote fields are not divergence", func(t *testing.T) {
		remote := local
		remote.Email = ""
		if diff := CompareProfiles(local, remote); len(diff) != 0 {
			t.Errorf("diff = %v, blank remote email should not diverge", diff)
		}
	})
}

func TestProfileDiffApply(t *testing.T) {
	local := PatientProfile{
		EMRPatientID: "pat_1",
		FullName:     "Tan Wei Ming",
		Phone:        "+6591234567",
		LastModified: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	diff := ProfileDiff{
		{Field: "phone", Local: "+6591234567", Remote: "+6598765432"},
	}

	applied := diff.Apply(local)
	if applied.Phone != "+6598765432" {
		t.Errorf("phone = %s", applied.Phone)
	}
	if applied.FullName != local.FullName {
		t.Errorf("untouched field changed: %s", applied.FullName)
	}
	if local.Phone != "+6591234567" {
		t.Errorf("Apply mutated its input")
	}
}
