package app

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDerivePayoutKey_StableAcrossCalls(t *testing.T) {
	runID := uuid.MustParse("0d4f3c8a-8f2e-4b9d-a1c6-2f7e5d9b3a11")
	contributorID := uuid.MustParse("7b1a2c3d-4e5f-6071-8293-a4b5c6d7e8f9")

	first := DerivePayoutKey(runID, contributorID)
	second := DerivePayoutKey(runID, contributorID)
	if first != second {
		t.Fatalf("the same pair must always derive the same key: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "pk1-") {
		t.Fatalf("expected versioned key prefix, got %q", first)
	}
}

func TestDerivePayoutKey_DistinctPerPair(t *testing.T) {
	runA := uuid.New()
	runB := uuid.New()
	contributor := uuid.New()
	other := uuid.New()

	keys := map[string]bool{
		DerivePayoutKey(runA, contributor): true,
		DerivePayoutKey(runB, contributor): true,
		DerivePayoutKey(runA, other):       true,
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 distinct keys, got %d", len(keys))
	}
}
