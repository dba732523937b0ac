package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// payoutKeyVersion prefixes every derived key so the scheme can evolve
// without colliding with keys already persisted.
const payoutKeyVersion = "pk1"

// DerivePayoutKey maps (run, contributor) to the idempotency key that
// deduplicates every settlement attempt for that pair. It is a pure function
// of its inputs — no clock, no randomness — so a retry, a crash-restart, or
// a second orchestrator instance all derive the same key and the gateway
// sees at most one effective submission.
func DerivePayoutKey(runID, contributorID uuid.UUID) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", runID, contributorID)))
	return payoutKeyVersion + "-" + hex.EncodeToString(sum[:])
}
