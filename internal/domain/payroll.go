/**
 * @description
 * This file defines the core domain models for the payroll-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Monetary amounts are stored as `int64` in the smallest unit (USD cents,
 *   or the settlement asset's smallest denomination), which avoids
 *   floating-point inaccuracies with financial data.
 * - Share ratios and prices use shopspring/decimal so distribution math is
 *   exact and reproducible across processes.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DistributionMode selects how a run's budget is split across contributors.
type DistributionMode string

const (
	ModeEqual        DistributionMode = "equal"
	ModeProportional DistributionMode = "pr_count_proportional"
)

// RunStatus is the lifecycle state of a PayrollRun.
type RunStatus string

const (
	RunStatusPreviewReady       RunStatus = "preview_ready"
	RunStatusExecuting          RunStatus = "executing"
	RunStatusCompleted          RunStatus = "completed"
	RunStatusPartiallyCompleted RunStatus = "partially_completed"
	RunStatusFailed             RunStatus = "failed"
)

// Terminal reports whether a run status allows no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartiallyCompleted || s == RunStatusFailed
}

// PayoutStatus is the lifecycle state of a single Payout.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusSubmitted PayoutStatus = "submitted"
	PayoutStatusConfirmed PayoutStatus = "confirmed"
	PayoutStatusFailed    PayoutStatus = "failed"
)

// IneligibilityReason explains why a contributor's share produces no payout.
// It is a reported status, not an error.
type IneligibilityReason string

const (
	ReasonBelowThreshold IneligibilityReason = "below_threshold"
	ReasonUnregistered   IneligibilityReason = "unregistered"
	ReasonSelfPayment    IneligibilityReason = "self_payment"
)

// ArtifactKind distinguishes per-contributor payslips from run-level summaries.
type ArtifactKind string

const (
	ArtifactKindPayslip    ArtifactKind = "payslip"
	ArtifactKindRunSummary ArtifactKind = "run_summary"
)

// PriceSnapshot is the asset price captured once at preview time and reused
// verbatim for the whole run. It is never recomputed mid-run.
type PriceSnapshot struct {
	AssetSymbol string          `json:"asset_symbol"`
	UsdPrice    decimal.Decimal `json:"usd_price"`
	FeedID      string          `json:"feed_id"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// DistributionPolicy is the per-run split configuration. It is a value
// object: supplied when a preview is requested and immutable afterwards.
type DistributionPolicy struct {
	Mode                     DistributionMode `json:"mode"`
	BudgetUsdCents           int64            `json:"budget_usd_cents"`
	MinContributionThreshold int              `json:"min_contribution_threshold"`
	// MaxShareCap is an optional fraction in (0, 1]; zero means no cap.
	MaxShareCap decimal.Decimal `json:"max_share_cap"`
}

// ContributorShare is one contributor's computed slice of a preview. Shares
// are reported for every contributor seen in the period, including
// ineligible ones, so the caller can see exactly who was excluded and why.
type ContributorShare struct {
	Login             string              `json:"login"`
	ContributorID     *uuid.UUID          `json:"contributor_id,omitempty"`
	LedgerAccountID   string              `json:"ledger_account_id,omitempty"`
	ContributionCount int                 `json:"contribution_count"`
	ShareRatio        decimal.Decimal     `json:"share_ratio"`
	UsdCents          int64               `json:"usd_cents"`
	NativeAmount      int64               `json:"native_amount"` // in smallest asset unit
	Eligible          bool                `json:"eligible"`
	Reason            IneligibilityReason `json:"ineligibility_reason,omitempty"`
}

// ContributionDetail is one merged contribution, carried on previews so the
// web layer can show what a share is based on.
type ContributionDetail struct {
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	MergedAt     time.Time `json:"merged_at"`
	ChangedLines int       `json:"changed_lines"`
}

// DistributionPreview is the full, deterministic output of the distribution
// calculation. PreviewHash commits to the eligible shares, the policy and
// the price snapshot; execution later verifies a run against this hash.
type DistributionPreview struct {
	Shares           []ContributorShare              `json:"shares"`
	Contributions    map[string][]ContributionDetail `json:"contributions,omitempty"`
	Policy           DistributionPolicy              `json:"policy"`
	PriceSnapshot    PriceSnapshot                   `json:"price_snapshot"`
	AssetDecimals    int                             `json:"asset_decimals"`
	EligibleCount    int                             `json:"eligible_count"`
	TotalUsdCents    int64                           `json:"total_usd_cents"`
	ResidualUsdCents int64                           `json:"residual_usd_cents"`
	PreviewHash      string                          `json:"preview_hash"`
}

// PayrollRun is one instance of computing and settling a distribution.
// Status transitions only through the execution path; terminal runs are
// immutable.
type PayrollRun struct {
	ID               uuid.UUID          `json:"id" db:"id"`
	RepoOwner        string             `json:"repo_owner" db:"repo_owner"`
	RepoName         string             `json:"repo_name" db:"repo_name"`
	PeriodStart      time.Time          `json:"period_start" db:"period_start"`
	PeriodEnd        time.Time          `json:"period_end" db:"period_end"`
	CreatorLogin     string             `json:"creator_login" db:"creator_login"`
	Policy           DistributionPolicy `json:"policy"`
	PriceSnapshot    PriceSnapshot      `json:"price_snapshot"`
	AssetDecimals    int                `json:"asset_decimals" db:"asset_decimals"`
	Status           RunStatus          `json:"status" db:"status"`
	PreviewHash      string             `json:"preview_hash" db:"preview_hash"`
	ResidualUsdCents int64              `json:"residual_usd_cents" db:"residual_usd_cents"`
	CancelRequested  bool               `json:"cancel_requested" db:"cancel_requested"`
	FailureReason    *string            `json:"failure_reason,omitempty" db:"failure_reason"`
	StartedAt        *time.Time         `json:"started_at,omitempty" db:"started_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// Payout is one contributor's settlement record within a run. The
// idempotency key is unique across all payouts; every retry and re-entrant
// execution must look it up before touching the gateway.
type Payout struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	RunID             uuid.UUID       `json:"run_id" db:"run_id"`
	ContributorID     uuid.UUID       `json:"contributor_id" db:"contributor_id"`
	ContributorLogin  string          `json:"contributor_login" db:"contributor_login"`
	LedgerAccountID   string          `json:"ledger_account_id" db:"ledger_account_id"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	ContributionCount int             `json:"contribution_count" db:"contribution_count"`
	ShareRatio        decimal.Decimal `json:"share_ratio" db:"share_ratio"`
	UsdCents          int64           `json:"usd_cents" db:"usd_cents"` // in USD cents
	NativeAmount      int64           `json:"native_amount" db:"native_amount"`
	Status            PayoutStatus    `json:"status" db:"status"`
	SettlementTxID    *string         `json:"settlement_tx_id,omitempty" db:"settlement_tx_id"`
	ErrorCode         *string         `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage      *string         `json:"error_message,omitempty" db:"error_message"`
	AttemptCount      int             `json:"attempt_count" db:"attempt_count"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Artifact is a write-once pointer to a content-addressed settlement record.
type Artifact struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	RunID         uuid.UUID    `json:"run_id" db:"run_id"`
	ContributorID *uuid.UUID   `json:"contributor_id,omitempty" db:"contributor_id"` // nil for run-level artifacts
	Kind          ArtifactKind `json:"kind" db:"kind"`
	ContentID     string       `json:"content_id" db:"content_id"`
	Checksum      string       `json:"checksum" db:"checksum"`
	Verified      bool         `json:"verified" db:"verified"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// Contributor maps a source-forge login to a settlement identity. Logins
// without a row here are reported as unregistered and receive no payout.
type Contributor struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Login           string    `json:"login" db:"login"`
	LedgerAccountID string    `json:"ledger_account_id" db:"ledger_account_id"`
	Active          bool      `json:"active" db:"active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// UpsertContributorRequest is the DTO for registering or updating a
// contributor's settlement account.
type UpsertContributorRequest struct {
	Login           string `json:"login"`
	LedgerAccountID string `json:"ledger_account_id"`
	Active          *bool  `json:"active,omitempty"`
}

// PreviewRequest is the DTO for requesting a distribution preview.
type PreviewRequest struct {
	RepoOwner    string             `json:"repo_owner"`
	RepoName     string             `json:"repo_name"`
	PeriodStart  time.Time          `json:"period_start"`
	PeriodEnd    time.Time          `json:"period_end"`
	CreatorLogin string             `json:"creator_login"`
	Policy       DistributionPolicy `json:"policy"`
}

// CreateRunRequest is the DTO for materializing an accepted preview into a
// run. The preview supplied here must hash to PreviewHash or the request is
// rejected.
type CreateRunRequest struct {
	PreviewRequest
	Preview *DistributionPreview `json:"preview"`
}

// RunListOptions controls pagination and filtering for run listings.
type RunListOptions struct {
	Limit  int
	Offset int
	Status string
	Repo   string
}

// ExecutionResult summarizes one orchestration pass over a run. Partial
// failure is a result, not an error: failed payouts are listed with their
// reason codes so the caller can retry them in isolation.
type ExecutionResult struct {
	RunID     uuid.UUID `json:"run_id"`
	Status    RunStatus `json:"status"`
	Confirmed int       `json:"confirmed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Artifacts int       `json:"artifacts"`
}

// RunCounts aggregates payout states for a run detail view.
type RunCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Submitted int `json:"submitted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}
