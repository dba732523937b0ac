/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payroll-service. By defining an interface,
 * we decouple the distribution and settlement logic from the specific database
 * implementation (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/forgepay/payroll-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// The payout methods around claiming and status transitions are the critical
// section of the whole engine: every status change is a single conditional
// UPDATE so that two orchestrator instances racing on the same run can never
// both win the same payout.
type Repository interface {
	// Contributor registry methods
	UpsertContributor(ctx context.Context, req domain.UpsertContributorRequest) (*domain.Contributor, error)
	FindContributorByLogin(ctx context.Context, login string) (*domain.Contributor, error)
	FindContributorsByLogins(ctx context.Context, logins []string) (map[string]domain.Contributor, error)
	ListContributors(ctx context.Context) ([]domain.Contributor, error)

	// PayrollRun methods
	CreateRunWithPayouts(ctx context.Context, run *domain.PayrollRun, payouts []domain.Payout) error
	FindRunByID(ctx context.Context, runID uuid.UUID) (*domain.PayrollRun, error)
	ListRuns(ctx context.Context, opts domain.RunListOptions) ([]domain.PayrollRun, error)
	// MarkRunExecuting claims the preview_ready -> executing transition and
	// sets started_at. It reports false when the run was not in preview_ready,
	// which callers treat as "someone else already claimed it".
	MarkRunExecuting(ctx context.Context, runID uuid.UUID) (bool, error)
	RequestRunCancellation(ctx context.Context, runID uuid.UUID) (bool, error)
	IsRunCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error)
	// FinalizeRun moves an executing run to a terminal status and sets
	// finished_at exactly once. It reports false when the run was already
	// terminal.
	FinalizeRun(ctx context.Context, runID uuid.UUID, status domain.RunStatus, failureReason *string) (bool, error)
	GetRunCounts(ctx context.Context, runID uuid.UUID) (*domain.RunCounts, error)

	// Payout methods
	FindPayoutsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Payout, error)
	FindPayoutByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Payout, error)
	// ClaimPayoutForSubmission atomically moves a pending or failed payout to
	// submitted and increments its attempt count. False means another worker
	// holds the payout or it already reached a terminal state.
	ClaimPayoutForSubmission(ctx context.Context, payoutID uuid.UUID) (bool, error)
	IncrementPayoutAttempt(ctx context.Context, payoutID uuid.UUID) error
	MarkPayoutConfirmed(ctx context.Context, payoutID uuid.UUID, settlementTxID string) (bool, error)
	MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, errorCode, errorMessage string) (bool, error)
	// ReturnPayoutToPending releases a submitted payout whose gateway status
	// came back unknown, so a later execution pass can attempt it again.
	ReturnPayoutToPending(ctx context.Context, payoutID uuid.UUID) (bool, error)
	FindStaleSubmittedPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error)

	// Artifact methods
	CreateArtifact(ctx context.Context, artifact *domain.Artifact) error
	ListArtifactsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error)
	FindConfirmedPayoutsMissingVerifiedArtifact(ctx context.Context, limit int) ([]domain.Payout, error)
	FindTerminalRunsMissingSummaryArtifact(ctx context.Context, limit int) ([]domain.PayrollRun, error)
}
