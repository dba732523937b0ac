/**
 * @description
 * This file contains the core business logic for the payroll-service. The
 * Service struct ties the contribution source, the price feed, the
 * distribution calculator, the settlement orchestrator and the repository
 * together behind one API used by the HTTP handlers and the queue consumer.
 *
 * @dependencies
 * - internal/store: The database repository interface.
 * - pkg/githubclient: Merged pull request retrieval.
 * - pkg/pricefeed: Price snapshot capture.
 * - pkg/ledgerclient: Settlement gateway client.
 * - pkg/rabbitmq: Event and command publishing.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/githubclient"
	"github.com/forgepay/payroll-service/pkg/pricefeed"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

// ContributionSource is the slice of the source-forge client the service
// needs: merged pull requests per author over a period.
type ContributionSource interface {
	MergedPullRequests(ctx context.Context, owner, repo string, start, end time.Time) (*githubclient.ContributionReport, error)
}

// Service provides payroll distribution and settlement operations.
type Service struct {
	repo         store.Repository
	source       ContributionSource
	prices       pricefeed.Provider
	producer     rabbitmq.Publisher
	orchestrator *Orchestrator
	logger       *slog.Logger
	cfg          config.Config
}

// NewService creates a new service with its dependencies.
func NewService(repo store.Repository, source ContributionSource, prices pricefeed.Provider, gateway SettlementGateway, cas ContentStore, producer rabbitmq.Publisher, locker RunLocker, logger *slog.Logger, cfg config.Config) *Service {
	emitter := NewArtifactEmitter(repo, cas, cfg.VerifyArtifacts, logger)
	return &Service{
		repo:         repo,
		source:       source,
		prices:       prices,
		producer:     producer,
		orchestrator: NewOrchestrator(repo, gateway, emitter, producer, locker, logger, cfg),
		logger:       logger,
		cfg:          cfg,
	}
}

// Orchestrator exposes the settlement orchestrator for background jobs that
// share its payout handling.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

// Preview computes a distribution preview for a repository and period
// without persisting anything. The price snapshot captured here travels with
// the preview; accepting the preview freezes it for the whole run.
func (s *Service) Preview(ctx context.Context, req domain.PreviewRequest) (*domain.DistributionPreview, error) {
	if err := validatePreviewRequest(req); err != nil {
		return nil, err
	}

	report, err := s.source.MergedPullRequests(ctx, req.RepoOwner, req.RepoName, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, &domain.DataSourceDegradedError{Source: "github", Err: err}
	}

	quote, err := s.prices.FetchPrice(ctx, s.cfg.AssetSymbol)
	if err != nil {
		return nil, &domain.DataSourceDegradedError{Source: "price_feed", Err: err}
	}

	logins := make([]string, 0, len(report.Counts))
	for login := range report.Counts {
		logins = append(logins, login)
	}
	identities, err := s.repo.FindContributorsByLogins(ctx, logins)
	if err != nil {
		return nil, fmt.Errorf("load contributor registry: %w", err)
	}

	preview, err := ComputeDistribution(DistributionInput{
		Contributions: report.Counts,
		Details:       contributionDetails(report),
		Policy:        req.Policy,
		PriceSnapshot: domain.PriceSnapshot{
			AssetSymbol: quote.AssetSymbol,
			UsdPrice:    quote.UsdPrice,
			FeedID:      quote.FeedID,
			CapturedAt:  quote.AsOf,
		},
		AssetDecimals: s.cfg.AssetDecimals,
		Identities:    identities,
		CreatorLogin:  req.CreatorLogin,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("distribution preview computed",
		"repo", req.RepoOwner+"/"+req.RepoName,
		"eligible", preview.EligibleCount,
		"total_usd_cents", preview.TotalUsdCents,
		"residual_usd_cents", preview.ResidualUsdCents,
		"preview_hash", preview.PreviewHash)
	return preview, nil
}

// CreateRun materializes an accepted preview into a persisted run with one
// pending payout per eligible share. The caller echoes the preview back; it
// must still hash to its own PreviewHash, which rejects tampered or stale
// previews without any trust in the client.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.PayrollRun, error) {
	if err := validatePreviewRequest(req.PreviewRequest); err != nil {
		return nil, err
	}
	if req.Preview == nil {
		return nil, domain.NewInputError("missing_preview", "a computed preview is required to create a run")
	}
	if req.Preview.PreviewHash == "" || PreviewDigest(req.Preview) != req.Preview.PreviewHash {
		return nil, domain.NewInputError("preview_hash_mismatch", "the supplied preview does not hash to its own preview_hash")
	}
	if req.Preview.EligibleCount == 0 {
		return nil, domain.ErrNoEligibleContributors
	}

	now := time.Now().UTC()
	run := &domain.PayrollRun{
		ID:               uuid.New(),
		RepoOwner:        req.RepoOwner,
		RepoName:         req.RepoName,
		PeriodStart:      req.PeriodStart.UTC(),
		PeriodEnd:        req.PeriodEnd.UTC(),
		CreatorLogin:     req.CreatorLogin,
		Policy:           req.Preview.Policy,
		PriceSnapshot:    req.Preview.PriceSnapshot,
		AssetDecimals:    req.Preview.AssetDecimals,
		Status:           domain.RunStatusPreviewReady,
		PreviewHash:      req.Preview.PreviewHash,
		ResidualUsdCents: req.Preview.ResidualUsdCents,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	payouts := make([]domain.Payout, 0, req.Preview.EligibleCount)
	for _, share := range req.Preview.Shares {
		if !share.Eligible {
			continue
		}
		if share.ContributorID == nil {
			return nil, domain.NewInputError("invalid_preview", "eligible share for %s carries no contributor id", share.Login)
		}
		payouts = append(payouts, domain.Payout{
			ID:                uuid.New(),
			RunID:             run.ID,
			ContributorID:     *share.ContributorID,
			ContributorLogin:  share.Login,
			LedgerAccountID:   share.LedgerAccountID,
			IdempotencyKey:    DerivePayoutKey(run.ID, *share.ContributorID),
			ContributionCount: share.ContributionCount,
			ShareRatio:        share.ShareRatio,
			UsdCents:          share.UsdCents,
			NativeAmount:      share.NativeAmount,
			Status:            domain.PayoutStatusPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	if err := s.repo.CreateRunWithPayouts(ctx, run, payouts); err != nil {
		return nil, err
	}

	s.logger.Info("payroll run created",
		"run_id", run.ID,
		"repo", run.RepoOwner+"/"+run.RepoName,
		"payouts", len(payouts),
		"preview_hash", run.PreviewHash)
	return run, nil
}

// Execute enqueues a run for asynchronous settlement. When the message
// broker is unavailable the run executes on a background goroutine instead,
// so a broker outage degrades delivery guarantees but never blocks payroll.
func (s *Service) Execute(ctx context.Context, runID uuid.UUID, requestedBy string) error {
	run, err := s.repo.FindRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return domain.NewInputError("run_terminal", "run %s is already %s", runID, run.Status)
	}

	msg := rabbitmq.RunExecuteMessage{
		RunID:       runID,
		RequestedBy: requestedBy,
		EnqueuedAt:  time.Now().UTC(),
	}

	if s.producer != nil {
		if _, degraded := s.producer.(*rabbitmq.EventProducerFallback); !degraded {
			if err := s.producer.PublishRunExecute(ctx, msg); err != nil {
				s.logger.Warn("run execute enqueue failed; executing inline", "run_id", runID, "error", err)
			} else {
				return nil
			}
		}
	}

	s.logger.Warn("message broker unavailable; executing run on a background goroutine", "run_id", runID)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.ExecuteRunNow(bgCtx, runID); err != nil {
			s.logger.Error("background run execution failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// ExecuteRunNow drives a run synchronously. It is the entry point used by
// the queue consumer and the broker-down fallback.
func (s *Service) ExecuteRunNow(ctx context.Context, runID uuid.UUID) (*domain.ExecutionResult, error) {
	return s.orchestrator.Execute(ctx, runID)
}

// CancelRun flags a run so no further payouts are claimed. Payouts already
// submitted to the gateway still resolve to a terminal status on their own;
// cancellation is a stop on new submissions, never a reversal.
func (s *Service) CancelRun(ctx context.Context, runID uuid.UUID) error {
	flagged, err := s.repo.RequestRunCancellation(ctx, runID)
	if err != nil {
		return err
	}
	if !flagged {
		run, err := s.repo.FindRunByID(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return domain.NewInputError("run_terminal", "run %s is already %s and cannot be cancelled", runID, run.Status)
		}
		// Already flagged; cancellation is idempotent.
	}
	s.logger.Info("run cancellation requested", "run_id", runID)
	return nil
}

// GetRun returns a run with its aggregated payout counts.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*domain.PayrollRun, *domain.RunCounts, error) {
	run, err := s.repo.FindRunByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	counts, err := s.repo.GetRunCounts(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, counts, nil
}

// ListRuns pages through runs, newest first.
func (s *Service) ListRuns(ctx context.Context, opts domain.RunListOptions) ([]domain.PayrollRun, error) {
	return s.repo.ListRuns(ctx, opts)
}

// ListPayouts returns every payout row of a run, including failed ones with
// their reason codes.
func (s *Service) ListPayouts(ctx context.Context, runID uuid.UUID) ([]domain.Payout, error) {
	if _, err := s.repo.FindRunByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.repo.FindPayoutsByRunID(ctx, runID)
}

// ListArtifacts returns the content-addressed artifacts recorded for a run.
func (s *Service) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	if _, err := s.repo.FindRunByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.repo.ListArtifactsByRunID(ctx, runID)
}

// UpsertContributor registers or updates a contributor's settlement account.
func (s *Service) UpsertContributor(ctx context.Context, req domain.UpsertContributorRequest) (*domain.Contributor, error) {
	req.Login = strings.TrimSpace(req.Login)
	req.LedgerAccountID = strings.TrimSpace(req.LedgerAccountID)
	if req.Login == "" {
		return nil, domain.NewInputError("invalid_login", "contributor login must not be empty")
	}
	if req.LedgerAccountID == "" {
		return nil, domain.NewInputError("invalid_ledger_account", "ledger account id must not be empty")
	}
	return s.repo.UpsertContributor(ctx, req)
}

// ListContributors returns the full contributor registry.
func (s *Service) ListContributors(ctx context.Context) ([]domain.Contributor, error) {
	return s.repo.ListContributors(ctx)
}

func validatePreviewRequest(req domain.PreviewRequest) error {
	if strings.TrimSpace(req.RepoOwner) == "" || strings.TrimSpace(req.RepoName) == "" {
		return domain.NewInputError("invalid_repo", "repo owner and name must not be empty")
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		return domain.NewInputError("invalid_period", "period start and end must be set")
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return domain.NewInputError("invalid_period", "period end must be after period start")
	}
	return nil
}

// contributionDetails converts the source report's pull requests into the
// neutral detail shape carried on previews.
func contributionDetails(report *githubclient.ContributionReport) map[string][]domain.ContributionDetail {
	if !report.DetailComplete || len(report.Details) == 0 {
		return nil
	}
	details := make(map[string][]domain.ContributionDetail, len(report.Details))
	for login, pulls := range report.Details {
		converted := make([]domain.ContributionDetail, 0, len(pulls))
		for _, pr := range pulls {
			converted = append(converted, domain.ContributionDetail{
				Number:       pr.Number,
				Title:        pr.Title,
				MergedAt:     pr.MergedAt,
				ChangedLines: pr.Additions + pr.Deletions,
			})
		}
		details[login] = converted
	}
	return details
}
