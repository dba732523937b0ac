/**
 * @description
 * The execution orchestrator drives a payroll run from an accepted preview to
 * a terminal status. Payouts fan out over a bounded worker pool sized to the
 * gateway's tolerance; every status transition is a conditional write in the
 * payout ledger, and the idempotency key lookup happens before any gateway
 * submission. One payout's failure never aborts the run.
 *
 * The orchestrator is safely re-entrant: executing a run twice, on one
 * process or two, cannot duplicate a confirmed payout. A terminal run
 * executes as a no-op that just reports its summary.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/metrics"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/ledgerclient"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

// ErrRunLocked reports that another orchestrator instance holds the run's
// execution lease.
var ErrRunLocked = errors.New("run execution lease is held by another instance")

// SettlementGateway is the slice of the ledger gateway client the
// orchestrator needs.
type SettlementGateway interface {
	SubmitTransfer(ctx context.Context, transfer ledgerclient.TransferRequest) (*ledgerclient.TransferResponse, error)
	QueryStatus(ctx context.Context, idempotencyKey string) (ledgerclient.TransferStatus, error)
}

// Orchestrator executes payroll runs against the settlement gateway.
type Orchestrator struct {
	repo     store.Repository
	gateway  SettlementGateway
	emitter  *ArtifactEmitter
	producer rabbitmq.Publisher
	locker   RunLocker
	logger   *slog.Logger
	cfg      config.Config
}

// NewOrchestrator wires an orchestrator. locker and producer may be nil;
// execution then runs without the advisory run lease and without events,
// relying on the payout-level claims alone.
func NewOrchestrator(repo store.Repository, gateway SettlementGateway, emitter *ArtifactEmitter, producer rabbitmq.Publisher, locker RunLocker, logger *slog.Logger, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		gateway:  gateway,
		emitter:  emitter,
		producer: producer,
		locker:   locker,
		logger:   logger,
		cfg:      cfg,
	}
}

type executionTally struct {
	mu             sync.Mutex
	confirmed      int
	failed         int
	skipped        int
	artifacts      int
	consistencyErr *domain.ConsistencyError
}

func (t *executionTally) add(confirmed, failed, skipped, artifacts int) {
	t.mu.Lock()
	t.confirmed += confirmed
	t.failed += failed
	t.skipped += skipped
	t.artifacts += artifacts
	t.mu.Unlock()
}

func (t *executionTally) recordConsistency(err *domain.ConsistencyError) {
	t.mu.Lock()
	if t.consistencyErr == nil {
		t.consistencyErr = err
	}
	t.mu.Unlock()
}

// Execute drives one orchestration pass over a run. Partial failure is a
// result, not an error; the error return is reserved for structural problems
// (missing run, lease conflicts, consistency violations, storage faults).
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) (*domain.ExecutionResult, error) {
	run, err := o.repo.FindRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		return o.summarizeRun(ctx, run)
	}

	if o.locker != nil {
		token, acquired, lockErr := o.locker.Acquire(ctx, runID, time.Duration(o.cfg.RunLockTTLSeconds)*time.Second)
		if lockErr != nil {
			o.logger.Warn("run lock unavailable; proceeding on payout-level claims only", "run_id", runID, "error", lockErr)
		} else if !acquired {
			return nil, ErrRunLocked
		} else {
			defer func() {
				if releaseErr := o.locker.Release(context.Background(), runID, token); releaseErr != nil {
					o.logger.Warn("run lock release failed", "run_id", runID, "error", releaseErr)
				}
			}()
		}
	}

	if run.Status == domain.RunStatusPreviewReady {
		claimed, err := o.repo.MarkRunExecuting(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("claim run for execution: %w", err)
		}
		if claimed {
			o.publishRunEvent(ctx, "payroll.run.started", run, nil)
		}
		// Not claimed means another instance just moved it to executing;
		// re-entry is safe either way.
		if run, err = o.repo.FindRunByID(ctx, runID); err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return o.summarizeRun(ctx, run)
		}
	}

	payouts, err := o.repo.FindPayoutsByRunID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load payouts: %w", err)
	}

	// The approved preview and the persisted payout rows must still agree
	// before any money moves.
	if digest := RunDigest(run, payouts); digest != run.PreviewHash {
		reason := "preview hash mismatch: payout rows do not match the approved preview"
		if _, ferr := o.repo.FinalizeRun(ctx, runID, domain.RunStatusFailed, &reason); ferr != nil {
			o.logger.Error("failed to mark inconsistent run failed", "run_id", runID, "error", ferr)
		}
		metrics.RunsFinished.WithLabelValues(string(domain.RunStatusFailed)).Inc()
		o.publishRunEvent(ctx, "payroll.run.failed", run, nil)
		return nil, &domain.ConsistencyError{RunID: runID.String(), Message: reason}
	}

	tally := &executionTally{}
	jobs := make(chan domain.Payout)
	var wg sync.WaitGroup

	workers := o.cfg.ExecutionWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payout := range jobs {
				o.processPayout(ctx, run, payout, tally)
			}
		}()
	}

	for _, payout := range payouts {
		if payout.Status == domain.PayoutStatusConfirmed {
			tally.add(0, 0, 1, 0)
			continue
		}
		jobs <- payout
	}
	close(jobs)
	wg.Wait()

	if tally.consistencyErr != nil {
		reason := tally.consistencyErr.Message
		if _, ferr := o.repo.FinalizeRun(ctx, runID, domain.RunStatusFailed, &reason); ferr != nil {
			o.logger.Error("failed to mark inconsistent run failed", "run_id", runID, "error", ferr)
		}
		metrics.RunsFinished.WithLabelValues(string(domain.RunStatusFailed)).Inc()
		o.publishRunEvent(ctx, "payroll.run.failed", run, nil)
		return nil, tally.consistencyErr
	}

	status, err := o.finalizeRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &domain.ExecutionResult{
		RunID:     runID,
		Status:    status,
		Confirmed: tally.confirmed,
		Failed:    tally.failed,
		Skipped:   tally.skipped,
		Artifacts: tally.artifacts,
	}, nil
}

// processPayout takes one payout through the idempotency check, the claim,
// the attempt loop, and a terminal status.
func (o *Orchestrator) processPayout(ctx context.Context, run *domain.PayrollRun, payout domain.Payout, tally *executionTally) {
	logger := o.logger.With("run_id", run.ID, "payout_id", payout.ID, "contributor", payout.ContributorLogin)

	// The cancellation flag stops new claims; attempts already in flight
	// resolve to a terminal state on their own.
	cancelled, err := o.repo.IsRunCancelRequested(ctx, run.ID)
	if err != nil {
		logger.Error("cancellation check failed; skipping payout this pass", "error", err)
		tally.add(0, 0, 1, 0)
		return
	}
	if cancelled {
		logger.Info("run cancellation requested; not claiming payout")
		tally.add(0, 0, 1, 0)
		return
	}

	// The idempotency key lookup happens-before any gateway submission.
	fresh, err := o.repo.FindPayoutByIdempotencyKey(ctx, payout.IdempotencyKey)
	if err != nil {
		logger.Error("idempotency lookup failed; skipping payout this pass", "error", err)
		tally.add(0, 0, 1, 0)
		return
	}
	if fresh.RunID != run.ID || fresh.UsdCents != payout.UsdCents || fresh.NativeAmount != payout.NativeAmount {
		tally.recordConsistency(&domain.ConsistencyError{
			RunID:   run.ID.String(),
			Message: fmt.Sprintf("idempotency key %s resolves to a different payout than the run materialized", payout.IdempotencyKey),
		})
		return
	}

	switch fresh.Status {
	case domain.PayoutStatusConfirmed:
		tally.add(0, 0, 1, 0)
		return
	case domain.PayoutStatusSubmitted:
		// A prior attempt may have landed; ask the gateway before touching
		// anything.
		o.resolveSubmitted(ctx, run, fresh, tally, logger)
		return
	}

	claimed, err := o.repo.ClaimPayoutForSubmission(ctx, payout.ID)
	if err != nil {
		logger.Error("payout claim failed; skipping payout this pass", "error", err)
		tally.add(0, 0, 1, 0)
		return
	}
	if !claimed {
		logger.Info("payout already claimed elsewhere; skipping")
		tally.add(0, 0, 1, 0)
		return
	}

	o.attemptSettlement(ctx, run, fresh, tally, logger)
}

// resolveSubmitted handles a payout found in the submitted state: query the
// gateway by idempotency key instead of blindly resubmitting.
func (o *Orchestrator) resolveSubmitted(ctx context.Context, run *domain.PayrollRun, payout *domain.Payout, tally *executionTally, logger *slog.Logger) {
	queryCtx, cancel := context.WithTimeout(ctx, o.gatewayTimeout())
	status, err := o.gateway.QueryStatus(queryCtx, payout.IdempotencyKey)
	cancel()
	if err != nil {
		logger.Warn("gateway status query failed; leaving payout for reconciliation", "error", err)
		tally.add(0, 0, 1, 0)
		return
	}

	switch status {
	case ledgerclient.StatusConfirmed, ledgerclient.StatusUnknown:
		// Confirmed: the gateway deduplicates by key, so resubmitting is the
		// safe way to recover the transfer id. Unknown: the submission never
		// landed and a fresh attempt is safe for the same reason.
		o.attemptSettlement(ctx, run, payout, tally, logger)
	default:
		logger.Info("gateway still processing submission; leaving payout for reconciliation")
		tally.add(0, 0, 1, 0)
	}
}

// attemptSettlement runs the retry loop for a payout already claimed as
// submitted, finishing with a confirmed or failed status.
func (o *Orchestrator) attemptSettlement(ctx context.Context, run *domain.PayrollRun, payout *domain.Payout, tally *executionTally, logger *slog.Logger) {
	transfer := ledgerclient.TransferRequest{
		DestinationAccount: payout.LedgerAccountID,
		AssetSymbol:        run.PriceSnapshot.AssetSymbol,
		Amount:             payout.NativeAmount,
		Memo:               fmt.Sprintf("payroll %s %s..%s", run.RepoOwner+"/"+run.RepoName, run.PeriodStart.UTC().Format("2006-01-02"), run.PeriodEnd.UTC().Format("2006-01-02")),
		IdempotencyKey:     payout.IdempotencyKey,
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := o.waitBackoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
			if err := o.repo.IncrementPayoutAttempt(ctx, payout.ID); err != nil {
				logger.Warn("attempt counter increment failed", "error", err)
			}
		}

		attemptStart := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, o.gatewayTimeout())
		resp, err := o.gateway.SubmitTransfer(attemptCtx, transfer)
		cancel()
		metrics.GatewayAttemptSeconds.Observe(time.Since(attemptStart).Seconds())

		if err == nil {
			metrics.GatewayAttempts.WithLabelValues("success").Inc()
			o.confirmPayout(ctx, run, payout, resp.Data.ID, tally, logger)
			return
		}

		lastErr = err
		if !ledgerclient.IsRetryable(err) {
			metrics.GatewayAttempts.WithLabelValues("non_retryable_error").Inc()
			logger.Warn("gateway rejected payout", "attempt", attempt+1, "error", err)
			break
		}
		metrics.GatewayAttempts.WithLabelValues("retryable_error").Inc()
		logger.Warn("gateway attempt failed", "attempt", attempt+1, "error", err)
	}

	code, message := classifyGatewayError(lastErr)
	o.failPayout(ctx, run, payout, code, message, tally, logger)
}

func (o *Orchestrator) confirmPayout(ctx context.Context, run *domain.PayrollRun, payout *domain.Payout, txID string, tally *executionTally, logger *slog.Logger) {
	updated, err := o.repo.MarkPayoutConfirmed(ctx, payout.ID, txID)
	if err != nil {
		logger.Error("payout confirm write failed; reconciliation will finish it", "tx_id", txID, "error", err)
		tally.add(0, 0, 1, 0)
		return
	}
	if !updated {
		// Another worker finalized this payout first.
		tally.add(0, 0, 1, 0)
		return
	}

	metrics.PayoutsConfirmed.Inc()
	logger.Info("payout confirmed", "tx_id", txID, "usd_cents", payout.UsdCents, "native_amount", payout.NativeAmount)

	artifacts := 0
	payout.Status = domain.PayoutStatusConfirmed
	payout.SettlementTxID = &txID
	if _, err := o.emitter.EmitPayslip(ctx, run, payout); err != nil {
		// Artifact failure never affects the payout; the repair job retries.
		logger.Warn("payslip emission failed", "error", err)
	} else {
		artifacts = 1
	}

	o.publishPayoutEvent(ctx, "payroll.payout.confirmed", run, payout, txID, "")
	tally.add(1, 0, 0, artifacts)
}

func (o *Orchestrator) failPayout(ctx context.Context, run *domain.PayrollRun, payout *domain.Payout, code, message string, tally *executionTally, logger *slog.Logger) {
	updated, err := o.repo.MarkPayoutFailed(ctx, payout.ID, code, message)
	if err != nil {
		logger.Error("payout failure write failed", "reason", code, "error", err)
		tally.add(0, 0, 1, 0)
		return
	}
	if !updated {
		tally.add(0, 0, 1, 0)
		return
	}

	metrics.PayoutsFailed.WithLabelValues(code).Inc()
	logger.Warn("payout failed", "reason", code, "message", message)
	o.publishPayoutEvent(ctx, "payroll.payout.failed", run, payout, "", code)
	tally.add(0, 1, 0, 0)
}

// finalizeRun settles the run-level status once every payout reached a
// terminal state (or cancellation ended the pass early). When payouts are
// still pending or submitted and the run was not cancelled, the run stays
// executing for reconciliation or a later pass to finish.
func (o *Orchestrator) finalizeRun(ctx context.Context, runID uuid.UUID) (domain.RunStatus, error) {
	counts, err := o.repo.GetRunCounts(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("aggregate payout counts: %w", err)
	}
	cancelled, err := o.repo.IsRunCancelRequested(ctx, runID)
	if err != nil {
		return "", err
	}

	unresolved := counts.Pending + counts.Submitted
	if unresolved > 0 && !cancelled {
		o.logger.Info("run left executing with unresolved payouts", "run_id", runID, "pending", counts.Pending, "submitted", counts.Submitted)
		return domain.RunStatusExecuting, nil
	}

	var status domain.RunStatus
	switch {
	case counts.Confirmed == counts.Total:
		status = domain.RunStatusCompleted
	case counts.Confirmed > 0:
		status = domain.RunStatusPartiallyCompleted
	default:
		status = domain.RunStatusFailed
	}

	finalized, err := o.repo.FinalizeRun(ctx, runID, status, nil)
	if err != nil {
		return "", err
	}
	if !finalized {
		// Another instance finalized first; report what stands.
		run, err := o.repo.FindRunByID(ctx, runID)
		if err != nil {
			return "", err
		}
		return run.Status, nil
	}

	metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	o.logger.Info("run finalized", "run_id", runID, "status", status, "confirmed", counts.Confirmed, "failed", counts.Failed)

	run, err := o.repo.FindRunByID(ctx, runID)
	if err != nil {
		return status, nil
	}
	payouts, err := o.repo.FindPayoutsByRunID(ctx, runID)
	if err == nil {
		if _, emitErr := o.emitter.EmitRunSummary(ctx, run, payouts); emitErr != nil {
			o.logger.Warn("run summary emission failed", "run_id", runID, "error", emitErr)
		}
	}

	eventType := "payroll.run.completed"
	if status == domain.RunStatusFailed {
		eventType = "payroll.run.failed"
	}
	o.publishRunEvent(ctx, eventType, run, counts)

	return status, nil
}

// summarizeRun reports a terminal run without touching the gateway.
func (o *Orchestrator) summarizeRun(ctx context.Context, run *domain.PayrollRun) (*domain.ExecutionResult, error) {
	counts, err := o.repo.GetRunCounts(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &domain.ExecutionResult{
		RunID:     run.ID,
		Status:    run.Status,
		Confirmed: counts.Confirmed,
		Failed:    counts.Failed,
		Skipped:   counts.Total,
	}, nil
}

func (o *Orchestrator) gatewayTimeout() time.Duration {
	seconds := o.cfg.GatewayTimeoutSeconds
	if seconds <= 0 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

// waitBackoff sleeps before a retry, honoring cancellation.
func (o *Orchestrator) waitBackoff(ctx context.Context, attempt int) error {
	delay := time.Duration(o.cfg.RetryDelayMS) * time.Millisecond
	if o.cfg.RetryBackoff == "exponential" {
		delay = delay << (attempt - 1)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// classifyGatewayError maps any attempt error to a machine-readable reason
// code plus the gateway's message, enabling targeted retry of exactly the
// failed payouts.
func classifyGatewayError(err error) (string, string) {
	if err == nil {
		return "unknown", "settlement failed without a gateway error"
	}
	var apiErr *ledgerclient.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Code()
		if code == "" {
			code = fmt.Sprintf("gateway_status_%d", apiErr.StatusCode)
		}
		return code, apiErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "gateway_timeout", err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return "execution_cancelled", err.Error()
	}
	return "gateway_unreachable", err.Error()
}

func (o *Orchestrator) publishRunEvent(ctx context.Context, eventType string, run *domain.PayrollRun, counts *domain.RunCounts) {
	if o.producer == nil {
		return
	}
	event := domain.RunLifecycleEvent{
		EventID:          uuid.NewString(),
		EventType:        eventType,
		RunID:            run.ID,
		Status:           run.Status,
		ResidualUsdCents: run.ResidualUsdCents,
		OccurredAt:       time.Now().UTC(),
	}
	if counts != nil {
		event.Confirmed = counts.Confirmed
		event.Failed = counts.Failed
		event.TotalPayouts = counts.Total
	}
	if err := o.producer.Publish(ctx, rabbitmq.PayrollEventsExchange, eventType, event); err != nil {
		o.logger.Warn("run event publish failed", "event_type", eventType, "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) publishPayoutEvent(ctx context.Context, eventType string, run *domain.PayrollRun, payout *domain.Payout, txID, errorCode string) {
	if o.producer == nil {
		return
	}
	event := domain.PayoutStatusEvent{
		EventID:          uuid.NewString(),
		EventType:        eventType,
		RunID:            run.ID,
		PayoutID:         payout.ID,
		ContributorLogin: payout.ContributorLogin,
		UsdCents:         payout.UsdCents,
		NativeAmount:     payout.NativeAmount,
		AssetSymbol:      run.PriceSnapshot.AssetSymbol,
		Status:           payout.Status,
		SettlementTxID:   txID,
		ErrorCode:        errorCode,
		OccurredAt:       time.Now().UTC(),
	}
	if err := o.producer.Publish(ctx, rabbitmq.PayrollEventsExchange, eventType, event); err != nil {
		o.logger.Warn("payout event publish failed", "event_type", eventType, "payout_id", payout.ID, "error", err)
	}
}
