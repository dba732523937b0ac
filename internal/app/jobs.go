/**
 * @description
 * Scheduled job implementations: reconciliation of stale gateway
 * submissions and repair of missing settlement artifacts. Both jobs are
 * idempotent sweeps; running them twice, or concurrently with an active
 * orchestrator, cannot duplicate a payment because every mutation goes
 * through the same conditional status transitions.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/metrics"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/ledgerclient"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

const reconcileBatchSize = 100

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo     store.Repository
	gateway  SettlementGateway
	emitter  *ArtifactEmitter
	producer rabbitmq.Publisher
	logger   *slog.Logger
	config   config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, gateway SettlementGateway, emitter *ArtifactEmitter, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:     repo,
		gateway:  gateway,
		emitter:  emitter,
		producer: producer,
		logger:   logger,
		config:   cfg,
	}
}

// ReconcileStaleSettlements resolves payouts stuck in submitted: the state a
// payout lands in when a process died between the gateway call and the
// confirmation write. The gateway is the source of truth; its answer decides
// whether the payout confirms, returns to pending, or keeps waiting.
func (j *Jobs) ReconcileStaleSettlements() {
	j.logger.Info("starting settlement reconciliation job")
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-time.Duration(j.config.SubmittedStaleMinutes) * time.Minute)
	stale, err := j.repo.FindStaleSubmittedPayouts(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to load stale submitted payouts", "error", err)
		return
	}
	if len(stale) == 0 {
		j.logger.Info("no stale submitted payouts to reconcile")
		return
	}

	j.logger.Info("found stale submitted payouts", "count", len(stale))
	resumeRuns := make(map[uuid.UUID]struct{})

	for _, payout := range stale {
		logger := j.logger.With("payout_id", payout.ID, "run_id", payout.RunID, "contributor", payout.ContributorLogin)

		queryCtx, cancel := context.WithTimeout(ctx, time.Duration(j.config.GatewayTimeoutSeconds)*time.Second)
		status, err := j.gateway.QueryStatus(queryCtx, payout.IdempotencyKey)
		cancel()
		if err != nil {
			logger.Warn("gateway status query failed; payout stays submitted", "error", err)
			continue
		}

		switch status {
		case ledgerclient.StatusConfirmed:
			j.confirmReconciled(ctx, payout, logger)
		case ledgerclient.StatusUnknown:
			// Never reached the gateway; hand the payout back to the
			// orchestrator for a fresh attempt under the same key.
			released, err := j.repo.ReturnPayoutToPending(ctx, payout.ID)
			if err != nil {
				logger.Error("failed to return payout to pending", "error", err)
				continue
			}
			if released {
				logger.Info("payout returned to pending for resubmission")
				resumeRuns[payout.RunID] = struct{}{}
			}
		default:
			logger.Info("gateway still processing submission; payout stays submitted")
		}
	}

	for runID := range resumeRuns {
		if j.producer == nil {
			continue
		}
		msg := rabbitmq.RunExecuteMessage{RunID: runID, RequestedBy: "reconciler", EnqueuedAt: time.Now().UTC()}
		if err := j.producer.PublishRunExecute(ctx, msg); err != nil {
			j.logger.Warn("failed to re-enqueue run after reconciliation", "run_id", runID, "error", err)
		}
	}

	j.logger.Info("settlement reconciliation job finished")
}

// confirmReconciled finishes a payout the gateway reports as confirmed. The
// transfer id is recovered by resubmitting under the same idempotency key;
// the gateway deduplicates and returns the original transfer.
func (j *Jobs) confirmReconciled(ctx context.Context, payout domain.Payout, logger *slog.Logger) {
	run, err := j.repo.FindRunByID(ctx, payout.RunID)
	if err != nil {
		logger.Error("failed to load run for reconciled payout", "error", err)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, time.Duration(j.config.GatewayTimeoutSeconds)*time.Second)
	resp, err := j.gateway.SubmitTransfer(submitCtx, ledgerclient.TransferRequest{
		DestinationAccount: payout.LedgerAccountID,
		AssetSymbol:        run.PriceSnapshot.AssetSymbol,
		Amount:             payout.NativeAmount,
		Memo:               "payroll reconciliation",
		IdempotencyKey:     payout.IdempotencyKey,
	})
	cancel()
	if err != nil {
		logger.Warn("failed to recover transfer id for confirmed payout", "error", err)
		return
	}

	updated, err := j.repo.MarkPayoutConfirmed(ctx, payout.ID, resp.Data.ID)
	if err != nil {
		logger.Error("failed to confirm reconciled payout", "error", err)
		return
	}
	if !updated {
		return
	}

	metrics.PayoutsConfirmed.Inc()
	logger.Info("stale payout reconciled as confirmed", "tx_id", resp.Data.ID)

	payout.Status = domain.PayoutStatusConfirmed
	payout.SettlementTxID = &resp.Data.ID
	if _, err := j.emitter.EmitPayslip(ctx, run, &payout); err != nil {
		logger.Warn("payslip emission failed during reconciliation", "error", err)
	}

	if j.producer != nil {
		event := domain.PayoutStatusEvent{
			EventID:          uuid.NewString(),
			EventType:        "payroll.payout.confirmed",
			RunID:            run.ID,
			PayoutID:         payout.ID,
			ContributorLogin: payout.ContributorLogin,
			UsdCents:         payout.UsdCents,
			NativeAmount:     payout.NativeAmount,
			AssetSymbol:      run.PriceSnapshot.AssetSymbol,
			Status:           domain.PayoutStatusConfirmed,
			SettlementTxID:   resp.Data.ID,
			OccurredAt:       time.Now().UTC(),
		}
		if err := j.producer.Publish(ctx, rabbitmq.PayrollEventsExchange, event.EventType, event); err != nil {
			logger.Warn("payout event publish failed", "error", err)
		}
	}

	// The run may now be finishable; let the orchestrator settle the
	// run-level status.
	if j.producer != nil {
		msg := rabbitmq.RunExecuteMessage{RunID: run.ID, RequestedBy: "reconciler", EnqueuedAt: time.Now().UTC()}
		if err := j.producer.PublishRunExecute(ctx, msg); err != nil {
			logger.Warn("failed to re-enqueue run after confirmation", "error", err)
		}
	}
}

// RepairArtifacts re-emits settlement artifacts that failed to persist or
// verify: payslips for confirmed payouts and summaries for terminal runs.
func (j *Jobs) RepairArtifacts() {
	j.logger.Info("starting artifact repair job")
	ctx := context.Background()

	payouts, err := j.repo.FindConfirmedPayoutsMissingVerifiedArtifact(ctx, reconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to load payouts missing payslips", "error", err)
	} else {
		for _, payout := range payouts {
			run, err := j.repo.FindRunByID(ctx, payout.RunID)
			if err != nil {
				j.logger.Error("failed to load run for payslip repair", "run_id", payout.RunID, "error", err)
				continue
			}
			if _, err := j.emitter.EmitPayslip(ctx, run, &payout); err != nil {
				j.logger.Warn("payslip repair failed", "payout_id", payout.ID, "error", err)
			} else {
				j.logger.Info("payslip repaired", "payout_id", payout.ID, "run_id", run.ID)
			}
		}
	}

	runs, err := j.repo.FindTerminalRunsMissingSummaryArtifact(ctx, reconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to load runs missing summaries", "error", err)
	} else {
		for _, run := range runs {
			payouts, err := j.repo.FindPayoutsByRunID(ctx, run.ID)
			if err != nil {
				j.logger.Error("failed to load payouts for summary repair", "run_id", run.ID, "error", err)
				continue
			}
			current := run
			if _, err := j.emitter.EmitRunSummary(ctx, &current, payouts); err != nil {
				j.logger.Warn("run summary repair failed", "run_id", run.ID, "error", err)
			} else {
				j.logger.Info("run summary repaired", "run_id", run.ID)
			}
		}
	}

	j.logger.Info("artifact repair job finished")
}
