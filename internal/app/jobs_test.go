package app

import (
	"testing"

	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/pkg/ledgerclient"
)

func newTestJobs(repo *fakeRepository, gateway *fakeGateway, publisher *fakePublisher) *Jobs {
	cfg := config.Config{
		SubmittedStaleMinutes: 15,
		GatewayTimeoutSeconds: 5,
	}
	emitter := NewArtifactEmitter(repo, newFakeContentStore(), true, testLogger())
	return NewJobs(repo, gateway, emitter, publisher, testLogger(), cfg)
}

func TestReconcile_ConfirmedAtGatewayConfirmsPayout(t *testing.T) {
	repo := newFakeRepository()
	gateway := newFakeGateway()
	publisher := &fakePublisher{}
	run, payouts := buildRunFixture([]string{"alice"}, 10000)
	run.Status = domain.RunStatusExecuting
	payouts[0].Status = domain.PayoutStatusSubmitted
	repo.addRun(run, payouts)

	key := payouts[0].IdempotencyKey
	gateway.statuses[key] = ledgerclient.StatusConfirmed
	gateway.transfers[key] = "tx_lost"

	jobs := newTestJobs(repo, gateway, publisher)
	jobs.ReconcileStaleSettlements()

	alice := repo.payoutByLogin("alice")
	if alice.Status != domain.PayoutStatusConfirmed {
		t.Fatalf("expected alice confirmed, got %s", alice.Status)
	}
	if alice.SettlementTxID == nil || *alice.SettlementTxID != "tx_lost" {
		t.Fatalf("expected the original transfer id recovered, got %v", alice.SettlementTxID)
	}
	if got := repo.artifactCount(domain.ArtifactKindPayslip); got != 1 {
		t.Fatalf("expected a payslip emitted during reconciliation, got %d", got)
	}
	if publisher.published("payroll.payout.confirmed") != 1 {
		t.Error("expected a payout confirmed event")
	}
	// The run must be re-enqueued so its terminal status gets settled.
	if publisher.published("payroll.run.execute") == 0 {
		t.Error("expected the run re-enqueued after confirmation")
	}
}

func TestReconcile_UnknownAtGatewayReturnsToPending(t *testing.T) {
	repo := newFakeRepository()
	gateway := newFakeGateway()
	publisher := &fakePublisher{}
	run, payouts := buildRunFixture([]string{"alice"}, 10000)
	run.Status = domain.RunStatusExecuting
	payouts[0].Status = domain.PayoutStatusSubmitted
	repo.addRun(run, payouts)
	// No gateway state for the key: the submission never landed.

	jobs := newTestJobs(repo, gateway, publisher)
	jobs.ReconcileStaleSettlements()

	alice := repo.payoutByLogin("alice")
	if alice.Status != domain.PayoutStatusPending {
		t.Fatalf("expected alice back to pending, got %s", alice.Status)
	}
	if got := gateway.submissionCount(payouts[0].IdempotencyKey); got != 0 {
		t.Fatalf("reconciliation must not submit unknown payouts itself, got %d submissions", got)
	}
	if publisher.published("payroll.run.execute") != 1 {
		t.Error("expected the run re-enqueued for a fresh attempt")
	}
}

func TestReconcile_StillProcessingLeftAlone(t *testing.T) {
	repo := newFakeRepository()
	gateway := newFakeGateway()
	run, payouts := buildRunFixture([]string{"alice"}, 10000)
	run.Status = domain.RunStatusExecuting
	payouts[0].Status = domain.PayoutStatusSubmitted
	repo.addRun(run, payouts)
	gateway.statuses[payouts[0].IdempotencyKey] = ledgerclient.StatusSubmitted

	jobs := newTestJobs(repo, gateway, &fakePublisher{})
	jobs.ReconcileStaleSettlements()

	alice := repo.payoutByLogin("alice")
	if alice.Status != domain.PayoutStatusSubmitted {
		t.Fatalf("expected alice untouched, got %s", alice.Status)
	}
}

func TestRepairArtifacts_BackfillsMissingRecords(t *testing.T) {
	repo := newFakeRepository()
	gateway := newFakeGateway()
	run, payouts := buildRunFixture([]string{"alice", "bob"}, 5000)
	run.Status = domain.RunStatusCompleted
	txID := "tx_done"
	for i := range payouts {
		payouts[i].Status = domain.PayoutStatusConfirmed
		payouts[i].SettlementTxID = &txID
	}
	repo.addRun(run, payouts)

	jobs := newTestJobs(repo, gateway, &fakePublisher{})
	jobs.RepairArtifacts()

	if got := repo.artifactCount(domain.ArtifactKindPayslip); got != 2 {
		t.Fatalf("expected 2 payslips backfilled, got %d", got)
	}
	if got := repo.artifactCount(domain.ArtifactKindRunSummary); got != 1 {
		t.Fatalf("expected 1 run summary backfilled, got %d", got)
	}

	// A second pass finds nothing left to repair.
	jobs.RepairArtifacts()
	if got := repo.artifactCount(domain.ArtifactKindPayslip); got != 2 {
		t.Fatalf("repair must be idempotent, got %d payslips after second pass", got)
	}
}
