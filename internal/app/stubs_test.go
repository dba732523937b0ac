package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/ledgerclient"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRepository is an in-memory Repository covering the methods the
// execution path exercises. Unimplemented methods panic via the embedded
// nil interface, which is the desired failure mode in tests.
type fakeRepository struct {
	store.Repository

	mu           sync.Mutex
	runs         map[uuid.UUID]*domain.PayrollRun
	payouts      map[uuid.UUID]*domain.Payout
	artifacts    []domain.Artifact
	contributors map[string]domain.Contributor
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		runs:    make(map[uuid.UUID]*domain.PayrollRun),
		payouts: make(map[uuid.UUID]*domain.Payout),
	}
}

func (f *fakeRepository) addRun(run *domain.PayrollRun, payouts []domain.Payout) {
	f.mu.Lock()
	defer f.mu.Unlock()
	runCopy := *run
	f.runs[run.ID] = &runCopy
	for i := range payouts {
		p := payouts[i]
		f.payouts[p.ID] = &p
	}
}

func (f *fakeRepository) addContributor(c domain.Contributor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contributors == nil {
		f.contributors = make(map[string]domain.Contributor)
	}
	f.contributors[c.Login] = c
}

func (f *fakeRepository) FindContributorsByLogins(ctx context.Context, logins []string) (map[string]domain.Contributor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := make(map[string]domain.Contributor)
	for _, login := range logins {
		if c, ok := f.contributors[login]; ok {
			found[login] = c
		}
	}
	return found, nil
}

func (f *fakeRepository) CreateRunWithPayouts(ctx context.Context, run *domain.PayrollRun, payouts []domain.Payout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range payouts {
		for _, existing := range f.payouts {
			if existing.IdempotencyKey == p.IdempotencyKey {
				return store.ErrDuplicateRunPayouts
			}
		}
	}
	runCopy := *run
	f.runs[run.ID] = &runCopy
	for i := range payouts {
		p := payouts[i]
		f.payouts[p.ID] = &p
	}
	return nil
}

func (f *fakeRepository) FindRunByID(ctx context.Context, runID uuid.UUID) (*domain.PayrollRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

func (f *fakeRepository) MarkRunExecuting(ctx context.Context, runID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, store.ErrRunNotFound
	}
	if run.Status != domain.RunStatusPreviewReady {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = domain.RunStatusExecuting
	run.StartedAt = &now
	return true, nil
}

func (f *fakeRepository) RequestRunCancellation(ctx context.Context, runID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, store.ErrRunNotFound
	}
	if run.Status.Terminal() || run.CancelRequested {
		return false, nil
	}
	run.CancelRequested = true
	return true, nil
}

func (f *fakeRepository) IsRunCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, store.ErrRunNotFound
	}
	return run.CancelRequested, nil
}

func (f *fakeRepository) FinalizeRun(ctx context.Context, runID uuid.UUID, status domain.RunStatus, failureReason *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, store.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = status
	run.FailureReason = failureReason
	run.FinishedAt = &now
	return true, nil
}

func (f *fakeRepository) GetRunCounts(ctx context.Context, runID uuid.UUID) (*domain.RunCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := &domain.RunCounts{}
	for _, p := range f.payouts {
		if p.RunID != runID {
			continue
		}
		counts.Total++
		switch p.Status {
		case domain.PayoutStatusPending:
			counts.Pending++
		case domain.PayoutStatusSubmitted:
			counts.Submitted++
		case domain.PayoutStatusConfirmed:
			counts.Confirmed++
		case domain.PayoutStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (f *fakeRepository) FindPayoutsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payouts []domain.Payout
	for _, p := range f.payouts {
		if p.RunID == runID {
			payouts = append(payouts, *p)
		}
	}
	sort.Slice(payouts, func(a, b int) bool { return payouts[a].ContributorLogin < payouts[b].ContributorLogin })
	return payouts, nil
}

func (f *fakeRepository) FindPayoutByIdempotencyKey(ctx context.Context, key string) (*domain.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.IdempotencyKey == key {
			payoutCopy := *p
			return &payoutCopy, nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func (f *fakeRepository) ClaimPayoutForSubmission(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[payoutID]
	if !ok {
		return false, store.ErrPayoutNotFound
	}
	if p.Status != domain.PayoutStatusPending && p.Status != domain.PayoutStatusFailed {
		return false, nil
	}
	p.Status = domain.PayoutStatusSubmitted
	p.AttemptCount++
	return true, nil
}

func (f *fakeRepository) IncrementPayoutAttempt(ctx context.Context, payoutID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payouts[payoutID]; ok {
		p.AttemptCount++
	}
	return nil
}

func (f *fakeRepository) MarkPayoutConfirmed(ctx context.Context, payoutID uuid.UUID, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[payoutID]
	if !ok {
		return false, store.ErrPayoutNotFound
	}
	if p.Status != domain.PayoutStatusSubmitted {
		return false, nil
	}
	p.Status = domain.PayoutStatusConfirmed
	p.SettlementTxID = &txID
	return true, nil
}

func (f *fakeRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, code, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[payoutID]
	if !ok {
		return false, store.ErrPayoutNotFound
	}
	if p.Status != domain.PayoutStatusSubmitted {
		return false, nil
	}
	p.Status = domain.PayoutStatusFailed
	p.ErrorCode = &code
	p.ErrorMessage = &message
	return true, nil
}

func (f *fakeRepository) ReturnPayoutToPending(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[payoutID]
	if !ok {
		return false, store.ErrPayoutNotFound
	}
	if p.Status != domain.PayoutStatusSubmitted {
		return false, nil
	}
	p.Status = domain.PayoutStatusPending
	return true, nil
}

func (f *fakeRepository) FindStaleSubmittedPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payouts []domain.Payout
	for _, p := range f.payouts {
		if p.Status == domain.PayoutStatusSubmitted {
			payouts = append(payouts, *p)
		}
	}
	sort.Slice(payouts, func(a, b int) bool { return payouts[a].ContributorLogin < payouts[b].ContributorLogin })
	if limit > 0 && len(payouts) > limit {
		payouts = payouts[:limit]
	}
	return payouts, nil
}

func (f *fakeRepository) CreateArtifact(ctx context.Context, artifact *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, *artifact)
	return nil
}

func (f *fakeRepository) ListArtifactsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var artifacts []domain.Artifact
	for _, a := range f.artifacts {
		if a.RunID == runID {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

func (f *fakeRepository) FindConfirmedPayoutsMissingVerifiedArtifact(ctx context.Context, limit int) ([]domain.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []domain.Payout
	for _, p := range f.payouts {
		if p.Status != domain.PayoutStatusConfirmed {
			continue
		}
		covered := false
		for _, a := range f.artifacts {
			if a.Kind == domain.ArtifactKindPayslip && a.RunID == p.RunID && a.ContributorID != nil && *a.ContributorID == p.ContributorID && a.Verified {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, *p)
		}
	}
	sort.Slice(missing, func(a, b int) bool { return missing[a].ContributorLogin < missing[b].ContributorLogin })
	if limit > 0 && len(missing) > limit {
		missing = missing[:limit]
	}
	return missing, nil
}

func (f *fakeRepository) FindTerminalRunsMissingSummaryArtifact(ctx context.Context, limit int) ([]domain.PayrollRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []domain.PayrollRun
	for _, run := range f.runs {
		if !run.Status.Terminal() {
			continue
		}
		covered := false
		for _, a := range f.artifacts {
			if a.Kind == domain.ArtifactKindRunSummary && a.RunID == run.ID && a.Verified {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, *run)
		}
	}
	if limit > 0 && len(missing) > limit {
		missing = missing[:limit]
	}
	return missing, nil
}

func (f *fakeRepository) payoutByLogin(login string) *domain.Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.ContributorLogin == login {
			payoutCopy := *p
			return &payoutCopy
		}
	}
	return nil
}

func (f *fakeRepository) artifactCount(kind domain.ArtifactKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, a := range f.artifacts {
		if a.Kind == kind {
			count++
		}
	}
	return count
}

// fakeGateway simulates the settlement gateway with idempotency-key
// deduplication: repeated submissions under one key return the original
// transfer.
type fakeGateway struct {
	mu          sync.Mutex
	submissions map[string]int
	transfers   map[string]string
	statuses    map[string]ledgerclient.TransferStatus
	submitErr   map[string]error
	failCount   map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		submissions: make(map[string]int),
		transfers:   make(map[string]string),
		statuses:    make(map[string]ledgerclient.TransferStatus),
		submitErr:   make(map[string]error),
		failCount:   make(map[string]int),
	}
}

// failWith makes submissions under key fail with err; times < 0 fails
// forever.
func (g *fakeGateway) failWith(key string, err error, times int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitErr[key] = err
	g.failCount[key] = times
}

func (g *fakeGateway) SubmitTransfer(ctx context.Context, transfer ledgerclient.TransferRequest) (*ledgerclient.TransferResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submissions[transfer.IdempotencyKey]++

	if err, ok := g.submitErr[transfer.IdempotencyKey]; ok {
		remaining := g.failCount[transfer.IdempotencyKey]
		if remaining != 0 {
			if remaining > 0 {
				g.failCount[transfer.IdempotencyKey]--
			}
			return nil, err
		}
	}

	txID, ok := g.transfers[transfer.IdempotencyKey]
	if !ok {
		sum := sha256.Sum256([]byte(transfer.IdempotencyKey))
		txID = "tx_" + hex.EncodeToString(sum[:4])
		g.transfers[transfer.IdempotencyKey] = txID
	}
	g.statuses[transfer.IdempotencyKey] = ledgerclient.StatusConfirmed

	resp := &ledgerclient.TransferResponse{}
	resp.Data.ID = txID
	resp.Data.Attributes.Status = "confirmed"
	return resp, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, key string) (ledgerclient.TransferStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if status, ok := g.statuses[key]; ok {
		return status, nil
	}
	return ledgerclient.StatusUnknown, nil
}

func (g *fakeGateway) submissionCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submissions[key]
}

// fakeContentStore is an in-memory content-addressed store.
type fakeContentStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	addErr  error
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{objects: make(map[string][]byte)}
}

func (c *fakeContentStore) Add(ctx context.Context, name string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return "", c.addErr
	}
	sum := sha256.Sum256(data)
	cid := "bafy" + hex.EncodeToString(sum[:8])
	c.objects[cid] = append([]byte(nil), data...)
	return cid, nil
}

func (c *fakeContentStore) Cat(ctx context.Context, cid string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[cid]
	if !ok {
		return nil, fmt.Errorf("no object for cid %s", cid)
	}
	return append([]byte(nil), data...), nil
}

// fakePublisher records every published routing key.
type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	queued []uuid.UUID
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *fakePublisher) PublishRunExecute(ctx context.Context, msg rabbitmq.RunExecuteMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, "payroll.run.execute")
	p.queued = append(p.queued, msg.RunID)
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) published(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, key := range p.keys {
		if key == routingKey {
			count++
		}
	}
	return count
}
