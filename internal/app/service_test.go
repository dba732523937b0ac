package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/pkg/githubclient"
	"github.com/forgepay/payroll-service/pkg/pricefeed"
)

// fakeSource serves a canned contribution report.
type fakeSource struct {
	report *githubclient.ContributionReport
	err    error
}

func (s *fakeSource) MergedPullRequests(ctx context.Context, owner, repo string, start, end time.Time) (*githubclient.ContributionReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.report, nil
}

// fakePrices serves a fixed quote.
type fakePrices struct {
	price string
	err   error
}

func (p *fakePrices) Name() string { return "fake" }

func (p *fakePrices) FetchPrice(ctx context.Context, assetSymbol string) (*pricefeed.Quote, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &pricefeed.Quote{
		AssetSymbol: assetSymbol,
		UsdPrice:    decimal.RequireFromString(p.price),
		FeedID:      "fake",
		AsOf:        time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func serviceConfig() config.Config {
	cfg := testExecutionConfig()
	cfg.AssetSymbol = "XLM"
	cfg.AssetDecimals = 7
	return cfg
}

func previewRequestFixture() domain.PreviewRequest {
	return domain.PreviewRequest{
		RepoOwner:    "forgepay",
		RepoName:     "engine",
		PeriodStart:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		CreatorLogin: "maintainer",
		Policy: domain.DistributionPolicy{
			Mode:           domain.ModeProportional,
			BudgetUsdCents: 80000,
		},
	}
}

func newPreviewService(repo *fakeRepository, source ContributionSource, prices pricefeed.Provider) *Service {
	return NewService(repo, source, prices, newFakeGateway(), newFakeContentStore(), &fakePublisher{}, nil, testLogger(), serviceConfig())
}

func TestPreview_ComputesFromSourceAndFeed(t *testing.T) {
	repo := newFakeRepository()
	repo.addContributor(domain.Contributor{ID: uuid.New(), Login: "alice", LedgerAccountID: "Galice", Active: true})
	repo.addContributor(domain.Contributor{ID: uuid.New(), Login: "bob", LedgerAccountID: "Gbob", Active: true})

	source := &fakeSource{report: &githubclient.ContributionReport{
		Counts: map[string]int{"alice": 10, "bob": 30},
		Details: map[string][]githubclient.PullRequest{
			"alice": {{Number: 1, Title: "fix parser", Additions: 40, Deletions: 8}},
		},
		DetailComplete: true,
	}}

	service := newPreviewService(repo, source, &fakePrices{price: "1"})
	preview, err := service.Preview(context.Background(), previewRequestFixture())
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}

	if preview.EligibleCount != 2 {
		t.Fatalf("expected 2 eligible contributors, got %d", preview.EligibleCount)
	}
	alice := shareByLogin(t, preview, "alice")
	bob := shareByLogin(t, preview, "bob")
	if alice.UsdCents != 20000 || bob.UsdCents != 60000 {
		t.Fatalf("expected 20000/60000 cents, got %d/%d", alice.UsdCents, bob.UsdCents)
	}
	if preview.PreviewHash == "" {
		t.Fatal("expected a preview hash")
	}
	if details := preview.Contributions["alice"]; len(details) != 1 || details[0].ChangedLines != 48 {
		t.Fatalf("expected alice's contribution detail carried over, got %+v", details)
	}
	if preview.PriceSnapshot.FeedID != "fake" {
		t.Fatalf("expected price provenance preserved, got %q", preview.PriceSnapshot.FeedID)
	}
}

func TestPreview_SourceFailureIsDegradedNotFabricated(t *testing.T) {
	repo := newFakeRepository()
	source := &fakeSource{err: &githubclient.SourceError{StatusCode: 502, Message: "bad gateway"}}

	service := newPreviewService(repo, source, &fakePrices{price: "1"})
	_, err := service.Preview(context.Background(), previewRequestFixture())

	var degraded *domain.DataSourceDegradedError
	if !errors.As(err, &degraded) {
		t.Fatalf("expected DataSourceDegradedError, got %v", err)
	}
	if degraded.Source != "github" {
		t.Fatalf("expected github named as the degraded source, got %q", degraded.Source)
	}
}

func TestPreview_PriceFeedFailureIsDegraded(t *testing.T) {
	repo := newFakeRepository()
	source := &fakeSource{report: &githubclient.ContributionReport{Counts: map[string]int{"alice": 1}}}

	service := newPreviewService(repo, source, &fakePrices{err: errors.New("feed timeout")})
	_, err := service.Preview(context.Background(), previewRequestFixture())

	var degraded *domain.DataSourceDegradedError
	if !errors.As(err, &degraded) {
		t.Fatalf("expected DataSourceDegradedError, got %v", err)
	}
	if degraded.Source != "price_feed" {
		t.Fatalf("expected price_feed named as the degraded source, got %q", degraded.Source)
	}
}

func TestPreview_RejectsInvalidPeriod(t *testing.T) {
	repo := newFakeRepository()
	service := newPreviewService(repo, &fakeSource{}, &fakePrices{price: "1"})

	req := previewRequestFixture()
	req.PeriodEnd = req.PeriodStart

	_, err := service.Preview(context.Background(), req)
	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) || inputErr.Code != "invalid_period" {
		t.Fatalf("expected invalid_period, got %v", err)
	}
}

func TestCreateRun_MaterializesEligibleShares(t *testing.T) {
	repo := newFakeRepository()
	repo.addContributor(domain.Contributor{ID: uuid.New(), Login: "alice", LedgerAccountID: "Galice", Active: true})
	source := &fakeSource{report: &githubclient.ContributionReport{
		Counts: map[string]int{"alice": 10, "ghost": 5},
	}}

	service := newPreviewService(repo, source, &fakePrices{price: "0.10"})
	preview, err := service.Preview(context.Background(), previewRequestFixture())
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}

	run, err := service.CreateRun(context.Background(), domain.CreateRunRequest{
		PreviewRequest: previewRequestFixture(),
		Preview:        preview,
	})
	if err != nil {
		t.Fatalf("CreateRun returned error: %v", err)
	}

	if run.Status != domain.RunStatusPreviewReady {
		t.Fatalf("expected preview_ready run, got %s", run.Status)
	}
	if run.PreviewHash != preview.PreviewHash {
		t.Fatal("run must carry the approved preview hash")
	}

	payouts, err := repo.FindPayoutsByRunID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("FindPayoutsByRunID returned error: %v", err)
	}
	// Only alice is registered; ghost gets no payout row.
	if len(payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(payouts))
	}
	p := payouts[0]
	if p.ContributorLogin != "alice" || p.Status != domain.PayoutStatusPending {
		t.Fatalf("unexpected payout %+v", p)
	}
	if p.IdempotencyKey != DerivePayoutKey(run.ID, p.ContributorID) {
		t.Fatal("payout key must derive from the run and contributor ids")
	}

	// The persisted rows still hash to the approved preview.
	if RunDigest(run, payouts) != preview.PreviewHash {
		t.Fatal("materialized payouts must verify against the preview hash")
	}
}

func TestCreateRun_RejectsTamperedPreview(t *testing.T) {
	repo := newFakeRepository()
	repo.addContributor(domain.Contributor{ID: uuid.New(), Login: "alice", LedgerAccountID: "Galice", Active: true})
	source := &fakeSource{report: &githubclient.ContributionReport{Counts: map[string]int{"alice": 10}}}

	service := newPreviewService(repo, source, &fakePrices{price: "1"})
	preview, err := service.Preview(context.Background(), previewRequestFixture())
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}

	for i := range preview.Shares {
		if preview.Shares[i].Eligible {
			preview.Shares[i].UsdCents += 5000
		}
	}

	_, err = service.CreateRun(context.Background(), domain.CreateRunRequest{
		PreviewRequest: previewRequestFixture(),
		Preview:        preview,
	})
	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) || inputErr.Code != "preview_hash_mismatch" {
		t.Fatalf("expected preview_hash_mismatch, got %v", err)
	}
}

func TestCancelRun_TerminalRunRejected(t *testing.T) {
	repo := newFakeRepository()
	run, payouts := buildRunFixture([]string{"alice"}, 1000)
	run.Status = domain.RunStatusCompleted
	repo.addRun(run, payouts)

	service := newPreviewService(repo, &fakeSource{}, &fakePrices{price: "1"})
	err := service.CancelRun(context.Background(), run.ID)

	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) || inputErr.Code != "run_terminal" {
		t.Fatalf("expected run_terminal, got %v", err)
	}
}

func TestCancelRun_Idempotent(t *testing.T) {
	repo := newFakeRepository()
	run, payouts := buildRunFixture([]string{"alice"}, 1000)
	repo.addRun(run, payouts)

	service := newPreviewService(repo, &fakeSource{}, &fakePrices{price: "1"})
	if err := service.CancelRun(context.Background(), run.ID); err != nil {
		t.Fatalf("first CancelRun returned error: %v", err)
	}
	if err := service.CancelRun(context.Background(), run.ID); err != nil {
		t.Fatalf("repeated CancelRun must be a no-op, got %v", err)
	}
}
