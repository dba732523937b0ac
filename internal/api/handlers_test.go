package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forgepay/payroll-service/internal/app"
	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/githubclient"
	"github.com/forgepay/payroll-service/pkg/ledgerclient"
	"github.com/forgepay/payroll-service/pkg/pricefeed"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

const testAPIKey = "test-internal-key"

// stubRepo is the minimal in-memory repository the handler tests need.
// Methods outside this set panic through the embedded nil interface.
type stubRepo struct {
	store.Repository

	mu           sync.Mutex
	runs         map[uuid.UUID]*domain.PayrollRun
	payouts      []domain.Payout
	contributors map[string]domain.Contributor
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		runs:         make(map[uuid.UUID]*domain.PayrollRun),
		contributors: make(map[string]domain.Contributor),
	}
}

func (s *stubRepo) FindRunByID(ctx context.Context, runID uuid.UUID) (*domain.PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

func (s *stubRepo) GetRunCounts(ctx context.Context, runID uuid.UUID) (*domain.RunCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := &domain.RunCounts{}
	for _, p := range s.payouts {
		if p.RunID != runID {
			continue
		}
		counts.Total++
		if p.Status == domain.PayoutStatusConfirmed {
			counts.Confirmed++
		}
	}
	return counts, nil
}

func (s *stubRepo) ListRuns(ctx context.Context, opts domain.RunListOptions) ([]domain.PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []domain.PayrollRun
	for _, run := range s.runs {
		runs = append(runs, *run)
	}
	return runs, nil
}

func (s *stubRepo) FindPayoutsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payouts []domain.Payout
	for _, p := range s.payouts {
		if p.RunID == runID {
			payouts = append(payouts, p)
		}
	}
	return payouts, nil
}

func (s *stubRepo) FindContributorsByLogins(ctx context.Context, logins []string) (map[string]domain.Contributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make(map[string]domain.Contributor)
	for _, login := range logins {
		if c, ok := s.contributors[login]; ok {
			found[login] = c
		}
	}
	return found, nil
}

func (s *stubRepo) CreateRunWithPayouts(ctx context.Context, run *domain.PayrollRun, payouts []domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runCopy := *run
	s.runs[run.ID] = &runCopy
	s.payouts = append(s.payouts, payouts...)
	return nil
}

func (s *stubRepo) UpsertContributor(ctx context.Context, req domain.UpsertContributorRequest) (*domain.Contributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	c := domain.Contributor{
		ID:              uuid.New(),
		Login:           req.Login,
		LedgerAccountID: req.LedgerAccountID,
		Active:          active,
	}
	s.contributors[c.Login] = c
	return &c, nil
}

func (s *stubRepo) ListContributors(ctx context.Context) ([]domain.Contributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var contributors []domain.Contributor
	for _, c := range s.contributors {
		contributors = append(contributors, c)
	}
	return contributors, nil
}

type stubSource struct {
	counts map[string]int
}

func (s *stubSource) MergedPullRequests(ctx context.Context, owner, repo string, start, end time.Time) (*githubclient.ContributionReport, error) {
	return &githubclient.ContributionReport{Counts: s.counts}, nil
}

type stubPrices struct{}

func (stubPrices) Name() string { return "stub" }

func (stubPrices) FetchPrice(ctx context.Context, assetSymbol string) (*pricefeed.Quote, error) {
	return &pricefeed.Quote{
		AssetSymbol: assetSymbol,
		UsdPrice:    decimal.RequireFromString("1"),
		FeedID:      "stub",
		AsOf:        time.Now().UTC(),
	}, nil
}

// recordingPublisher captures run execute commands so Execute never falls
// back to inline execution during handler tests.
type recordingPublisher struct {
	mu     sync.Mutex
	queued []uuid.UUID
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishRunExecute(ctx context.Context, msg rabbitmq.RunExecuteMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, msg.RunID)
	return nil
}

func (p *recordingPublisher) Close() {}

func newTestServer(repo *stubRepo, publisher *recordingPublisher) *httptest.Server {
	cfg := config.Config{
		AssetSymbol:           "XLM",
		AssetDecimals:         7,
		ExecutionWorkers:      1,
		GatewayTimeoutSeconds: 5,
		InternalAPIKey:        testAPIKey,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := app.NewService(
		repo,
		&stubSource{counts: map[string]int{"alice": 10, "bob": 30}},
		stubPrices{},
		ledgerclient.NewClient("http://gateway.invalid", "k"),
		nil,
		publisher,
		nil,
		logger,
		cfg,
	)
	handlers := NewPayrollHandlers(service, logger)
	return httptest.NewServer(PayrollRoutes(handlers, testAPIKey))
}

func doRequest(t *testing.T, method, url string, body interface{}, apiKey string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("X-Internal-Api-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func previewRequestBody() domain.PreviewRequest {
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

func TestRoutes_RejectWithoutInternalKey(t *testing.T) {
	server := newTestServer(newStubRepo(), &recordingPublisher{})
	defer server.Close()

	cases := []struct {
		name string
		key  string
	}{
		{name: "missing key", key: ""},
		{name: "wrong key", key: "not-the-key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, server.URL+"/internal/payroll/runs", nil, tc.key)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
		})
	}
}

func TestHealthEndpoint_Unauthenticated(t *testing.T) {
	server := newTestServer(newStubRepo(), &recordingPublisher{})
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/health", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPreviewEndpoint_ReturnsDistribution(t *testing.T) {
	repo := newStubRepo()
	repo.contributors["alice"] = domain.Contributor{ID: uuid.New(), Login: "alice", LedgerAccountID: "Galice", Active: true}
	repo.contributors["bob"] = domain.Contributor{ID: uuid.New(), Login: "bob", LedgerAccountID: "Gbob", Active: true}
	server := newTestServer(repo, &recordingPublisher{})
	defer server.Close()

	resp := doRequest(t, http.MethodPost, server.URL+"/internal/payroll/previews", previewRequestBody(), testAPIKey)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var preview domain.DistributionPreview
	if err := json.NewDecoder(resp.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.EligibleCount != 2 {
		t.Fatalf("expected 2 eligible contributors, got %d", preview.EligibleCount)
	}
	if preview.PreviewHash == "" {
		t.Fatal("expected a preview hash in the response")
	}
}

func TestPreviewEndpoint_InvalidPolicyIs400(t *testing.T) {
	server := newTestServer(newStubRepo(), &recordingPublisher{})
	defer server.Close()

	body := previewRequestBody()
	body.Policy.BudgetUsdCents = 0

	resp := doRequest(t, http.MethodPost, server.URL+"/internal/payroll/previews", body, testAPIKey)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["code"] != "invalid_budget" {
		t.Fatalf("expected invalid_budget code, got %q", payload["code"])
	}
}

func TestCreateAndExecuteRunFlow(t *testing.T) {
	repo := newStubRepo()
	repo.contributors["alice"] = domain.Contributor{ID: uuid.New(), Login: "alice", LedgerAccountID: "Galice", Active: true}
	repo.contributors["bob"] = domain.Contributor{ID: uuid.New(), Login: "bob", LedgerAccountID: "Gbob", Active: true}
	publisher := &recordingPublisher{}
	server := newTestServer(repo, publisher)
	defer server.Close()

	previewResp := doRequest(t, http.MethodPost, server.URL+"/internal/payroll/previews", previewRequestBody(), testAPIKey)
	var preview domain.DistributionPreview
	if err := json.NewDecoder(previewResp.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	previewResp.Body.Close()

	createResp := doRequest(t, http.MethodPost, server.URL+"/internal/payroll/runs", domain.CreateRunRequest{
		PreviewRequest: previewRequestBody(),
		Preview:        &preview,
	}, testAPIKey)
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", createResp.StatusCode)
	}

	var created struct {
		Run domain.PayrollRun `json:"run"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if created.Run.Status != domain.RunStatusPreviewReady {
		t.Fatalf("expected preview_ready, got %s", created.Run.Status)
	}

	execResp := doRequest(t, http.MethodPost, server.URL+"/internal/payroll/runs/"+created.Run.ID.String()+"/execute", nil, testAPIKey)
	defer execResp.Body.Close()
	if execResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", execResp.StatusCode)
	}

	publisher.mu.Lock()
	queued := len(publisher.queued)
	publisher.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected the run enqueued exactly once, got %d", queued)
	}
}

func TestGetRun_UnknownIs404(t *testing.T) {
	server := newTestServer(newStubRepo(), &recordingPublisher{})
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/internal/payroll/runs/"+uuid.NewString(), nil, testAPIKey)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetRun_MalformedIDIs400(t *testing.T) {
	server := newTestServer(newStubRepo(), &recordingPublisher{})
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/internal/payroll/runs/not-a-uuid", nil, testAPIKey)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUpsertContributor_Validates(t *testing.T) {
	server := newTestServer(newStubRepo(), &recordingPublisher{})
	defer server.Close()

	resp := doRequest(t, http.MethodPut, server.URL+"/internal/payroll/contributors", domain.UpsertContributorRequest{
		Login: "alice",
	}, testAPIKey)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing ledger account, got %d", resp.StatusCode)
	}

	okResp := doRequest(t, http.MethodPut, server.URL+"/internal/payroll/contributors", domain.UpsertContributorRequest{
		Login:           "alice",
		LedgerAccountID: "Galice",
	}, testAPIKey)
	defer okResp.Body.Close()
	if okResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", okResp.StatusCode)
	}

	var contributor domain.Contributor
	if err := json.NewDecoder(okResp.Body).Decode(&contributor); err != nil {
		t.Fatalf("decode contributor: %v", err)
	}
	if !contributor.Active {
		t.Fatal("expected contributor active by default")
	}
}
