/**
 * @description
 * The artifact emitter renders deterministic, human-readable settlement
 * records — a payslip per confirmed payout and a run-level summary — and
 * uploads them to the content-addressed store. The recorded content ID plus
 * checksum make every settled amount independently verifiable later.
 *
 * Emission is deliberately isolated from settlement: a failed upload is
 * logged, counted, and retried by the repair job, but it never rolls back or
 * retries the underlying payment.
 */

package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/metrics"
	"github.com/forgepay/payroll-service/internal/store"
)

// ContentStore is the slice of the content-addressed store client the
// emitter needs.
type ContentStore interface {
	Add(ctx context.Context, name string, data []byte) (string, error)
	Cat(ctx context.Context, cid string) ([]byte, error)
}

// ArtifactEmitter uploads settlement records and persists their pointers.
type ArtifactEmitter struct {
	repo   store.Repository
	cas    ContentStore
	verify bool
	logger *slog.Logger
}

// NewArtifactEmitter creates an emitter. With verify enabled, every upload
// is fetched back by content ID and checksum-compared before the artifact is
// marked verified.
func NewArtifactEmitter(repo store.Repository, cas ContentStore, verify bool, logger *slog.Logger) *ArtifactEmitter {
	return &ArtifactEmitter{repo: repo, cas: cas, verify: verify, logger: logger}
}

// payslipDocument is the canonical per-contributor settlement record.
type payslipDocument struct {
	Document         string `json:"document"`
	RunID            string `json:"run_id"`
	Repository       string `json:"repository"`
	PeriodStart      string `json:"period_start"`
	PeriodEnd        string `json:"period_end"`
	ContributorLogin string `json:"contributor_login"`
	ContributorID    string `json:"contributor_id"`
	LedgerAccountID  string `json:"ledger_account_id"`
	Contributions    int    `json:"contributions"`
	ShareRatio       string `json:"share_ratio"`
	UsdAmount        string `json:"usd_amount"`
	AssetSymbol      string `json:"asset_symbol"`
	NativeAmount     int64  `json:"native_amount"`
	AssetDecimals    int    `json:"asset_decimals"`
	UsdPrice         string `json:"usd_price"`
	PriceFeedID      string `json:"price_feed_id"`
	SettlementTxID   string `json:"settlement_tx_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	PreviewHash      string `json:"preview_hash"`
}

type summaryLine struct {
	ContributorLogin string `json:"contributor_login"`
	Contributions    int    `json:"contributions"`
	ShareRatio       string `json:"share_ratio"`
	UsdAmount        string `json:"usd_amount"`
	NativeAmount     int64  `json:"native_amount"`
	Status           string `json:"status"`
	SettlementTxID   string `json:"settlement_tx_id,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
}

// runSummaryDocument is the canonical run-level settlement record.
type runSummaryDocument struct {
	Document         string        `json:"document"`
	RunID            string        `json:"run_id"`
	Repository       string        `json:"repository"`
	PeriodStart      string        `json:"period_start"`
	PeriodEnd        string        `json:"period_end"`
	Status           string        `json:"status"`
	PolicyMode       string        `json:"policy_mode"`
	BudgetUsd        string        `json:"budget_usd"`
	ResidualUsd      string        `json:"residual_usd"`
	AssetSymbol      string        `json:"asset_symbol"`
	UsdPrice         string        `json:"usd_price"`
	PriceFeedID      string        `json:"price_feed_id"`
	PreviewHash      string        `json:"preview_hash"`
	Payouts          []summaryLine `json:"payouts"`
	ConfirmedPayouts int           `json:"confirmed_payouts"`
	FailedPayouts    int           `json:"failed_payouts"`
}

func usdString(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimalHundred).StringFixed(2)
}

// EmitPayslip uploads the settlement record for one confirmed payout.
func (e *ArtifactEmitter) EmitPayslip(ctx context.Context, run *domain.PayrollRun, payout *domain.Payout) (*domain.Artifact, error) {
	txID := ""
	if payout.SettlementTxID != nil {
		txID = *payout.SettlementTxID
	}
	doc := payslipDocument{
		Document:         "payslip",
		RunID:            run.ID.String(),
		Repository:       run.RepoOwner + "/" + run.RepoName,
		PeriodStart:      run.PeriodStart.UTC().Format("2006-01-02"),
		PeriodEnd:        run.PeriodEnd.UTC().Format("2006-01-02"),
		ContributorLogin: payout.ContributorLogin,
		ContributorID:    payout.ContributorID.String(),
		LedgerAccountID:  payout.LedgerAccountID,
		Contributions:    payout.ContributionCount,
		ShareRatio:       payout.ShareRatio.StringFixed(ratioScale),
		UsdAmount:        usdString(payout.UsdCents),
		AssetSymbol:      run.PriceSnapshot.AssetSymbol,
		NativeAmount:     payout.NativeAmount,
		AssetDecimals:    run.AssetDecimals,
		UsdPrice:         run.PriceSnapshot.UsdPrice.String(),
		PriceFeedID:      run.PriceSnapshot.FeedID,
		SettlementTxID:   txID,
		IdempotencyKey:   payout.IdempotencyKey,
		PreviewHash:      run.PreviewHash,
	}

	name := fmt.Sprintf("payslip-%s-%s.json", run.ID, payout.ContributorLogin)
	contributorID := payout.ContributorID
	return e.emit(ctx, run.ID, &contributorID, domain.ArtifactKindPayslip, name, doc)
}

// EmitRunSummary uploads the run-level settlement record covering every
// payout, the residual, and the preview hash.
func (e *ArtifactEmitter) EmitRunSummary(ctx context.Context, run *domain.PayrollRun, payouts []domain.Payout) (*domain.Artifact, error) {
	doc := runSummaryDocument{
		Document:    "run_summary",
		RunID:       run.ID.String(),
		Repository:  run.RepoOwner + "/" + run.RepoName,
		PeriodStart: run.PeriodStart.UTC().Format("2006-01-02"),
		PeriodEnd:   run.PeriodEnd.UTC().Format("2006-01-02"),
		Status:      string(run.Status),
		PolicyMode:  string(run.Policy.Mode),
		BudgetUsd:   usdString(run.Policy.BudgetUsdCents),
		ResidualUsd: usdString(run.ResidualUsdCents),
		AssetSymbol: run.PriceSnapshot.AssetSymbol,
		UsdPrice:    run.PriceSnapshot.UsdPrice.String(),
		PriceFeedID: run.PriceSnapshot.FeedID,
		PreviewHash: run.PreviewHash,
	}
	for _, p := range payouts {
		line := summaryLine{
			ContributorLogin: p.ContributorLogin,
			Contributions:    p.ContributionCount,
			ShareRatio:       p.ShareRatio.StringFixed(ratioScale),
			UsdAmount:        usdString(p.UsdCents),
			NativeAmount:     p.NativeAmount,
			Status:           string(p.Status),
		}
		if p.SettlementTxID != nil {
			line.SettlementTxID = *p.SettlementTxID
		}
		if p.ErrorCode != nil {
			line.ErrorCode = *p.ErrorCode
		}
		switch p.Status {
		case domain.PayoutStatusConfirmed:
			doc.ConfirmedPayouts++
		case domain.PayoutStatusFailed:
			doc.FailedPayouts++
		}
		doc.Payouts = append(doc.Payouts, line)
	}

	name := fmt.Sprintf("run-summary-%s.json", run.ID)
	return e.emit(ctx, run.ID, nil, domain.ArtifactKindRunSummary, name, doc)
}

func (e *ArtifactEmitter) emit(ctx context.Context, runID uuid.UUID, contributorID *uuid.UUID, kind domain.ArtifactKind, name string, doc interface{}) (*domain.Artifact, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", kind, err)
	}

	checksum := sha256.Sum256(data)
	cid, err := e.cas.Add(ctx, name, data)
	if err != nil {
		metrics.ArtifactsEmitted.WithLabelValues(string(kind), "false").Inc()
		return nil, fmt.Errorf("upload %s: %w", kind, err)
	}

	verified := false
	if e.verify {
		fetched, fetchErr := e.cas.Cat(ctx, cid)
		if fetchErr != nil {
			e.logger.Warn("artifact verification fetch failed", "kind", kind, "run_id", runID, "content_id", cid, "error", fetchErr)
		} else if bytes.Equal(fetched, data) {
			verified = true
		} else {
			e.logger.Warn("artifact verification mismatch", "kind", kind, "run_id", runID, "content_id", cid)
		}
	}

	artifact := &domain.Artifact{
		ID:            uuid.New(),
		RunID:         runID,
		ContributorID: contributorID,
		Kind:          kind,
		ContentID:     cid,
		Checksum:      hex.EncodeToString(checksum[:]),
		Verified:      verified,
	}
	if err := e.repo.CreateArtifact(ctx, artifact); err != nil {
		metrics.ArtifactsEmitted.WithLabelValues(string(kind), strconv.FormatBool(verified)).Inc()
		return nil, fmt.Errorf("record %s artifact: %w", kind, err)
	}

	metrics.ArtifactsEmitted.WithLabelValues(string(kind), strconv.FormatBool(verified)).Inc()
	e.logger.Info("artifact emitted", "kind", kind, "run_id", runID, "content_id", cid, "verified", verified)
	return artifact, nil
}
