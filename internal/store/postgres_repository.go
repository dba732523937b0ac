/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * backing payroll runs, payouts, artifacts, and the contributor registry.
 *
 * Expected tables (schema is owned by the deployment pipeline):
 *
 *   contributors(id uuid pk, login text unique, ledger_account_id text,
 *     active bool, created_at, updated_at)
 *
 *   payroll_runs(id uuid pk, repo_owner text, repo_name text, period_start,
 *     period_end, creator_login text, policy_mode text, budget_usd_cents bigint,
 *     min_contribution_threshold int, max_share_cap text, asset_symbol text,
 *     usd_price text, price_feed_id text, price_captured_at, asset_decimals int,
 *     status text, preview_hash text, residual_usd_cents bigint,
 *     cancel_requested bool, failure_reason text, started_at, finished_at,
 *     created_at, updated_at)
 *
 *   payouts(id uuid pk, run_id uuid fk, contributor_id uuid, contributor_login
 *     text, ledger_account_id text, idempotency_key text unique,
 *     contribution_count int, share_ratio text, usd_cents bigint,
 *     native_amount bigint, status text, settlement_tx_id text, error_code text,
 *     error_message text, attempt_count int, created_at, updated_at)
 *
 *   artifacts(id uuid pk, run_id uuid fk, contributor_id uuid null, kind text,
 *     content_id text, checksum text, verified bool, created_at,
 *     unique(run_id, contributor_id, kind))
 *
 * Decimal values (share ratios, prices, the share cap) are persisted as text
 * so they round-trip exactly; they are parsed back into decimal.Decimal on
 * the way out.
 *
 * @dependencies
 * - context, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact parsing of persisted ratios/prices.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forgepay/payroll-service/internal/domain"
)

var (
	ErrContributorNotFound = errors.New("contributor not found")
	ErrRunNotFound         = errors.New("payroll run not found")
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrDuplicateRunPayouts = errors.New("a payout with the same idempotency key already exists")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// --- Contributor registry ---

// UpsertContributor registers a contributor's settlement account, or updates
// it when the login is already known.
func (r *PostgresRepository) UpsertContributor(ctx context.Context, req domain.UpsertContributorRequest) (*domain.Contributor, error) {
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	query := `
		INSERT INTO contributors (id, login, ledger_account_id, active, created_at, updated_at)
		VALUES ($1, lower(btrim($2)), $3, $4, NOW(), NOW())
		ON CONFLICT (login)
		DO UPDATE SET
			ledger_account_id = EXCLUDED.ledger_account_id,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, login, ledger_account_id, active, created_at, updated_at
	`

	var c domain.Contributor
	err := r.db.QueryRow(ctx, query, uuid.New(), req.Login, strings.TrimSpace(req.LedgerAccountID), active).Scan(
		&c.ID, &c.Login, &c.LedgerAccountID, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contributor: %w", err)
	}
	return &c, nil
}

// FindContributorByLogin retrieves a contributor by their forge login.
func (r *PostgresRepository) FindContributorByLogin(ctx context.Context, login string) (*domain.Contributor, error) {
	query := `
		SELECT id, login, ledger_account_id, active, created_at, updated_at
		FROM contributors
		WHERE login = lower(btrim($1))
	`
	var c domain.Contributor
	err := r.db.QueryRow(ctx, query, login).Scan(&c.ID, &c.Login, &c.LedgerAccountID, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrContributorNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindContributorsByLogins resolves a batch of logins to their registered
// settlement identities. Unknown logins are simply absent from the result.
func (r *PostgresRepository) FindContributorsByLogins(ctx context.Context, logins []string) (map[string]domain.Contributor, error) {
	result := make(map[string]domain.Contributor, len(logins))
	if len(logins) == 0 {
		return result, nil
	}

	normalized := make([]string, 0, len(logins))
	for _, login := range logins {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(login)))
	}

	query := `
		SELECT id, login, ledger_account_id, active, created_at, updated_at
		FROM contributors
		WHERE login = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, normalized)
	if err != nil {
		return nil, fmt.Errorf("find contributors by logins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c domain.Contributor
		if err := rows.Scan(&c.ID, &c.Login, &c.LedgerAccountID, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result[c.Login] = c
	}
	return result, rows.Err()
}

// ListContributors returns every registered contributor.
func (r *PostgresRepository) ListContributors(ctx context.Context) ([]domain.Contributor, error) {
	query := `
		SELECT id, login, ledger_account_id, active, created_at, updated_at
		FROM contributors
		ORDER BY login ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contributors []domain.Contributor
	for rows.Next() {
		var c domain.Contributor
		if err := rows.Scan(&c.ID, &c.Login, &c.LedgerAccountID, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contributors = append(contributors, c)
	}
	return contributors, rows.Err()
}

// --- Payroll runs ---

// CreateRunWithPayouts persists an accepted preview as a run plus its pending
// payouts in a single transaction, so a half-materialized run can never be
// observed.
func (r *PostgresRepository) CreateRunWithPayouts(ctx context.Context, run *domain.PayrollRun, payouts []domain.Payout) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create run tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runQuery := `
		INSERT INTO payroll_runs (
			id, repo_owner, repo_name, period_start, period_end, creator_login,
			policy_mode, budget_usd_cents, min_contribution_threshold, max_share_cap,
			asset_symbol, usd_price, price_feed_id, price_captured_at, asset_decimals,
			status, preview_hash, residual_usd_cents, cancel_requested,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, false, NOW(), NOW())
	`
	_, err = tx.Exec(ctx, runQuery,
		run.ID,
		run.RepoOwner,
		run.RepoName,
		run.PeriodStart,
		run.PeriodEnd,
		run.CreatorLogin,
		string(run.Policy.Mode),
		run.Policy.BudgetUsdCents,
		run.Policy.MinContributionThreshold,
		run.Policy.MaxShareCap.String(),
		run.PriceSnapshot.AssetSymbol,
		run.PriceSnapshot.UsdPrice.String(),
		run.PriceSnapshot.FeedID,
		run.PriceSnapshot.CapturedAt,
		run.AssetDecimals,
		string(run.Status),
		run.PreviewHash,
		run.ResidualUsdCents,
	)
	if err != nil {
		return fmt.Errorf("insert payroll run: %w", err)
	}

	payoutQuery := `
		INSERT INTO payouts (
			id, run_id, contributor_id, contributor_login, ledger_account_id,
			idempotency_key, contribution_count, share_ratio, usd_cents,
			native_amount, status, attempt_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, NOW(), NOW())
	`
	for i := range payouts {
		p := &payouts[i]
		_, err = tx.Exec(ctx, payoutQuery,
			p.ID,
			p.RunID,
			p.ContributorID,
			p.ContributorLogin,
			p.LedgerAccountID,
			p.IdempotencyKey,
			p.ContributionCount,
			p.ShareRatio.StringFixed(12),
			p.UsdCents,
			p.NativeAmount,
			string(p.Status),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateRunPayouts
			}
			return fmt.Errorf("insert payout for %s: %w", p.ContributorLogin, err)
		}
	}

	return tx.Commit(ctx)
}

const runColumns = `
	id, repo_owner, repo_name, period_start, period_end, creator_login,
	policy_mode, budget_usd_cents, min_contribution_threshold, max_share_cap,
	asset_symbol, usd_price, price_feed_id, price_captured_at, asset_decimals,
	status, preview_hash, residual_usd_cents, cancel_requested, failure_reason,
	started_at, finished_at, created_at, updated_at
`

func scanRun(row pgx.Row) (*domain.PayrollRun, error) {
	var (
		run         domain.PayrollRun
		mode        string
		status      string
		maxShareCap string
		usdPrice    string
	)
	err := row.Scan(
		&run.ID, &run.RepoOwner, &run.RepoName, &run.PeriodStart, &run.PeriodEnd, &run.CreatorLogin,
		&mode, &run.Policy.BudgetUsdCents, &run.Policy.MinContributionThreshold, &maxShareCap,
		&run.PriceSnapshot.AssetSymbol, &usdPrice, &run.PriceSnapshot.FeedID, &run.PriceSnapshot.CapturedAt, &run.AssetDecimals,
		&status, &run.PreviewHash, &run.ResidualUsdCents, &run.CancelRequested, &run.FailureReason,
		&run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Policy.Mode = domain.DistributionMode(mode)
	run.Status = domain.RunStatus(status)
	if run.Policy.MaxShareCap, err = decimal.NewFromString(maxShareCap); err != nil {
		return nil, fmt.Errorf("parse persisted share cap %q: %w", maxShareCap, err)
	}
	if run.PriceSnapshot.UsdPrice, err = decimal.NewFromString(usdPrice); err != nil {
		return nil, fmt.Errorf("parse persisted usd price %q: %w", usdPrice, err)
	}
	return &run, nil
}

// FindRunByID retrieves a payroll run by its ID.
func (r *PostgresRepository) FindRunByID(ctx context.Context, runID uuid.UUID) (*domain.PayrollRun, error) {
	query := `SELECT ` + runColumns + ` FROM payroll_runs WHERE id = $1`
	run, err := scanRun(r.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs ordered newest first, optionally filtered by status
// and repository ("owner/name").
func (r *PostgresRepository) ListRuns(ctx context.Context, opts domain.RunListOptions) ([]domain.PayrollRun, error) {
	query, args := buildRunListQuery(opts)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.PayrollRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// buildRunListQuery assembles the filtered, paginated run listing query.
func buildRunListQuery(opts domain.RunListOptions) (string, []interface{}) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + runColumns + ` FROM payroll_runs`
	var conditions []string
	var args []interface{}

	if status := strings.ToLower(strings.TrimSpace(opts.Status)); status != "" {
		args = append(args, status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if repo := strings.TrimSpace(opts.Repo); repo != "" {
		parts := strings.SplitN(repo, "/", 2)
		if len(parts) == 2 {
			args = append(args, parts[0])
			conditions = append(conditions, fmt.Sprintf("repo_owner = $%d", len(args)))
			args = append(args, parts[1])
			conditions = append(conditions, fmt.Sprintf("repo_name = $%d", len(args)))
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	return query, args
}

// MarkRunExecuting claims the preview_ready -> executing transition.
func (r *PostgresRepository) MarkRunExecuting(ctx context.Context, runID uuid.UUID) (bool, error) {
	query := `
		UPDATE payroll_runs
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, runID, string(domain.RunStatusExecuting), string(domain.RunStatusPreviewReady))
	if err != nil {
		return false, fmt.Errorf("mark run executing: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RequestRunCancellation flags an executing run so the orchestrator stops
// claiming new payouts. In-flight attempts still resolve to a terminal state.
func (r *PostgresRepository) RequestRunCancellation(ctx context.Context, runID uuid.UUID) (bool, error) {
	query := `
		UPDATE payroll_runs
		SET cancel_requested = true, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`
	result, err := r.db.Exec(ctx, query, runID, string(domain.RunStatusPreviewReady), string(domain.RunStatusExecuting))
	if err != nil {
		return false, fmt.Errorf("request run cancellation: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// IsRunCancelRequested reads the cancellation flag.
func (r *PostgresRepository) IsRunCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var cancelRequested bool
	err := r.db.QueryRow(ctx, `SELECT cancel_requested FROM payroll_runs WHERE id = $1`, runID).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, err
	}
	return cancelRequested, nil
}

// FinalizeRun moves an executing run to a terminal status, setting
// finished_at exactly once.
func (r *PostgresRepository) FinalizeRun(ctx context.Context, runID uuid.UUID, status domain.RunStatus, failureReason *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize run called with non-terminal status %q", status)
	}
	query := `
		UPDATE payroll_runs
		SET status = $2, failure_reason = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4 AND finished_at IS NULL
	`
	result, err := r.db.Exec(ctx, query, runID, string(status), failureReason, string(domain.RunStatusExecuting))
	if err != nil {
		return false, fmt.Errorf("finalize run: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetRunCounts aggregates payout states for a run.
func (r *PostgresRepository) GetRunCounts(ctx context.Context, runID uuid.UUID) (*domain.RunCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'submitted'),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM payouts
		WHERE run_id = $1
	`
	var counts domain.RunCounts
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&counts.Total, &counts.Pending, &counts.Submitted, &counts.Confirmed, &counts.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("get run counts: %w", err)
	}
	return &counts, nil
}

// --- Payouts ---

const payoutColumns = `
	id, run_id, contributor_id, contributor_login, ledger_account_id,
	idempotency_key, contribution_count, share_ratio, usd_cents, native_amount,
	status, settlement_tx_id, error_code, error_message, attempt_count,
	created_at, updated_at
`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var (
		p          domain.Payout
		shareRatio string
		status     string
	)
	err := row.Scan(
		&p.ID, &p.RunID, &p.ContributorID, &p.ContributorLogin, &p.LedgerAccountID,
		&p.IdempotencyKey, &p.ContributionCount, &shareRatio, &p.UsdCents, &p.NativeAmount,
		&status, &p.SettlementTxID, &p.ErrorCode, &p.ErrorMessage, &p.AttemptCount,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PayoutStatus(status)
	if p.ShareRatio, err = decimal.NewFromString(shareRatio); err != nil {
		return nil, fmt.Errorf("parse persisted share ratio %q: %w", shareRatio, err)
	}
	return &p, nil
}

// FindPayoutsByRunID returns every payout of a run, ordered by contributor
// login for deterministic processing and reporting.
func (r *PostgresRepository) FindPayoutsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE run_id = $1 ORDER BY contributor_login ASC`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("find payouts by run: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// FindPayoutByIdempotencyKey retrieves a payout by its unique idempotency key.
func (r *PostgresRepository) FindPayoutByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE idempotency_key = $1`
	p, err := scanPayout(r.db.QueryRow(ctx, query, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return p, nil
}

// IncrementPayoutAttempt bumps the attempt counter for a retry within the
// same submission claim.
func (r *PostgresRepository) IncrementPayoutAttempt(ctx context.Context, payoutID uuid.UUID) error {
	query := `UPDATE payouts SET attempt_count = attempt_count + 1, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, payoutID)
	return err
}

// MarkPayoutConfirmed records gateway success. The guard on the submitted
// status means a payout can be confirmed at most once even when two workers
// race on the same row.
func (r *PostgresRepository) MarkPayoutConfirmed(ctx context.Context, payoutID uuid.UUID, settlementTxID string) (bool, error) {
	query := `
		UPDATE payouts
		SET status = $2, settlement_tx_id = $3, error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, payoutID, string(domain.PayoutStatusConfirmed), settlementTxID, string(domain.PayoutStatusSubmitted))
	if err != nil {
		return false, fmt.Errorf("mark payout confirmed: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkPayoutFailed records a structured failure after retries were exhausted
// or a non-retryable rejection.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, errorCode, errorMessage string) (bool, error) {
	query := `
		UPDATE payouts
		SET status = $2, error_code = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	result, err := r.db.Exec(ctx, query, payoutID, string(domain.PayoutStatusFailed), errorCode, errorMessage, string(domain.PayoutStatusSubmitted))
	if err != nil {
		return false, fmt.Errorf("mark payout failed: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReturnPayoutToPending releases a submitted payout back for a later attempt.
func (r *PostgresRepository) ReturnPayoutToPending(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	query := `
		UPDATE payouts
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, payoutID, string(domain.PayoutStatusPending), string(domain.PayoutStatusSubmitted))
	if err != nil {
		return false, fmt.Errorf("return payout to pending: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// FindStaleSubmittedPayouts returns payouts stuck in submitted since before
// the given time, for the reconciliation job.
func (r *PostgresRepository) FindStaleSubmittedPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(domain.PayoutStatusSubmitted), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale submitted payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// --- Artifacts ---

// CreateArtifact persists a write-once artifact record. Re-emission after a
// failed or unverified attempt upserts by (run, contributor, kind); a
// verified artifact is never overwritten.
func (r *PostgresRepository) CreateArtifact(ctx context.Context, artifact *domain.Artifact) error {
	query := `
		INSERT INTO artifacts (id, run_id, contributor_id, kind, content_id, checksum, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (run_id, contributor_id, kind)
		DO UPDATE SET
			content_id = EXCLUDED.content_id,
			checksum = EXCLUDED.checksum,
			verified = EXCLUDED.verified
		WHERE artifacts.verified = false
	`
	_, err := r.db.Exec(ctx, query,
		artifact.ID,
		artifact.RunID,
		artifact.ContributorID,
		string(artifact.Kind),
		artifact.ContentID,
		artifact.Checksum,
		artifact.Verified,
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

// ListArtifactsByRunID returns all artifacts recorded for a run.
func (r *PostgresRepository) ListArtifactsByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	query := `
		SELECT id, run_id, contributor_id, kind, content_id, checksum, verified, created_at
		FROM artifacts
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		var (
			a    domain.Artifact
			kind string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.ContributorID, &kind, &a.ContentID, &a.Checksum, &a.Verified, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = domain.ArtifactKind(kind)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// FindConfirmedPayoutsMissingVerifiedArtifact returns confirmed payouts that
// have no verified payslip yet, for the artifact repair job.
func (r *PostgresRepository) FindConfirmedPayoutsMissingVerifiedArtifact(ctx context.Context, limit int) ([]domain.Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status = $1
		  AND NOT EXISTS (
			SELECT 1 FROM artifacts a
			WHERE a.run_id = payouts.run_id
			  AND a.contributor_id = payouts.contributor_id
			  AND a.kind = $2
			  AND a.verified = true
		  )
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(domain.PayoutStatusConfirmed), string(domain.ArtifactKindPayslip), limit)
	if err != nil {
		return nil, fmt.Errorf("find payouts missing artifacts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// FindTerminalRunsMissingSummaryArtifact returns terminal runs that have no
// run-level summary artifact yet.
func (r *PostgresRepository) FindTerminalRunsMissingSummaryArtifact(ctx context.Context, limit int) ([]domain.PayrollRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT ` + runColumns + `
		FROM payroll_runs
		WHERE status IN ($1, $2, $3)
		  AND NOT EXISTS (
			SELECT 1 FROM artifacts a
			WHERE a.run_id = payroll_runs.id
			  AND a.contributor_id IS NULL
			  AND a.kind = $4
		  )
		ORDER BY finished_at ASC
		LIMIT $5
	`
	rows, err := r.db.Query(ctx, query,
		string(domain.RunStatusCompleted),
		string(domain.RunStatusPartiallyCompleted),
		string(domain.RunStatusFailed),
		string(domain.ArtifactKindRunSummary),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find runs missing summary artifact: %w", err)
	}
	defer rows.Close()

	var runs []domain.PayrollRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
