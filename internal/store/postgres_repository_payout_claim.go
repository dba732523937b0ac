package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forgepay/payroll-service/internal/domain"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ClaimPayoutForSubmission is the conditional claim write guarding the
// critical section of settlement. A payout can be claimed while pending (the
// normal path) or failed (a targeted retry after the cause was fixed); the
// status filter plus RowsAffected makes the claim exclusive, so two workers
// racing on the same payout resolve to exactly one submission attempt.
//
// The status change and the attempt increment are one atomic write, never a
// read-modify-write split across two calls.
func (r *PostgresRepository) ClaimPayoutForSubmission(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	query := `
		UPDATE payouts
		SET status = $2, attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`
	result, err := r.db.Exec(ctx, query,
		payoutID,
		string(domain.PayoutStatusSubmitted),
		string(domain.PayoutStatusPending),
		string(domain.PayoutStatusFailed),
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}
