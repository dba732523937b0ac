/**
 * @description
 * Typed error taxonomy for the payroll-service. Callers branch on these with
 * errors.As / errors.Is instead of matching message strings.
 *
 * Ineligibility is not part of this taxonomy: a contributor below threshold
 * or without a registered account is reported on their ContributorShare, not
 * returned as an error.
 */

package domain

import "fmt"

// InputError marks structurally invalid input (malformed policy, empty
// contributor set). Nothing is persisted when one is returned.
type InputError struct {
	Code    string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input (%s): %s", e.Code, e.Message)
}

// NewInputError builds an InputError with a machine-readable code.
func NewInputError(code, format string, args ...any) *InputError {
	return &InputError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrNoEligibleContributors is returned when no contributor survives
// eligibility filtering, including the equal-mode fallback.
var ErrNoEligibleContributors = &InputError{
	Code:    "no_eligible_contributors",
	Message: "no contributor is eligible for a payout under the supplied policy",
}

// ConsistencyError marks a state the engine must never repair silently: an
// idempotency key that maps to a different amount than expected, or a run
// whose payout rows no longer hash to the approved preview. The run is
// marked failed and an operator has to intervene.
type ConsistencyError struct {
	RunID   string
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on run %s: %s", e.RunID, e.Message)
}

// DataSourceDegradedError reports that the contribution source returned an
// error or a payload we refuse to interpret. The preview fails with this
// error; counts are never fabricated to paper over it.
type DataSourceDegradedError struct {
	Source string
	Err    error
}

func (e *DataSourceDegradedError) Error() string {
	return fmt.Sprintf("data source %s degraded: %v", e.Source, e.Err)
}

func (e *DataSourceDegradedError) Unwrap() error { return e.Err }
