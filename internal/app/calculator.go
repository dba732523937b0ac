/**
 * @description
 * The distribution calculator: a pure function turning per-contributor
 * contribution counts, a policy, and a price snapshot into a deterministic
 * DistributionPreview. No I/O, no clock, no randomness — the same inputs
 * always yield the same split, which is what makes a preview verifiable
 * against the run that later executes it.
 *
 * Arithmetic runs on shopspring/decimal. Ratios are held at scale 12;
 * monetary rounding is round-half-up, applied uniformly. Whatever rounding
 * leaves over is reported as an explicit residual, never silently dropped.
 */

package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/forgepay/payroll-service/internal/domain"
)

const (
	// ratioScale is the fixed scale share ratios are reported and persisted at.
	ratioScale = 12
	// workScale is the precision used for intermediate divisions before the
	// final truncation to ratioScale.
	workScale = 24
	// maxCapIterations bounds the clamp-and-redistribute loop. Redistribution
	// can push another contributor past the cap, so one pass is not enough;
	// pathological inputs still terminate here with the shortfall surfacing
	// in the residual.
	maxCapIterations = 16
)

var (
	decimalOne     = decimal.NewFromInt(1)
	decimalHundred = decimal.NewFromInt(100)
)

// DistributionInput bundles everything the calculator needs. Identities maps
// a lowercase login to its registered contributor; logins absent from the map
// are reported as unregistered.
type DistributionInput struct {
	Contributions map[string]int
	Details       map[string][]domain.ContributionDetail
	Policy        domain.DistributionPolicy
	PriceSnapshot domain.PriceSnapshot
	AssetDecimals int
	Identities    map[string]domain.Contributor
	CreatorLogin  string
}

// ComputeDistribution computes the full preview for one run's budget.
//
// Ineligibility is reported per contributor, not returned as an error; the
// only error conditions are structurally invalid input and an eligible set
// that is empty even after the equal-mode fallback.
func ComputeDistribution(input DistributionInput) (*domain.DistributionPreview, error) {
	if err := validatePolicy(input.Policy); err != nil {
		return nil, err
	}
	if !input.PriceSnapshot.UsdPrice.IsPositive() {
		return nil, domain.NewInputError("invalid_price", "price snapshot must carry a positive usd price, got %s", input.PriceSnapshot.UsdPrice)
	}
	if input.AssetDecimals < 0 || input.AssetDecimals > 18 {
		return nil, domain.NewInputError("invalid_asset_decimals", "asset decimals must be in [0, 18], got %d", input.AssetDecimals)
	}
	if len(input.Contributions) == 0 {
		return nil, domain.ErrNoEligibleContributors
	}

	threshold := input.Policy.MinContributionThreshold
	if threshold < 1 {
		threshold = 1
	}
	creator := strings.ToLower(strings.TrimSpace(input.CreatorLogin))

	// Deterministic processing order regardless of map iteration.
	logins := make([]string, 0, len(input.Contributions))
	for login := range input.Contributions {
		logins = append(logins, login)
	}
	sort.Strings(logins)

	shares := make([]domain.ContributorShare, 0, len(logins))
	for _, login := range logins {
		share := domain.ContributorShare{
			Login:             strings.ToLower(strings.TrimSpace(login)),
			ContributionCount: input.Contributions[login],
			ShareRatio:        decimal.Zero,
		}

		identity, registered := input.Identities[share.Login]
		if registered {
			id := identity.ID
			share.ContributorID = &id
			share.LedgerAccountID = identity.LedgerAccountID
		}

		switch {
		case share.Login == creator && creator != "":
			share.Reason = domain.ReasonSelfPayment
		case share.ContributionCount < threshold:
			share.Reason = domain.ReasonBelowThreshold
		case !registered || !identity.Active || strings.TrimSpace(identity.LedgerAccountID) == "":
			share.Reason = domain.ReasonUnregistered
		default:
			share.Eligible = true
		}
		shares = append(shares, share)
	}

	eligible := eligibleIndexes(shares)
	if len(eligible) == 0 {
		return nil, domain.ErrNoEligibleContributors
	}

	assignRatios(shares, eligible, input.Policy.Mode)
	if input.Policy.MaxShareCap.IsPositive() {
		applyShareCap(shares, eligible, input.Policy.MaxShareCap)
	}
	for _, i := range eligible {
		shares[i].ShareRatio = shares[i].ShareRatio.Truncate(ratioScale)
	}

	convertToAmounts(shares, eligible, input.Policy.BudgetUsdCents, input.PriceSnapshot.UsdPrice, input.AssetDecimals)

	var totalUsdCents int64
	for _, i := range eligible {
		totalUsdCents += shares[i].UsdCents
	}
	residual := input.Policy.BudgetUsdCents - totalUsdCents

	preview := &domain.DistributionPreview{
		Shares:           shares,
		Contributions:    input.Details,
		Policy:           input.Policy,
		PriceSnapshot:    input.PriceSnapshot,
		AssetDecimals:    input.AssetDecimals,
		EligibleCount:    len(eligible),
		TotalUsdCents:    totalUsdCents,
		ResidualUsdCents: residual,
	}
	preview.PreviewHash = PreviewDigest(preview)
	return preview, nil
}

func validatePolicy(policy domain.DistributionPolicy) error {
	switch policy.Mode {
	case domain.ModeEqual, domain.ModeProportional:
	default:
		return domain.NewInputError("invalid_mode", "unknown distribution mode %q", policy.Mode)
	}
	if policy.BudgetUsdCents <= 0 {
		return domain.NewInputError("invalid_budget", "budget must be positive, got %d cents", policy.BudgetUsdCents)
	}
	if policy.MinContributionThreshold < 0 {
		return domain.NewInputError("invalid_threshold", "contribution threshold must not be negative, got %d", policy.MinContributionThreshold)
	}
	if policy.MaxShareCap.IsNegative() || policy.MaxShareCap.GreaterThan(decimalOne) {
		return domain.NewInputError("invalid_share_cap", "share cap must be a fraction in (0, 1], got %s", policy.MaxShareCap)
	}
	return nil
}

func eligibleIndexes(shares []domain.ContributorShare) []int {
	var eligible []int
	for i := range shares {
		if shares[i].Eligible {
			eligible = append(eligible, i)
		}
	}
	return eligible
}

// assignRatios writes the raw (pre-cap) share ratios. Proportional mode with
// zero total contributions falls back to equal semantics to avoid a division
// by zero.
func assignRatios(shares []domain.ContributorShare, eligible []int, mode domain.DistributionMode) {
	if mode == domain.ModeProportional {
		total := int64(0)
		for _, i := range eligible {
			total += int64(shares[i].ContributionCount)
		}
		if total > 0 {
			totalDec := decimal.NewFromInt(total)
			for _, i := range eligible {
				shares[i].ShareRatio = decimal.NewFromInt(int64(shares[i].ContributionCount)).DivRound(totalDec, workScale)
			}
			return
		}
	}

	equalRatio := decimalOne.DivRound(decimal.NewFromInt(int64(len(eligible))), workScale)
	for _, i := range eligible {
		shares[i].ShareRatio = equalRatio
	}
}

// applyShareCap clamps ratios above the cap and redistributes the removed
// ratio proportionally among the uncapped contributors, repeating until no
// share exceeds the cap or the iteration bound is hit. An infeasible cap
// (cap x eligibleCount < 1) ends with every share clamped; the shortfall
// shows up in the residual.
func applyShareCap(shares []domain.ContributorShare, eligible []int, cap decimal.Decimal) {
	capped := make(map[int]bool, len(eligible))

	for iter := 0; iter < maxCapIterations; iter++ {
		excess := decimal.Zero
		for _, i := range eligible {
			if capped[i] {
				continue
			}
			if shares[i].ShareRatio.GreaterThan(cap) {
				excess = excess.Add(shares[i].ShareRatio.Sub(cap))
				shares[i].ShareRatio = cap
				capped[i] = true
			}
		}
		if excess.IsZero() {
			return
		}

		uncappedTotal := decimal.Zero
		for _, i := range eligible {
			if !capped[i] {
				uncappedTotal = uncappedTotal.Add(shares[i].ShareRatio)
			}
		}
		if uncappedTotal.IsZero() {
			// Everyone is at the cap; nothing left to absorb the excess.
			return
		}
		for _, i := range eligible {
			if capped[i] {
				continue
			}
			bonus := excess.Mul(shares[i].ShareRatio).DivRound(uncappedTotal, workScale)
			shares[i].ShareRatio = shares[i].ShareRatio.Add(bonus)
		}
	}
}

// convertToAmounts turns final ratios into USD cents and integer native
// amounts. Rounding is half-up; when many half-cent shares round up past the
// budget, cents are deducted one at a time from the largest shares (ties
// broken by login, descending) until the total fits.
func convertToAmounts(shares []domain.ContributorShare, eligible []int, budgetUsdCents int64, usdPrice decimal.Decimal, assetDecimals int) {
	budget := decimal.NewFromInt(budgetUsdCents)

	var total int64
	for _, i := range eligible {
		cents := shares[i].ShareRatio.Mul(budget).Round(0).IntPart()
		shares[i].UsdCents = cents
		total += cents
	}

	if total > budgetUsdCents {
		order := make([]int, len(eligible))
		copy(order, eligible)
		sort.SliceStable(order, func(a, b int) bool {
			if shares[order[a]].UsdCents != shares[order[b]].UsdCents {
				return shares[order[a]].UsdCents > shares[order[b]].UsdCents
			}
			return shares[order[a]].Login > shares[order[b]].Login
		})
		for total > budgetUsdCents {
			deducted := false
			for _, i := range order {
				if total == budgetUsdCents {
					break
				}
				if shares[i].UsdCents > 0 {
					shares[i].UsdCents--
					total--
					deducted = true
				}
			}
			if !deducted {
				break
			}
		}
	}

	nativeUnit := decimal.New(1, int32(assetDecimals))
	for _, i := range eligible {
		usd := decimal.NewFromInt(shares[i].UsdCents).DivRound(decimalHundred, workScale)
		shares[i].NativeAmount = usd.DivRound(usdPrice, workScale).Mul(nativeUnit).Round(0).IntPart()
	}
}

// digestLine is one eligible share's canonical contribution to the preview
// hash.
type digestLine struct {
	Login             string
	ContributionCount int
	ShareRatio        decimal.Decimal
	UsdCents          int64
	NativeAmount      int64
}

// previewDigest hashes the canonical form of a distribution: the policy, the
// price provenance, and every eligible line sorted by login. Timestamps stay
// out of the digest so it survives persistence round-trips exactly.
func previewDigest(policy domain.DistributionPolicy, snapshot domain.PriceSnapshot, assetDecimals int, residualUsdCents int64, lines []digestLine) string {
	sort.Slice(lines, func(a, b int) bool { return lines[a].Login < lines[b].Login })

	var b strings.Builder
	fmt.Fprintf(&b, "policy|%s|%d|%d|%s\n",
		policy.Mode, policy.BudgetUsdCents, policy.MinContributionThreshold, policy.MaxShareCap.StringFixed(ratioScale))
	fmt.Fprintf(&b, "price|%s|%s|%s|%d\n",
		snapshot.AssetSymbol, snapshot.UsdPrice.String(), snapshot.FeedID, assetDecimals)
	for _, line := range lines {
		fmt.Fprintf(&b, "share|%s|%d|%s|%d|%d\n",
			line.Login, line.ContributionCount, line.ShareRatio.StringFixed(ratioScale), line.UsdCents, line.NativeAmount)
	}
	fmt.Fprintf(&b, "residual|%d\n", residualUsdCents)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// PreviewDigest computes the canonical hash of a preview's eligible shares.
func PreviewDigest(preview *domain.DistributionPreview) string {
	var lines []digestLine
	for _, share := range preview.Shares {
		if !share.Eligible {
			continue
		}
		lines = append(lines, digestLine{
			Login:             share.Login,
			ContributionCount: share.ContributionCount,
			ShareRatio:        share.ShareRatio,
			UsdCents:          share.UsdCents,
			NativeAmount:      share.NativeAmount,
		})
	}
	return previewDigest(preview.Policy, preview.PriceSnapshot, preview.AssetDecimals, preview.ResidualUsdCents, lines)
}

// RunDigest recomputes the preview hash from a run's persisted payout rows.
// Execution verifies this against the hash approved at preview time before
// touching the gateway.
func RunDigest(run *domain.PayrollRun, payouts []domain.Payout) string {
	lines := make([]digestLine, 0, len(payouts))
	for _, p := range payouts {
		lines = append(lines, digestLine{
			Login:             p.ContributorLogin,
			ContributionCount: p.ContributionCount,
			ShareRatio:        p.ShareRatio,
			UsdCents:          p.UsdCents,
			NativeAmount:      p.NativeAmount,
		})
	}
	return previewDigest(run.Policy, run.PriceSnapshot, run.AssetDecimals, run.ResidualUsdCents, lines)
}
