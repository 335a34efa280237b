package pool

import (
	"context"
	"fmt"

	"insurance-core/internal/asset"
	"insurance-core/internal/coreerr"
	"insurance-core/internal/policy"
	"insurance-core/pkg/money"
)

// CanUnderwrite evaluates the seven ordered checks against a candidate
// policy and returns (false, reason, nil) on the first failing check,
// or (true, "", nil) if every check passes. A non-nil error indicates a
// collaborator failure (e.g. persistence), not a rejection.
func (p *Pool) CanUnderwrite(ctx context.Context, candidate policy.Policy) (bool, string, error) {
	p.mu.Lock()
	totalCapital := p.totalCapital
	effectiveCapital := p.effectiveCapitalLocked()
	usdReserves := p.usdReserves
	totalCoverage := p.totalCoverage
	var singleAssetCoverage, correlatedCoverage int64
	for _, pol := range p.activePolicies {
		if pol.Asset == candidate.Asset {
			singleAssetCoverage += pol.CoverageAmount
		}
		if asset.Correlated(pol.Asset, candidate.Asset) {
			correlatedCoverage += pol.CoverageAmount
		}
	}
	p.mu.Unlock()

	// 1. Effective LTV with the new policy included.
	projectedCoverage := totalCoverage + candidate.CoverageAmount
	if effectiveCapital <= 0 {
		return false, "effective capital is zero: LTV undefined", nil
	}
	effectiveLTV := float64(projectedCoverage) / float64(effectiveCapital)
	if effectiveLTV > p.cfg.MaxLTV {
		return false, fmt.Sprintf("effective LTV %.4f exceeds maximum %.4f", effectiveLTV, p.cfg.MaxLTV), nil
	}

	// 2 & 3. Per-tranche utilization, with the EQT tranche additionally
	// bound by the tighter 0.90 ceiling. Both use the projected
	// utilization for the target tranche and the current utilization
	// for every other tranche.
	for s := range p.defs {
		rec, err := p.tracker.Get(ctx, int(s))
		if err != nil {
			return false, "", fmt.Errorf("load utilization for tranche %d: %w", s, err)
		}
		coverage := rec.CoverageSold
		if int(s) == candidate.TrancheID {
			coverage = money.SaturatingAdd(coverage, candidate.CoverageAmount)
		}
		ratio := 0.0
		if rec.TotalCapital > 0 {
			ratio = float64(coverage) / float64(rec.TotalCapital)
		}
		ceiling := p.cfg.MaxTrancheUtilization
		label := "per-tranche utilization"
		if s == 6 {
			ceiling = p.cfg.MaxEQTUtilization
			label = "EQT utilization"
		}
		if ratio > ceiling {
			return false, fmt.Sprintf("%s %.4f exceeds maximum %.4f for tranche %d", label, ratio, ceiling, s), nil
		}
	}

	// 4. Reserve ratio.
	if totalCapital <= 0 {
		return false, "total capital is zero: reserve ratio undefined", nil
	}
	reserveRatio := float64(usdReserves) / float64(totalCapital)
	if reserveRatio < p.cfg.MinReserveRatio {
		return false, fmt.Sprintf("reserve ratio %.4f below minimum %.4f", reserveRatio, p.cfg.MinReserveRatio), nil
	}

	// 5. Single-asset concentration.
	projectedSingleAsset := singleAssetCoverage + candidate.CoverageAmount
	singleAssetConcentration := float64(projectedSingleAsset) / float64(totalCapital)
	if singleAssetConcentration > p.cfg.MaxSingleAssetConcentration {
		return false, fmt.Sprintf("single-asset concentration %.4f exceeds maximum %.4f", singleAssetConcentration, p.cfg.MaxSingleAssetConcentration), nil
	}

	// 6. Correlated-asset concentration.
	projectedCorrelated := correlatedCoverage + candidate.CoverageAmount
	correlatedConcentration := float64(projectedCorrelated) / float64(totalCapital)
	if correlatedConcentration > p.cfg.MaxCorrelatedConcentration {
		return false, fmt.Sprintf("correlated-asset concentration %.4f exceeds maximum %.4f", correlatedConcentration, p.cfg.MaxCorrelatedConcentration), nil
	}

	// 7. Stress buffer.
	worstCaseLoss := p.worstCaseLoss(ctx)
	uncommitted := float64(totalCapital - projectedCoverage)
	required := p.cfg.StressBufferMultiplier * worstCaseLoss * float64(projectedCoverage)
	if uncommitted < required {
		return false, fmt.Sprintf("stress buffer %.2f below required %.2f", uncommitted, required), nil
	}

	return true, "", nil
}

// AllocateCoverage runs the gate and, on success, records the policy as
// active and increases total_coverage_sold and the target tranche's
// coverage_sold.
func (p *Pool) AllocateCoverage(ctx context.Context, pol policy.Policy) error {
	if err := pol.Validate(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrValidation, err)
	}

	ok, reason, err := p.CanUnderwrite(ctx, pol)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", coreerr.ErrUnderwritingRejected, reason)
	}

	p.mu.Lock()
	p.activePolicies[pol.PolicyID] = pol
	p.totalCoverage = money.SaturatingAdd(p.totalCoverage, pol.CoverageAmount)
	p.mu.Unlock()

	if _, err := p.tracker.UpdateCoverage(ctx, pol.TrancheID, pol.CoverageAmount); err != nil {
		return fmt.Errorf("sync tranche coverage: %w", err)
	}
	return nil
}

// ReleaseCoverage removes a policy from active_policies and decreases
// coverage accordingly. Idempotent: calling it again for the same id is
// a no-op.
func (p *Pool) ReleaseCoverage(ctx context.Context, policyID int64) error {
	p.mu.Lock()
	pol, ok := p.activePolicies[policyID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.activePolicies, policyID)
	p.totalCoverage = money.SaturatingNonNeg(money.SaturatingSub(p.totalCoverage, pol.CoverageAmount))
	p.mu.Unlock()

	if _, err := p.tracker.UpdateCoverage(ctx, pol.TrancheID, -pol.CoverageAmount); err != nil {
		return fmt.Errorf("sync tranche coverage: %w", err)
	}
	return nil
}
