package pool

import (
	"context"
	"fmt"

	"insurance-core/internal/coreerr"
	"insurance-core/pkg/money"
)

// ExecutePayout runs the loss waterfall for a confirmed policy payout:
// deduct from total_capital_usd and usd_reserves, charge the loss
// junior-to-senior across tranches, then release the policy.
func (p *Pool) ExecutePayout(ctx context.Context, policyID int64, payoutAmount int64) error {
	if payoutAmount <= 0 {
		return fmt.Errorf("%w: payout amount must be positive", coreerr.ErrValidation)
	}

	p.mu.Lock()
	if payoutAmount > p.usdReserves {
		p.mu.Unlock()
		return coreerr.ErrInsufficientReserves
	}

	p.totalCapital = money.SaturatingSub(p.totalCapital, payoutAmount)
	p.usdReserves = money.SaturatingSub(p.usdReserves, payoutAmount)

	remaining := payoutAmount
	for _, s := range juniorToSenior {
		if remaining == 0 {
			break
		}
		acc := p.accounts[s]
		available := acc.Available()
		if available == 0 {
			continue
		}
		charge := money.Min(remaining, available)
		acc.AccumulatedLosses += charge
		remaining -= charge
	}

	if remaining > 0 {
		p.insolvent = true
		p.unallocated += remaining
		logEmergency("waterfall exhausted, unallocated_loss=%d policy=%d", remaining, policyID)
	}
	p.mu.Unlock()

	return p.ReleaseCoverage(ctx, policyID)
}

// DistributeRevenue runs the revenue waterfall senior-to-junior: each
// tranche receives an amount bounded by its modeled yield for the
// elapsed period (current_apy applied pro-rata over periodSeconds of a
// 365-day year), any remainder passes to the next tranche, and any
// residual after EQT is retained as protocol surplus (out of scope for
// the invariants).
func (p *Pool) DistributeRevenue(ctx context.Context, premium int64, periodSeconds int64) error {
	if premium <= 0 {
		return fmt.Errorf("%w: premium must be positive", coreerr.ErrValidation)
	}

	remaining := premium
	const secondsPerYear = 365 * 24 * 3600

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range seniorToJunior {
		if remaining == 0 {
			break
		}
		acc := p.accounts[s]
		rec, err := p.tracker.Get(ctx, int(s))
		if err != nil {
			return fmt.Errorf("load utilization for tranche %d: %w", s, err)
		}
		annualYield := money.MulDiv(acc.AllocatedCapital, int64(rec.CurrentAPYBps), 10000)
		modeledYield := money.MulDiv(annualYield, periodSeconds, secondsPerYear)
		if modeledYield <= 0 {
			continue
		}
		share := money.Min(remaining, modeledYield)
		acc.AccumulatedYields += share
		remaining -= share
	}

	return nil
}
