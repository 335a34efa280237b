package pool

import (
	"context"
	"testing"

	"insurance-core/internal/asset"
	"insurance-core/internal/numerics"
	"insurance-core/internal/policy"
	"insurance-core/internal/tranche"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/store"
)

func newTestPool(t *testing.T) (*Pool, *utilization.Tracker) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := store.ApplyMigrations(s); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tracker := utilization.New(s, tranche.DefaultDefs(), nil)
	p := New(tranche.DefaultDefs(), tracker, &numerics.Local{}, DefaultConfig())
	return p, tracker
}

// seedCapital gives every tranche capital proportional to weights
// (in whole cents) and tops up usd_reserves so the reserve-ratio check
// passes comfortably, mirroring the effective-capital example.
func seedCapital(t *testing.T, p *Pool, ctx context.Context, weightsMillions [6]int64) {
	t.Helper()
	order := []tranche.Seniority{tranche.BTCSenior, tranche.SNR, tranche.MEZZ, tranche.JNR, tranche.JNRPlus, tranche.EQT}
	for i, s := range order {
		capital := weightsMillions[i] * 1_000_000 * 100 // millions of dollars -> cents
		if _, err := p.AddLiquidity(ctx, "seed-lp", s, capital); err != nil {
			t.Fatalf("AddLiquidity(%d): %v", s, err)
		}
	}
}

func TestEffectiveCapitalExample(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	seedCapital(t, p, ctx, [6]int64{25, 20, 18, 15, 12, 10})

	got := p.EffectiveCapital()
	want := int64(69_900_000_00) // $69.9M in cents
	if got != want {
		t.Errorf("effective capital = %d, want %d", got, want)
	}
}

func TestUnderwriteLTVBoundaryExample(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	seedCapital(t, p, ctx, [6]int64{25, 20, 18, 15, 12, 10})
	// Isolate the LTV check: neutralize the stress-buffer check so this
	// test exercises check 1 alone, per the effective-capital example.
	p.cfg.StressBufferMultiplier = 0

	// Manually set total_coverage_sold to $50M with no active policies
	// behind it, so the concentration checks do not trip.
	p.mu.Lock()
	p.totalCoverage = 50_000_000_00
	p.mu.Unlock()

	candidate := policy.Policy{
		PolicyID:       1,
		Policyholder:   "0xh",
		Beneficiary:    "0xb",
		Asset:          asset.USDC,
		TrancheID:      int(tranche.MEZZ),
		CoverageAmount: 1,
		PremiumPaid:    0,
		TriggerPrice:   0.97,
		FloorPrice:     0.90,
		StartTime:      0,
		ExpiryTime:     1,
	}
	ok, reason, err := p.CanUnderwrite(ctx, candidate)
	if err != nil {
		t.Fatalf("CanUnderwrite: %v", err)
	}
	if !ok {
		t.Errorf("expected underwriting to succeed at ~71%% LTV, got reason: %s", reason)
	}

	p.mu.Lock()
	p.totalCoverage = 65_000_000_00
	p.mu.Unlock()

	ok, reason, err = p.CanUnderwrite(ctx, candidate)
	if err != nil {
		t.Fatalf("CanUnderwrite: %v", err)
	}
	if ok {
		t.Error("expected underwriting to fail at ~93% LTV")
	}
	if !containsLTV(reason) {
		t.Errorf("expected rejection reason to mention LTV, got %q", reason)
	}
}

func containsLTV(reason string) bool {
	for i := 0; i+3 <= len(reason); i++ {
		if reason[i:i+3] == "LTV" {
			return true
		}
	}
	return false
}

// TestWaterfallExactness exercises scenario 2's narrative: six tranches
// at $1,000,000.00 (1,000,000_00 cents) each, a $3,500,000.00 payout
// charges EQT, JNR+, JNR fully, MEZZ half, and leaves SNR/BTC untouched.
// (The scenario's stated $4,500,000.00 total is inconsistent with its
// own per-tranche narrative by exactly one tranche's capacity; the
// narrative is trusted here — see DESIGN.md's C6 scenario fidelity note.)
func TestWaterfallExactness(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	order := []tranche.Seniority{tranche.BTCSenior, tranche.SNR, tranche.MEZZ, tranche.JNR, tranche.JNRPlus, tranche.EQT}
	for _, s := range order {
		if _, err := p.AddLiquidity(ctx, "seed-lp", s, 1_000_000_00); err != nil {
			t.Fatalf("AddLiquidity(%d): %v", s, err)
		}
	}
	p.mu.Lock()
	p.usdReserves = 10_000_000_00
	p.mu.Unlock()

	pol := policy.Policy{PolicyID: 99, Asset: asset.USDC, TrancheID: int(tranche.MEZZ), CoverageAmount: 1}
	p.mu.Lock()
	p.activePolicies[99] = pol
	p.mu.Unlock()

	// EQT, JNR+, JNR absorb $1,000,000.00 each; MEZZ absorbs half; SNR
	// and BTC senior are untouched by this first $3,500,000.00 loss.
	if err := p.ExecutePayout(ctx, 99, 3_500_000_00); err != nil {
		t.Fatalf("ExecutePayout: %v", err)
	}

	expected := map[tranche.Seniority]int64{
		tranche.BTCSenior: 0,
		tranche.SNR:       0,
		tranche.MEZZ:      500_000_00,
		tranche.JNR:       1_000_000_00,
		tranche.JNRPlus:   1_000_000_00,
		tranche.EQT:       1_000_000_00,
	}
	for s, want := range expected {
		acc, err := p.TrancheSnapshot(s)
		if err != nil {
			t.Fatalf("TrancheSnapshot(%d): %v", s, err)
		}
		if acc.AccumulatedLosses != want {
			t.Errorf("tranche %d accumulated_losses = %d, want %d", s, acc.AccumulatedLosses, want)
		}
	}

	// Re-executing the same payout now charges SNR and BTC.
	p.mu.Lock()
	p.activePolicies[99] = pol
	p.mu.Unlock()
	if err := p.ExecutePayout(ctx, 99, 3_500_000_00); err != nil {
		t.Fatalf("ExecutePayout (second): %v", err)
	}
	snr, _ := p.TrancheSnapshot(tranche.SNR)
	btc, _ := p.TrancheSnapshot(tranche.BTCSenior)
	if snr.AccumulatedLosses == 0 || btc.AccumulatedLosses == 0 {
		t.Error("expected the second payout to reach into SNR and BTC senior")
	}
}

func TestReleaseCoverageIdempotent(t *testing.T) {
	p, tracker := newTestPool(t)
	ctx := context.Background()

	if _, err := p.AddLiquidity(ctx, "lp", tranche.MEZZ, 10_000_000_00); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	p.mu.Lock()
	p.usdReserves = 10_000_000_00
	p.mu.Unlock()

	pol := policy.Policy{
		PolicyID: 5, Asset: asset.USDC, TrancheID: int(tranche.MEZZ),
		CoverageAmount: 100_00, TriggerPrice: 0.97, FloorPrice: 0.90,
		StartTime: 0, ExpiryTime: 1,
	}
	if err := p.AllocateCoverage(ctx, pol); err != nil {
		t.Fatalf("AllocateCoverage: %v", err)
	}

	before := p.Snapshot().TotalCoverageSold

	if err := p.ReleaseCoverage(ctx, 5); err != nil {
		t.Fatalf("ReleaseCoverage (first): %v", err)
	}
	afterFirst := p.Snapshot().TotalCoverageSold

	if err := p.ReleaseCoverage(ctx, 5); err != nil {
		t.Fatalf("ReleaseCoverage (second): %v", err)
	}
	afterSecond := p.Snapshot().TotalCoverageSold

	if afterFirst != before-100_00 {
		t.Errorf("first release should subtract coverage, before=%d after=%d", before, afterFirst)
	}
	if afterSecond != afterFirst {
		t.Errorf("second release must be a no-op, got %d -> %d", afterFirst, afterSecond)
	}

	rec, err := tracker.Get(ctx, int(tranche.MEZZ))
	if err != nil {
		t.Fatalf("tracker.Get: %v", err)
	}
	if rec.CoverageSold != 0 {
		t.Errorf("tracker coverage should be back to zero, got %d", rec.CoverageSold)
	}
}

func TestZeroCapitalPoolRejectsUnderwriting(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	pol := policy.Policy{
		PolicyID: 1, Asset: asset.USDC, TrancheID: int(tranche.MEZZ),
		CoverageAmount: 1, TriggerPrice: 0.97, FloorPrice: 0.90,
		StartTime: 0, ExpiryTime: 1,
	}
	ok, reason, err := p.CanUnderwrite(ctx, pol)
	if err != nil {
		t.Fatalf("CanUnderwrite: %v", err)
	}
	if ok {
		t.Fatal("a pool with zero capital must never accept a policy")
	}
	if reason == "" {
		t.Error("expected a non-empty rejection reason")
	}
}

func TestAddRemoveLiquidityRoundTrip(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	minted, err := p.AddLiquidity(ctx, "lp1", tranche.SNR, 1_000_00)
	if err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	withdrawn, err := p.RemoveLiquidity(ctx, "lp1", tranche.SNR, minted)
	if err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	if withdrawn != 1_000_00 {
		t.Errorf("round trip should return the original amount, got %d", withdrawn)
	}
}

func TestRemoveLiquidityInsufficientBalance(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	minted, err := p.AddLiquidity(ctx, "lp1", tranche.SNR, 1_000_00)
	if err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	_, err = p.RemoveLiquidity(ctx, "lp1", tranche.SNR, minted+1)
	if err == nil {
		t.Error("expected InsufficientBalance when withdrawing more tokens than held")
	}
}
