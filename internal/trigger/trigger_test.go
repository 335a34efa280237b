package trigger

import (
	"context"
	"testing"
	"time"

	"insurance-core/internal/asset"
	"insurance-core/internal/numerics"
	"insurance-core/internal/oracle"
	"insurance-core/internal/policy"
	"insurance-core/internal/pool"
	"insurance-core/internal/tranche"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/store"
)

// FakePayoutClient is a deterministic test double for the external
// on-chain payout collaborator, the same role oracle.StaticOracle plays
// for the price feed.
type FakePayoutClient struct {
	Confirm bool
	Err     error
	Calls   []int64
}

func (f *FakePayoutClient) ExecutePayout(ctx context.Context, policyID int64, amountCents int64) (bool, error) {
	f.Calls = append(f.Calls, policyID)
	return f.Confirm, f.Err
}

func newTestMonitor(t *testing.T, oc oracle.Client, payouts PayoutClient, cfg Config) (*Monitor, *store.Store, *pool.Pool) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := store.ApplyMigrations(s); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	defs := tranche.DefaultDefs()
	tracker := utilization.New(s, defs, nil)
	p := pool.New(defs, tracker, &numerics.Local{}, pool.DefaultConfig())

	gate := oracle.NewGate(oc, oracle.FallbackConfig{})
	m := New(s, gate, p, payouts, cfg, nil, nil)
	return m, s, p
}

func samplePolicy(id int64, trigger, floor float64, coverage int64, expiry int64) policy.Policy {
	return policy.Policy{
		PolicyID: id, Policyholder: "0xh", Beneficiary: "0xb",
		Asset: asset.USDC, TrancheID: int(tranche.MEZZ),
		CoverageAmount: coverage, PremiumPaid: 0,
		TriggerPrice: trigger, FloorPrice: floor,
		StartTime: 0, ExpiryTime: expiry,
	}
}

// All timestamps in these tests are real wall-clock offsets, not
// synthetic epoch values: oracle.Gate checks a price's staleness
// against actual wall-clock time, so a fixed-past Unix timestamp would
// always read as stale regardless of the simulated "now" passed to
// RunOnce.
func TestRunOnceDetectsNewDepeg(t *testing.T) {
	base := time.Now()
	oc := oracle.NewStaticOracle()
	payouts := &FakePayoutClient{Confirm: true}
	m, s, _ := newTestMonitor(t, oc, payouts, DefaultConfig())
	ctx := context.Background()

	pol := samplePolicy(1, 0.97, 0.90, 1_000_00, base.Unix()+1_000_000)
	if err := s.InsertPolicy(ctx, pol); err != nil {
		t.Fatalf("InsertPolicy: %v", err)
	}
	oc.Set(asset.USDC, 0.95, 0.99, base)

	if err := m.RunOnce(ctx, base); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	state, err := s.GetTriggerState(ctx, 1)
	if err != nil {
		t.Fatalf("GetTriggerState: %v", err)
	}
	if state == nil || state.FirstTriggerTime != base.Unix() {
		t.Fatalf("expected a trigger state recorded at t=%d, got %+v", base.Unix(), state)
	}

	policies, err := s.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies: %v", err)
	}
	if len(policies) != 1 || policies[0].Status != policy.StatusTriggered {
		t.Fatalf("expected policy to move to Triggered, got %+v", policies)
	}
}

func TestRunOnceResetsOnRecovery(t *testing.T) {
	base := time.Now()
	oc := oracle.NewStaticOracle()
	payouts := &FakePayoutClient{Confirm: true}
	m, s, _ := newTestMonitor(t, oc, payouts, DefaultConfig())
	ctx := context.Background()

	pol := samplePolicy(2, 0.97, 0.90, 1_000_00, base.Unix()+1_000_000)
	if err := s.InsertPolicy(ctx, pol); err != nil {
		t.Fatalf("InsertPolicy: %v", err)
	}

	oc.Set(asset.USDC, 0.95, 0.99, base)
	if err := m.RunOnce(ctx, base); err != nil {
		t.Fatalf("RunOnce (depeg): %v", err)
	}

	recovered := base.Add(100 * time.Second)
	oc.Set(asset.USDC, 0.99, 0.99, recovered)
	if err := m.RunOnce(ctx, recovered); err != nil {
		t.Fatalf("RunOnce (recovery): %v", err)
	}

	state, err := s.GetTriggerState(ctx, 2)
	if err != nil {
		t.Fatalf("GetTriggerState: %v", err)
	}
	if state != nil {
		t.Errorf("expected trigger state cleared on recovery, got %+v", state)
	}
	policies, err := s.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies: %v", err)
	}
	if len(policies) != 1 || policies[0].Status != policy.StatusActive {
		t.Fatalf("expected policy reset to Active, got %+v", policies)
	}
}

func TestRunOnceExpiresStalePolicy(t *testing.T) {
	base := time.Now()
	oc := oracle.NewStaticOracle()
	payouts := &FakePayoutClient{Confirm: true}
	m, s, _ := newTestMonitor(t, oc, payouts, DefaultConfig())
	ctx := context.Background()

	pol := samplePolicy(3, 0.97, 0.90, 1_000_00, base.Unix()-100)
	if err := s.InsertPolicy(ctx, pol); err != nil {
		t.Fatalf("InsertPolicy: %v", err)
	}

	if err := m.RunOnce(ctx, base); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	policies, err := s.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies: %v", err)
	}
	if len(policies) != 0 {
		t.Fatalf("expired policy should no longer be active, got %+v", policies)
	}
}

func TestSustainedDepegTriggersPayoutExactlyOnce(t *testing.T) {
	base := time.Now()
	oc := oracle.NewStaticOracle()
	payouts := &FakePayoutClient{Confirm: true}
	cfg := DefaultConfig()
	cfg.ConfirmationPeriod = 3600
	m, s, p := newTestMonitor(t, oc, payouts, cfg)
	ctx := context.Background()

	pol := samplePolicy(4, 0.97, 0.90, 1_000_00, base.Unix()+1_000_000_000)
	if err := s.InsertPolicy(ctx, pol); err != nil {
		t.Fatalf("InsertPolicy: %v", err)
	}
	if _, err := p.AddLiquidity(ctx, "lp", tranche.MEZZ, 10_000_00); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	if err := p.AllocateCoverage(ctx, pol); err != nil {
		t.Fatalf("AllocateCoverage: %v", err)
	}

	// Depeg at t=base, price recorded for the whole window below trigger.
	for _, offset := range []time.Duration{0, 900 * time.Second, 1800 * time.Second, 2700 * time.Second, 3600 * time.Second} {
		if err := s.InsertPrice(ctx, asset.USDC, 0.85, "test", base.Add(offset)); err != nil {
			t.Fatalf("InsertPrice: %v", err)
		}
	}
	oc.Set(asset.USDC, 0.85, 0.99, base)
	if err := m.RunOnce(ctx, base); err != nil {
		t.Fatalf("RunOnce (t=0): %v", err)
	}

	// Confirmation window elapses; price still depegged.
	confirmAt := base.Add(3600 * time.Second)
	oc.Set(asset.USDC, 0.85, 0.99, confirmAt)
	if err := m.RunOnce(ctx, confirmAt); err != nil {
		t.Fatalf("RunOnce (t=3600): %v", err)
	}

	policies, err := s.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies: %v", err)
	}
	if len(policies) != 0 {
		t.Fatalf("a paid policy must no longer be active, got %+v", policies)
	}
	if len(payouts.Calls) != 1 {
		t.Fatalf("expected exactly one payout call, got %d", len(payouts.Calls))
	}

	// A duplicate sweep after payout must be a no-op: the policy is no
	// longer active so it is never reprocessed, and the payout client is
	// not called again.
	if err := m.RunOnce(ctx, confirmAt.Add(100*time.Second)); err != nil {
		t.Fatalf("RunOnce (duplicate sweep): %v", err)
	}
	if len(payouts.Calls) != 1 {
		t.Errorf("expected no additional payout call on a duplicate sweep, got %d calls", len(payouts.Calls))
	}
}

func TestFailedPayoutRemainsConfirmedForRetry(t *testing.T) {
	base := time.Now()
	oc := oracle.NewStaticOracle()
	payouts := &FakePayoutClient{Confirm: false}
	cfg := DefaultConfig()
	cfg.ConfirmationPeriod = 3600
	m, s, p := newTestMonitor(t, oc, payouts, cfg)
	ctx := context.Background()

	pol := samplePolicy(5, 0.97, 0.90, 1_000_00, base.Unix()+1_000_000_000)
	if err := s.InsertPolicy(ctx, pol); err != nil {
		t.Fatalf("InsertPolicy: %v", err)
	}
	if _, err := p.AddLiquidity(ctx, "lp", tranche.MEZZ, 10_000_00); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	if err := p.AllocateCoverage(ctx, pol); err != nil {
		t.Fatalf("AllocateCoverage: %v", err)
	}

	for _, offset := range []time.Duration{0, 3600 * time.Second} {
		if err := s.InsertPrice(ctx, asset.USDC, 0.85, "test", base.Add(offset)); err != nil {
			t.Fatalf("InsertPrice: %v", err)
		}
	}
	oc.Set(asset.USDC, 0.85, 0.99, base)
	if err := m.RunOnce(ctx, base); err != nil {
		t.Fatalf("RunOnce (t=0): %v", err)
	}
	confirmAt := base.Add(3600 * time.Second)
	oc.Set(asset.USDC, 0.85, 0.99, confirmAt)
	if err := m.RunOnce(ctx, confirmAt); err != nil {
		t.Fatalf("RunOnce (t=3600): %v", err)
	}

	policies, err := s.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies: %v", err)
	}
	if len(policies) != 1 || policies[0].Status != policy.StatusConfirmed {
		t.Fatalf("a failed payout must leave the policy Confirmed for retry, got %+v", policies)
	}
	if len(payouts.Calls) != 1 {
		t.Fatalf("expected one attempted payout call, got %d", len(payouts.Calls))
	}

	// Retry succeeds on the next sweep.
	payouts.Confirm = true
	retryAt := confirmAt.Add(100 * time.Second)
	oc.Set(asset.USDC, 0.85, 0.99, retryAt)
	if err := m.RunOnce(ctx, retryAt); err != nil {
		t.Fatalf("RunOnce (retry): %v", err)
	}
	policies, err = s.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies: %v", err)
	}
	if len(policies) != 0 {
		t.Fatalf("expected the retried payout to settle the policy, got %+v", policies)
	}
	if len(payouts.Calls) != 2 {
		t.Errorf("expected a second payout call on retry, got %d", len(payouts.Calls))
	}
}

func TestPayoutForPriceLinearBetweenTriggerAndFloor(t *testing.T) {
	pol := samplePolicy(6, 1.00, 0.80, 1_000_00, time.Now().Unix()+1_000_000_000)
	if got := pol.PayoutForPrice(1.00); got != 0 {
		t.Errorf("payout at trigger = %d, want 0", got)
	}
	if got := pol.PayoutForPrice(0.80); got != 1_000_00 {
		t.Errorf("payout at floor = %d, want full coverage", got)
	}
	if got := pol.PayoutForPrice(0.90); got != 500_00 {
		t.Errorf("payout halfway = %d, want half coverage", got)
	}
}
