// Package pool implements the Collateral Pool Manager (C6): the unified
// six-tranche capital model, its loss and revenue waterfalls, NAV/LP
// accounting, and the underwriting gate. The pool is a single mutable
// value guarded by one mutex, following internal/risk/manager.go's
// snapshot-under-lock idiom rather than per-field locking.
package pool

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"insurance-core/internal/coreerr"
	"insurance-core/internal/numerics"
	"insurance-core/internal/policy"
	"insurance-core/internal/tranche"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/money"
)

// Config holds the underwriting gate's configurable thresholds. Every
// field has the default named in the external configuration surface.
type Config struct {
	MaxLTV                      float64
	MaxTrancheUtilization       float64
	MaxEQTUtilization           float64
	MinReserveRatio             float64
	MaxSingleAssetConcentration float64
	MaxCorrelatedConcentration  float64
	StressBufferMultiplier      float64
	StressConfidence            float64
}

// DefaultConfig returns the gate thresholds named in the specification.
func DefaultConfig() Config {
	return Config{
		MaxLTV:                      0.85,
		MaxTrancheUtilization:       utilization.MaxUtilization,
		MaxEQTUtilization:           0.90,
		MinReserveRatio:             0.15,
		MaxSingleAssetConcentration: 0.30,
		MaxCorrelatedConcentration:  0.50,
		StressBufferMultiplier:      1.0,
		StressConfidence:            0.95,
	}
}

// TrancheAccount is one tranche's waterfall/NAV bookkeeping. Distinct
// from utilization.Record: this struct tracks loss/yield absorption and
// LP ownership, not the coverage/capital ratio C5 already owns.
type TrancheAccount struct {
	Seniority         tranche.Seniority
	AllocatedCapital  int64
	AccumulatedLosses int64
	AccumulatedYields int64
	LPTokenSupply     int64
	LPHolders         map[string]int64
}

// NetValue is the tranche's redeemable value: capital less losses plus
// retained yield.
func (a *TrancheAccount) NetValue() int64 {
	return a.AllocatedCapital - a.AccumulatedLosses + a.AccumulatedYields
}

// NAVPerToken is 1.0 when no tokens have been minted yet, else
// net_value / lp_token_supply.
func (a *TrancheAccount) NAVPerToken() float64 {
	if a.LPTokenSupply == 0 {
		return 1.0
	}
	return float64(a.NetValue()) / float64(a.LPTokenSupply)
}

// Available is the tranche's uncharged capital, floored at zero.
func (a *TrancheAccount) Available() int64 {
	return money.SaturatingNonNeg(a.AllocatedCapital - a.AccumulatedLosses)
}

// seniorToJunior and juniorToSenior are the two waterfall orders.
var seniorToJunior = []tranche.Seniority{tranche.BTCSenior, tranche.SNR, tranche.MEZZ, tranche.JNR, tranche.JNRPlus, tranche.EQT}
var juniorToSenior = []tranche.Seniority{tranche.EQT, tranche.JNRPlus, tranche.JNR, tranche.MEZZ, tranche.SNR, tranche.BTCSenior}

// ReturnsProvider supplies the historical return series fed to the
// stress-buffer check's VaR/CVaR estimate. A nil provider (or one
// returning an empty slice) causes the estimator's conservative 50%
// fallback to apply, per the numerical library's black-box contract.
type ReturnsProvider func() []float64

// Pool is the Collateral Pool Manager: the sole mutator of tranche
// capital/loss/yield state, active policies, and the USD/BTC float.
type Pool struct {
	mu sync.Mutex

	accounts       map[tranche.Seniority]*TrancheAccount
	defs           map[tranche.Seniority]tranche.Def
	usdReserves    int64
	btcFloatSats   int64
	btcCostBasis   int64
	activePolicies map[int64]policy.Policy
	totalCoverage  int64
	totalCapital   int64
	insolvent      bool
	unallocated    int64
	lastRebalance  time.Time

	tracker   *utilization.Tracker
	estimator numerics.Estimator
	returns   ReturnsProvider
	cfg       Config
}

// New builds an empty pool (all tranches at zero capital) wired to the
// utilization tracker (C5, the authoritative read view for external
// callers) and a numerical estimator for the stress check.
func New(defs []tranche.Def, tracker *utilization.Tracker, estimator numerics.Estimator, cfg Config) *Pool {
	defMap := make(map[tranche.Seniority]tranche.Def, len(defs))
	accounts := make(map[tranche.Seniority]*TrancheAccount, len(defs))
	for _, d := range defs {
		defMap[d.Seniority] = d
		accounts[d.Seniority] = &TrancheAccount{
			Seniority: d.Seniority,
			LPHolders: make(map[string]int64),
		}
	}
	return &Pool{
		accounts:       accounts,
		defs:           defMap,
		activePolicies: make(map[int64]policy.Policy),
		tracker:        tracker,
		estimator:      estimator,
		cfg:            cfg,
	}
}

// SetReturnsProvider wires the historical-return callback used by the
// stress-buffer check.
func (p *Pool) SetReturnsProvider(rp ReturnsProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returns = rp
}

// EffectiveCapital is the risk-weighted sum of tranche capitals used as
// the LTV denominator: Σ allocated_capital_i · risk_capacity_pct_i.
func (p *Pool) EffectiveCapital() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveCapitalLocked()
}

func (p *Pool) effectiveCapitalLocked() int64 {
	var total int64
	for s, acc := range p.accounts {
		def := p.defs[s]
		total += money.MulDiv(acc.AllocatedCapital, int64(math.Round(def.RiskCapacityPct*10000)), 10000)
	}
	return total
}

// Snapshot is a read-only copy of pool-wide accounting fields, taken
// under the pool lock.
type Snapshot struct {
	TotalCapitalUSD   int64
	TotalCoverageSold int64
	USDReserves       int64
	BTCFloatSats      int64
	BTCCostBasisUSD   int64
	EffectiveCapital  int64
	Insolvent         bool
	UnallocatedLoss   int64
	ActivePolicyCount int
}

// Snapshot returns a consistent read of pool-wide state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		TotalCapitalUSD:   p.totalCapital,
		TotalCoverageSold: p.totalCoverage,
		USDReserves:       p.usdReserves,
		BTCFloatSats:      p.btcFloatSats,
		BTCCostBasisUSD:   p.btcCostBasis,
		EffectiveCapital:  p.effectiveCapitalLocked(),
		Insolvent:         p.insolvent,
		UnallocatedLoss:   p.unallocated,
		ActivePolicyCount: len(p.activePolicies),
	}
}

// TrancheSnapshot returns a copy of one tranche's waterfall account.
func (p *Pool) TrancheSnapshot(s tranche.Seniority) (TrancheAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[s]
	if !ok {
		return TrancheAccount{}, fmt.Errorf("%w: tranche %d", coreerr.ErrNotFound, s)
	}
	holders := make(map[string]int64, len(acc.LPHolders))
	for k, v := range acc.LPHolders {
		holders[k] = v
	}
	return TrancheAccount{
		Seniority:         acc.Seniority,
		AllocatedCapital:  acc.AllocatedCapital,
		AccumulatedLosses: acc.AccumulatedLosses,
		AccumulatedYields: acc.AccumulatedYields,
		LPTokenSupply:     acc.LPTokenSupply,
		LPHolders:         holders,
	}, nil
}

func (p *Pool) worstCaseLoss(ctx context.Context) float64 {
	var rs []float64
	if p.returns != nil {
		rs = p.returns()
	}
	return p.estimator.WorstCaseLoss(rs, p.cfg.StressConfidence)
}

func logEmergency(format string, args ...any) {
	log.Printf("[POOL][EMERGENCY] "+format, args...)
}
