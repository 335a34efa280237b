// Package rebalancer implements the Float Rebalancer (C7): it computes
// a target USD/BTC split for the pool's float and applies the
// resulting buy/sell atomically to the pool's BTC holdings and USD
// reserves. The threshold/trigger comparison idiom is grounded on
// internal/risk/stoploss.go's StopLossManager.
package rebalancer

import (
	"context"
	"fmt"

	"insurance-core/internal/events"
	"insurance-core/internal/policy"
	"insurance-core/internal/pool"
	"insurance-core/pkg/money"
)

// Urgency classifies how urgently a rebalance should be acted on.
// Logging only; it never changes correctness of the computed trade.
type Urgency string

const (
	UrgencyLow      Urgency = "Low"
	UrgencyMedium   Urgency = "Medium"
	UrgencyHigh     Urgency = "High"
	UrgencyCritical Urgency = "Critical"
)

// Config holds the rebalancer's tunable parameters, each defaulted per
// the external configuration surface.
type Config struct {
	BaseTargetFraction    float64 // u_0, default 0.40
	VolAdjustFactor       float64 // default 0.5
	RebalanceThreshold    float64 // default 0.10
	MaxTradeSizeFraction  float64 // fraction of total_capital per trade
	MinBTCFloatSats       int64
	SimultaneousTriggerPc float64 // fraction of policies assumed to trigger together, default 0.5
	LiquidityMultiplier   float64 // default 1.5
}

// DefaultConfig returns the thresholds named in the specification.
func DefaultConfig() Config {
	return Config{
		BaseTargetFraction:    0.40,
		VolAdjustFactor:       0.5,
		RebalanceThreshold:    0.10,
		MaxTradeSizeFraction:  0.10,
		MinBTCFloatSats:       0,
		SimultaneousTriggerPc: 0.5,
		LiquidityMultiplier:   1.5,
	}
}

// Action is the rebalancer's recommended/executed move.
type Action string

const (
	ActionHold    Action = "Hold"
	ActionBuyBTC  Action = "Buy_BTC"
	ActionSellBTC Action = "Sell_BTC"
)

// Decision is the outcome of one rebalance evaluation.
type Decision struct {
	Action          Action
	Urgency         Urgency
	CurrentFraction float64
	TargetFraction  float64
	TradeUSDCents   int64 // magnitude of USD moved, meaningful for Buy_BTC
	TradeBTCSats    int64 // magnitude of BTC moved, meaningful for Sell_BTC
}

// PolicyExposure is the minimal shape the rebalancer needs per active
// policy: its coverage amount and the stress price at which it is
// assumed to fully trigger.
type PolicyExposure struct {
	CoverageAmount int64
	StressPrice    float64
	TriggerPrice   float64
	FloorPrice     float64
}

// Rebalancer evaluates and applies the target float allocation.
type Rebalancer struct {
	pool *pool.Pool
	cfg  Config
	bus  *events.Bus
}

// New builds a Rebalancer over the given pool. bus may be nil, in
// which case Apply publishes nothing.
func New(p *pool.Pool, cfg Config, bus *events.Bus) *Rebalancer {
	return &Rebalancer{pool: p, cfg: cfg, bus: bus}
}

// requiredLiquidity computes L = Σ policy payout under that policy's
// stress price, scaled by the assumed simultaneous-trigger fraction.
func requiredLiquidity(exposures []PolicyExposure, simultaneousPct float64) int64 {
	var total int64
	for _, e := range exposures {
		stub := policy.Policy{
			CoverageAmount: e.CoverageAmount,
			TriggerPrice:   e.TriggerPrice,
			FloorPrice:     e.FloorPrice,
		}
		total += stub.PayoutForPrice(e.StressPrice)
	}
	return money.MulDiv(total, int64(simultaneousPct*10000), 10000)
}

// TargetFraction computes u* per §4.4: a liquidity floor, a
// volatility-adjusted base target, clamped to [0, 0.80].
func (r *Rebalancer) TargetFraction(totalCapital int64, annualizedVolatility float64, exposures []PolicyExposure) float64 {
	if totalCapital <= 0 {
		return 0
	}
	l := requiredLiquidity(exposures, r.cfg.SimultaneousTriggerPc)
	uMin := (float64(l) * r.cfg.LiquidityMultiplier) / float64(totalCapital)

	adjustment := (annualizedVolatility - 0.30) * r.cfg.VolAdjustFactor
	u0 := r.cfg.BaseTargetFraction + adjustment

	target := uMin
	if u0 > target {
		target = u0
	}
	if target < 0 {
		target = 0
	}
	if target > 0.80 {
		target = 0.80
	}
	return target
}

// Classify derives an urgency level from drift, reserve ratio, and LTV.
// Logging-only per §4.4; it never changes the computed trade.
func Classify(drift, reserveRatio, ltv float64) Urgency {
	switch {
	case ltv > 0.90 || reserveRatio < 0.08:
		return UrgencyCritical
	case drift > 0.25 || reserveRatio < 0.12:
		return UrgencyHigh
	case drift > 0.15:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Evaluate computes the current USD fraction, the target fraction, and
// the action the pool should take, without mutating anything.
func (r *Rebalancer) Evaluate(ctx context.Context, pricePerSat float64, annualizedVolatility float64, exposures []PolicyExposure, ltv float64) (Decision, error) {
	snap := r.pool.Snapshot()
	btcUSD := float64(snap.BTCFloatSats) * pricePerSat
	denom := float64(snap.USDReserves) + btcUSD
	var current float64
	if denom > 0 {
		current = float64(snap.USDReserves) / denom
	}

	target := r.TargetFraction(snap.TotalCapitalUSD, annualizedVolatility, exposures)
	drift := current - target
	if drift < 0 {
		drift = -drift
	}
	reserveRatio := 0.0
	if snap.TotalCapitalUSD > 0 {
		reserveRatio = float64(snap.USDReserves) / float64(snap.TotalCapitalUSD)
	}
	urgency := Classify(drift, reserveRatio, ltv)

	dec := Decision{CurrentFraction: current, TargetFraction: target, Urgency: urgency, Action: ActionHold}

	if drift < r.cfg.RebalanceThreshold {
		return dec, nil
	}

	maxTrade := money.MulDiv(snap.TotalCapitalUSD, int64(r.cfg.MaxTradeSizeFraction*10000), 10000)

	if current > target {
		excessFraction := current - target
		excessUSD := int64(excessFraction * denom)
		trade := money.Min(excessUSD, maxTrade)
		dec.Action = ActionBuyBTC
		dec.TradeUSDCents = trade
		return dec, nil
	}

	// current < target: sell BTC, bounded by the floor.
	if pricePerSat <= 0 {
		return dec, fmt.Errorf("invalid price_per_sat: %v", pricePerSat)
	}
	deficitFraction := target - current
	deficitUSD := deficitFraction * denom
	wantSats := int64(deficitUSD / pricePerSat)
	wantSats = money.Min(wantSats, maxTradeSats(maxTrade, pricePerSat))

	availableSats := snap.BTCFloatSats - r.cfg.MinBTCFloatSats
	if availableSats <= 0 {
		dec.Action = ActionHold
		return dec, nil
	}
	sellSats := money.Min(wantSats, availableSats)
	if sellSats <= 0 {
		dec.Action = ActionHold
		return dec, nil
	}
	dec.Action = ActionSellBTC
	dec.TradeBTCSats = sellSats
	return dec, nil
}

func maxTradeSats(maxTradeUSD int64, pricePerSat float64) int64 {
	if pricePerSat <= 0 {
		return 0
	}
	return int64(float64(maxTradeUSD) / pricePerSat)
}

// Apply executes the given decision atomically against the pool's
// btc_float_sats, btc_cost_basis_usd, and usd_reserves.
func (r *Rebalancer) Apply(ctx context.Context, dec Decision, pricePerSat float64) error {
	switch dec.Action {
	case ActionHold:
		return nil
	case ActionBuyBTC:
		if pricePerSat <= 0 {
			return fmt.Errorf("invalid price_per_sat: %v", pricePerSat)
		}
		sats := int64(float64(dec.TradeUSDCents) / pricePerSat)
		if err := r.pool.ApplyFloatTrade(ctx, sats, dec.TradeUSDCents); err != nil {
			return err
		}
		r.publish(dec)
		return nil
	case ActionSellBTC:
		usd := int64(float64(dec.TradeBTCSats) * pricePerSat)
		if err := r.pool.ApplyFloatTrade(ctx, -dec.TradeBTCSats, -usd); err != nil {
			return err
		}
		r.publish(dec)
		return nil
	default:
		return fmt.Errorf("unknown rebalance action: %s", dec.Action)
	}
}

func (r *Rebalancer) publish(dec Decision) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.EventRebalance, dec)
}
