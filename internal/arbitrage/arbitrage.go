// Package arbitrage implements the Tranche Arbitrage engine (C8): it
// prices each tranche's fair NAV against its current NAV, recommends
// Buy/Sell/Hold, and pairs mispriced tranches into bounded internal
// reallocations. The threshold-crossing recommendation shape is
// grounded on internal/strategy/bollinger.go and
// internal/strategy/ma_cross.go's signal-vs-threshold pattern.
package arbitrage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"insurance-core/internal/events"
	"insurance-core/internal/pool"
	"insurance-core/internal/tranche"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/money"
)

// Recommendation is the engine's per-tranche signal.
type Recommendation string

const (
	RecommendBuy  Recommendation = "Buy"
	RecommendSell Recommendation = "Sell"
	RecommendHold Recommendation = "Hold"
)

// Config holds the arbitrage engine's tunable parameters.
type Config struct {
	RiskFreeRate        float64 // annualized, default 0.03
	MispricingThreshold float64 // default 0.02
	MaxReallocationPct  float64 // fraction of the source tranche's capital, default 0.05
	ConfidenceDays      float64 // days to reach full confidence, default 90
}

// DefaultConfig returns the thresholds named in the specification.
func DefaultConfig() Config {
	return Config{
		RiskFreeRate:        0.03,
		MispricingThreshold: 0.02,
		MaxReallocationPct:  0.05,
		ConfidenceDays:      90,
	}
}

// Valuation is one tranche's fair-value evaluation.
type Valuation struct {
	Seniority      tranche.Seniority
	CurrentNAV     float64
	FairNAV        float64
	Mispricing     float64
	Recommendation Recommendation
}

// Reallocation is a proposed capital move between two mispriced
// tranches, bounded by MaxReallocationPct of the source's capital.
type Reallocation struct {
	From        tranche.Seniority
	To          tranche.Seniority
	AmountCents int64
	Confidence  float64
}

// Engine evaluates and proposes reallocations across the six tranches.
type Engine struct {
	pool      *pool.Pool
	defs      map[tranche.Seniority]tranche.Def
	tracker   *utilization.Tracker
	cfg       Config
	createdAt time.Time
	bus       *events.Bus
}

// New builds an Engine. createdAt is the pool's creation time, used to
// compute confidence. bus may be nil, in which case Execute publishes
// nothing.
func New(p *pool.Pool, defs []tranche.Def, tracker *utilization.Tracker, cfg Config, createdAt time.Time, bus *events.Bus) *Engine {
	m := make(map[tranche.Seniority]tranche.Def, len(defs))
	for _, d := range defs {
		m[d.Seniority] = d
	}
	return &Engine{pool: p, defs: m, tracker: tracker, cfg: cfg, createdAt: createdAt, bus: bus}
}

// Confidence grows linearly with days since pool creation, capped at
// 1.0 once ConfidenceDays have elapsed.
func (e *Engine) Confidence(now time.Time) float64 {
	days := now.Sub(e.createdAt).Hours() / 24
	if days <= 0 {
		return 0
	}
	if days >= e.cfg.ConfidenceDays {
		return 1
	}
	return days / e.cfg.ConfidenceDays
}

// Evaluate computes a Valuation for every tranche in seniority order.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) ([]Valuation, error) {
	snap := e.pool.Snapshot()
	order := []tranche.Seniority{tranche.BTCSenior, tranche.SNR, tranche.MEZZ, tranche.JNR, tranche.JNRPlus, tranche.EQT}

	vals := make([]Valuation, 0, len(order))
	for _, s := range order {
		acc, err := e.pool.TrancheSnapshot(s)
		if err != nil {
			return nil, fmt.Errorf("tranche snapshot %d: %w", s, err)
		}
		rec, err := e.tracker.Get(ctx, int(s))
		if err != nil {
			return nil, fmt.Errorf("utilization record %d: %w", s, err)
		}
		def := e.defs[s]

		var capitalShare float64
		if snap.TotalCapitalUSD > 0 {
			capitalShare = float64(acc.AllocatedCapital) / float64(snap.TotalCapitalUSD)
		}
		seniorityWeight := float64(s) / float64(tranche.Count)
		riskContribution := seniorityWeight * capitalShare

		lossAbsorptionCapacity := def.RiskCapacityPct

		var historicalLossRate float64
		if acc.AllocatedCapital > 0 {
			historicalLossRate = float64(acc.AccumulatedLosses) / float64(acc.AllocatedCapital)
		}

		fairYield := e.cfg.RiskFreeRate + 0.20*riskContribution + 0.15*lossAbsorptionCapacity + 2.0*historicalLossRate
		currentYield := float64(rec.CurrentAPYBps) / 10000

		currentNAV := acc.NAVPerToken()
		fairNAV := currentNAV * (1 + (fairYield - currentYield))

		var mispricing float64
		if currentNAV != 0 {
			mispricing = (fairNAV - currentNAV) / currentNAV
		}

		reco := RecommendHold
		switch {
		case mispricing > e.cfg.MispricingThreshold:
			reco = RecommendBuy
		case mispricing < -e.cfg.MispricingThreshold:
			reco = RecommendSell
		}

		vals = append(vals, Valuation{
			Seniority:      s,
			CurrentNAV:     currentNAV,
			FairNAV:        fairNAV,
			Mispricing:     mispricing,
			Recommendation: reco,
		})
	}
	return vals, nil
}

// Propose pairs Buy and Sell candidates by descending mispricing
// magnitude and proposes a bounded capital move from each Sell tranche
// (overpriced: NAV should fall, so capital should leave it) to each Buy
// tranche (underpriced: capital should move in). Proposals never
// change total pool capital.
func (e *Engine) Propose(ctx context.Context, vals []Valuation, now time.Time) ([]Reallocation, error) {
	var buys, sells []Valuation
	for _, v := range vals {
		switch v.Recommendation {
		case RecommendBuy:
			buys = append(buys, v)
		case RecommendSell:
			sells = append(sells, v)
		}
	}
	if len(buys) == 0 || len(sells) == 0 {
		return nil, nil
	}

	sort.Slice(buys, func(i, j int) bool { return buys[i].Mispricing > buys[j].Mispricing })
	sort.Slice(sells, func(i, j int) bool { return sells[i].Mispricing < sells[j].Mispricing })

	confidence := e.Confidence(now)
	n := len(buys)
	if len(sells) < n {
		n = len(sells)
	}

	reallocs := make([]Reallocation, 0, n)
	for i := 0; i < n; i++ {
		from := sells[i].Seniority
		to := buys[i].Seniority

		acc, err := e.pool.TrancheSnapshot(from)
		if err != nil {
			return nil, fmt.Errorf("tranche snapshot %d: %w", from, err)
		}
		amount := money.MulDiv(acc.AllocatedCapital, int64(e.cfg.MaxReallocationPct*10000), 10000)
		if amount <= 0 {
			continue
		}
		reallocs = append(reallocs, Reallocation{From: from, To: to, AmountCents: amount, Confidence: confidence})
	}
	return reallocs, nil
}

// Execute applies a proposed reallocation atomically via the pool,
// moving allocated_capital from one tranche to another without
// changing total pool capital.
func (e *Engine) Execute(ctx context.Context, r Reallocation) error {
	if err := e.pool.ReallocateCapital(ctx, r.From, r.To, r.AmountCents); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(events.EventReallocation, r)
	}
	return nil
}
