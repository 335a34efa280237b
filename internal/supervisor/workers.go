package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"insurance-core/internal/arbitrage"
	"insurance-core/internal/asset"
	"insurance-core/internal/numerics"
	"insurance-core/internal/oracle"
	"insurance-core/internal/pool"
	"insurance-core/internal/rebalancer"
	"insurance-core/internal/trigger"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/store"
)

// TrackedAssets is the fixed set of stablecoins the price-ingestion
// worker warms the history cache for. BTC is kept out of this list
// since it prices the BTC float, not a covered peg; the same worker
// records it separately for the float rebalancer.
var TrackedAssets = []asset.Asset{
	asset.USDC, asset.USDT, asset.DAI, asset.USDP, asset.FRAX, asset.BUSD,
	asset.USDe, asset.SUSDe, asset.USDY, asset.PYUSD, asset.GHO, asset.LUSD,
	asset.CRVUSD, asset.MKUSD,
}

// NewPriceIngestionWorker polls the oracle gate for every tracked
// asset and BTC and records each resolved price into the history cache,
// which backs the volatility estimates the rebalancer and weekly ETL read.
// Runs every 120s per the specification's worker table.
func NewPriceIngestionWorker(gate *oracle.Gate, history *oracle.HistoryCache, s *store.Store) Worker {
	step := func(ctx context.Context) error {
		var firstErr error
		for _, a := range TrackedAssets {
			price, err := gate.Resolve(ctx, a, nil)
			if err != nil {
				log.Printf("price ingestion: skipping %s this sweep: %v", a, err)
				continue
			}
			history.Record(a, price)
			if s != nil {
				if err := s.InsertPrice(ctx, a, price.Value, "gate", price.Timestamp); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		if price, err := gate.Resolve(ctx, asset.BTC, nil); err != nil {
			log.Printf("price ingestion: skipping %s this sweep: %v", asset.BTC, err)
		} else {
			history.Record(asset.BTC, price)
		}
		return firstErr
	}
	return Periodic("price_ingestion", 120*time.Second, step)
}

// NewTriggerMonitorWorker wraps the trigger monitor's sweep. Runs
// every 60s per the specification's worker table.
func NewTriggerMonitorWorker(m *trigger.Monitor) Worker {
	step := func(ctx context.Context) error {
		return m.RunOnce(ctx, time.Now())
	}
	return Periodic("trigger_monitor", 60*time.Second, step)
}

// NewFloatRebalancerWorker evaluates and applies the float
// rebalancer's target-fraction decision. Runs every 300s per the
// specification's worker table. Volatility is the realized stddev of
// BTC's recent returns from the history cache; exposures are every
// policy's coverage at its own trigger/floor as the rebalancer's
// stress assumption (a policy's own floor price is its worst case).
func NewFloatRebalancerWorker(r *rebalancer.Rebalancer, history *oracle.HistoryCache, est numerics.Estimator, s *store.Store, p *pool.Pool) Worker {
	step := func(ctx context.Context) error {
		btcPrice, ok := history.Latest(asset.BTC)
		if !ok {
			return fmt.Errorf("float rebalancer: no BTC price available")
		}
		returns := history.Returns(asset.BTC)
		vol := est.StdDev(returns)

		policies, err := s.GetActivePolicies(ctx)
		if err != nil {
			return fmt.Errorf("float rebalancer: load active policies: %w", err)
		}
		exposures := make([]rebalancer.PolicyExposure, 0, len(policies))
		for _, pol := range policies {
			exposures = append(exposures, rebalancer.PolicyExposure{
				CoverageAmount: pol.CoverageAmount,
				StressPrice:    pol.FloorPrice,
				TriggerPrice:   pol.TriggerPrice,
				FloorPrice:     pol.FloorPrice,
			})
		}

		snap := p.Snapshot()
		var ltv float64
		if snap.TotalCapitalUSD > 0 {
			ltv = float64(snap.TotalCoverageSold) / float64(snap.TotalCapitalUSD)
		}

		// The oracle quotes USD per BTC; the rebalancer takes cents per satoshi.
		pricePerSat := btcPrice.Value * 100 / 1e8

		dec, err := r.Evaluate(ctx, pricePerSat, vol, exposures, ltv)
		if err != nil {
			return fmt.Errorf("float rebalancer: evaluate: %w", err)
		}
		if err := r.Apply(ctx, dec, pricePerSat); err != nil {
			return fmt.Errorf("float rebalancer: apply: %w", err)
		}
		return nil
	}
	return Periodic("float_rebalancer", 300*time.Second, step)
}

// NewTrancheArbitrageWorker evaluates fair-vs-current NAV for every
// tranche and executes any proposed reallocations. Runs every 900s
// per the specification's worker table.
func NewTrancheArbitrageWorker(e *arbitrage.Engine) Worker {
	step := func(ctx context.Context) error {
		now := time.Now()
		vals, err := e.Evaluate(ctx, now)
		if err != nil {
			return fmt.Errorf("tranche arbitrage: evaluate: %w", err)
		}
		reallocs, err := e.Propose(ctx, vals, now)
		if err != nil {
			return fmt.Errorf("tranche arbitrage: propose: %w", err)
		}
		for _, r := range reallocs {
			if err := e.Execute(ctx, r); err != nil {
				return fmt.Errorf("tranche arbitrage: execute %d->%d: %w", r.From, r.To, err)
			}
		}
		return nil
	}
	return Periodic("tranche_arbitrage", 900*time.Second, step)
}

// NewRiskMonitorWorker re-reads every tranche's utilization record
// past its cache TTL and logs any tranche whose utilization ratio has
// crossed the warning band, a cheap periodic pass over already-
// computed state grounded on risk.Manager's QuickCheck idiom. Runs
// every 60s per the specification's worker table.
func NewRiskMonitorWorker(tracker *utilization.Tracker, trancheIDs []int, warnRatio float64) Worker {
	step := func(ctx context.Context) error {
		var firstErr error
		for _, id := range trancheIDs {
			rec, err := tracker.Get(ctx, id)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if rec.UtilizationRatio >= warnRatio {
				log.Printf("unified risk monitor: tranche %d utilization %.4f at or above warning band %.4f", id, rec.UtilizationRatio, warnRatio)
			}
		}
		return firstErr
	}
	return Periodic("unified_risk_monitor", 60*time.Second, step)
}

// NewDailyETLWorker runs the daily aggregation pass at 02:00 UTC:
// sweeping the oracle history cache for samples older than maxAge.
func NewDailyETLWorker(history *oracle.HistoryCache, maxAge time.Duration) Worker {
	step := func(ctx context.Context) error {
		dropped := history.Cleanup(maxAge)
		log.Printf("daily ETL: dropped %d stale price samples older than %s", dropped, maxAge)
		return nil
	}
	return DailyAt("daily_etl", 2, 0, step)
}

// NewWeeklyETLWorker runs the weekly aggregation pass at 03:00 UTC on
// Sunday: recomputing realized volatility and pairwise correlation
// across every tracked asset from the history cache's return series
// and persisting the results, the same estimator/persistence split C2
// and C3 use on demand, run here as a standing batch job instead of
// inline with a pricing request.
func NewWeeklyETLWorker(history *oracle.HistoryCache, est numerics.Estimator, s *store.Store) Worker {
	step := func(ctx context.Context) error {
		now := time.Now()
		vols := make([]store.VolatilityEstimate, 0, len(TrackedAssets))
		returns := make(map[asset.Asset][]float64, len(TrackedAssets))
		for _, a := range TrackedAssets {
			rs := history.Returns(a)
			returns[a] = rs
			if len(rs) == 0 {
				continue
			}
			vols = append(vols, store.VolatilityEstimate{
				Asset:                a,
				AnnualizedVolatility: est.StdDev(rs),
				ComputedAt:           now,
			})
		}
		if err := s.PersistVolatilityEstimates(ctx, vols); err != nil {
			return fmt.Errorf("weekly ETL: persist volatility estimates: %w", err)
		}

		var corrs []store.CorrelationEntry
		for i, a := range TrackedAssets {
			for _, b := range TrackedAssets[i+1:] {
				corr, ok := est.Correlation(returns[a], returns[b])
				if !ok {
					continue
				}
				corrs = append(corrs, store.CorrelationEntry{AssetA: a, AssetB: b, Correlation: corr, ComputedAt: now})
			}
		}
		if err := s.PersistCorrelationMatrix(ctx, corrs); err != nil {
			return fmt.Errorf("weekly ETL: persist correlation matrix: %w", err)
		}
		return nil
	}
	return WeeklyAt("weekly_etl", time.Sunday, 3, 0, step)
}
