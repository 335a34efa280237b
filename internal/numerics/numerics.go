// Package numerics provides the statistical primitives (mean, variance,
// standard deviation, correlation, quantiles, Monte Carlo VaR/CVaR)
// consumed as a black-box collaborator by the underwriting gate's stress
// check and the supervisor's float-rebalancer and weekly ETL workers. Per spec, these are pure
// functions over historical series; a reimplementation may swap the
// local (gonum-backed) estimator for a remote one without affecting any
// caller.
package numerics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Estimator is the numerical library collaborator's contract.
type Estimator interface {
	// Mean, Variance, StdDev are defined for non-empty series.
	Mean(xs []float64) float64
	Variance(xs []float64) float64
	StdDev(xs []float64) float64

	// Correlation returns (value, true), or (0, false) when either
	// series has fewer than 10 points or has zero variance.
	Correlation(xs, ys []float64) (float64, bool)

	// Quantile returns the p-quantile (p in [0,1]) of xs.
	Quantile(p float64, xs []float64) float64

	// WorstCaseLoss estimates a Monte-Carlo-style value-at-risk over a
	// pool's exposure given a historical return series, as a fraction of
	// total coverage (0..1). confidence is typically 0.95 or 0.99.
	WorstCaseLoss(returns []float64, confidence float64) float64

	// CVaR (expected shortfall) is the average loss beyond the VaR
	// quantile, as a fraction of total coverage.
	CVaR(returns []float64, confidence float64) float64
}

// MinCorrelationSamples is the minimum series length Correlation will
// operate on, per the black-box contract in spec §9.
const MinCorrelationSamples = 10

// Local is the gonum-backed implementation of Estimator, used when no
// remote numerical engine is configured.
type Local struct{}

// NewLocal builds a Local estimator.
func NewLocal() *Local { return &Local{} }

func (Local) Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func (Local) Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.Variance(xs, nil)
}

func (l Local) StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return math.Sqrt(l.Variance(xs))
}

func (Local) Correlation(xs, ys []float64) (float64, bool) {
	if len(xs) < MinCorrelationSamples || len(ys) < MinCorrelationSamples || len(xs) != len(ys) {
		return 0, false
	}
	if stat.Variance(xs, nil) == 0 || stat.Variance(ys, nil) == 0 {
		return 0, false
	}
	return stat.Correlation(xs, ys, nil), true
}

func (Local) Quantile(p float64, xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// WorstCaseLoss implements a historical-simulation VaR: the loss
// quantile at (1-confidence) of the empirical return distribution,
// floored at zero (gains are not a loss).
func (l Local) WorstCaseLoss(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0.5 // conservative fallback per spec §4.3 step 7
	}
	losses := make([]float64, len(returns))
	for i, r := range returns {
		losses[i] = -r
	}
	v := l.Quantile(confidence, losses)
	if v < 0 {
		v = 0
	}
	return v
}

// CVaR averages the losses at or beyond the VaR quantile.
func (l Local) CVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0.5
	}
	varValue := l.WorstCaseLoss(returns, confidence)
	losses := make([]float64, len(returns))
	for i, r := range returns {
		losses[i] = -r
	}
	sort.Float64s(losses)

	var tail []float64
	for _, loss := range losses {
		if loss >= varValue {
			tail = append(tail, loss)
		}
	}
	if len(tail) == 0 {
		return varValue
	}
	return l.Mean(tail)
}
