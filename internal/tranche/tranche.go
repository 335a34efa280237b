// Package tranche defines the six fixed capital tranches, their static
// risk/yield parameters, and the bonding-curve APY shapes used to price
// them. LoadDefs reads the static table from YAML, the same way the
// teacher loads strategy definitions; DefaultDefs is the built-in table
// that main.go uses.
package tranche

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Seniority identifies one of the six fixed tranches, 1 (most senior)
// through 6 (most junior).
type Seniority int

const (
	BTCSenior Seniority = 1
	SNR       Seniority = 2
	MEZZ      Seniority = 3
	JNR       Seniority = 4
	JNRPlus   Seniority = 5
	EQT       Seniority = 6
)

// Count is the fixed number of tranches in the unified pool.
const Count = 6

// CurveShape names a bonding-curve APY function.
type CurveShape string

const (
	CurveFlat        CurveShape = "flat"
	CurveLogarithmic CurveShape = "logarithmic"
	CurveLinear      CurveShape = "linear"
	CurveSigmoidal   CurveShape = "sigmoidal"
	CurveQuadratic   CurveShape = "quadratic"
	CurveExponential CurveShape = "exponential"
)

// Def is the static, immutable definition of one tranche: its seniority,
// risk capacity, and APY bonding curve. Loaded once at startup and never
// mutated; the tranche's mutable capital/coverage state lives separately
// in internal/pool.
type Def struct {
	Seniority       Seniority  `yaml:"seniority"`
	Name            string     `yaml:"name"`
	RiskCapacityPct float64    `yaml:"risk_capacity_pct"`
	Curve           CurveShape `yaml:"curve"`
	MinAPYBps       int        `yaml:"min_apy_bps"`
	MaxAPYBps       int        `yaml:"max_apy_bps"`
}

// defsFile is the top-level YAML document shape.
type defsFile struct {
	Tranches []Def `yaml:"tranches"`
}

// DefaultDefs returns the canonical six-tranche table described in the
// data model, used when no YAML override is configured.
func DefaultDefs() []Def {
	return []Def{
		{BTCSenior, "BTC senior", 0.50, CurveFlat, 100, 300},
		{SNR, "SNR", 0.60, CurveLogarithmic, 300, 600},
		{MEZZ, "MEZZ", 0.70, CurveLinear, 500, 1000},
		{JNR, "JNR", 0.80, CurveSigmoidal, 800, 1500},
		{JNRPlus, "JNR+", 0.90, CurveQuadratic, 1200, 2500},
		{EQT, "EQT", 1.00, CurveExponential, 1500, 5000},
	}
}

// LoadDefs reads tranche definitions from a YAML file, the same shape
// strategy.LoadConfig reads strategy definitions in the teacher.
func LoadDefs(path string) ([]Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tranche definitions: %w", err)
	}
	var file defsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tranche definitions: %w", err)
	}
	if len(file.Tranches) != Count {
		return nil, fmt.Errorf("expected %d tranche definitions, got %d", Count, len(file.Tranches))
	}
	return file.Tranches, nil
}

// APY evaluates this tranche's bonding curve at the given utilization
// ratio (0..1), clamped into [MinAPYBps, MaxAPYBps].
func (d Def) APY(utilization float64) int {
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 1 {
		utilization = 1
	}

	span := float64(d.MaxAPYBps - d.MinAPYBps)
	var frac float64

	switch d.Curve {
	case CurveFlat:
		frac = 0.5
	case CurveLogarithmic:
		frac = math.Log1p(9*utilization) / math.Log1p(9)
	case CurveLinear:
		frac = utilization
	case CurveSigmoidal:
		// logistic curve centered at 0.5, steepness 10
		frac = 1 / (1 + math.Exp(-10*(utilization-0.5)))
	case CurveQuadratic:
		frac = utilization * utilization
	case CurveExponential:
		frac = (math.Exp(3*utilization) - 1) / (math.Exp(3) - 1)
	default:
		frac = utilization
	}

	return d.MinAPYBps + int(frac*span)
}
