// Package oracle defines the price oracle collaborator interface and a
// confidence/staleness-gated wrapper around it. The oracle backend
// itself (HTTP/WebSocket clients to real price feeds) is out of scope;
// this package only specifies the contract and a fallback policy.
package oracle

import (
	"context"
	"fmt"
	"time"

	"insurance-core/internal/asset"
)

// Price is a single consensus price observation for an asset.
type Price struct {
	Value      float64
	Timestamp  time.Time
	Confidence float64 // in [0,1]
}

// Client is the external price oracle collaborator. GetConsensusPrice
// returns the zero Price and ok=false when no price could be obtained at
// all (as opposed to a low-confidence or stale one, which is still
// returned so the caller can apply fallback policy).
type Client interface {
	GetConsensusPrice(ctx context.Context, a asset.Asset, previous *Price) (Price, bool)
}

// MinConfidence is the threshold below which a price is treated as
// unusable and the caller falls back to a configured default.
const MinConfidence = 0.7

// MaxAge is the default maximum acceptable price age before it is
// rejected as stale.
const MaxAge = 5 * time.Minute

// FallbackConfig supplies the per-asset fallback values used when the
// oracle's price is unusable.
type FallbackConfig struct {
	// StablecoinFallback is the price substituted for any stablecoin
	// whose oracle reading is unusable, typically 1.00.
	StablecoinFallback float64
	// LastKnownBTC is the most recent accepted BTC price, used as the
	// fallback since BTC has no natural peg to substitute.
	LastKnownBTC float64
}

// Gate wraps a Client with the confidence/staleness/fallback policy
// described in spec: confidence below MinConfidence, or a timestamp
// older than maxAge, is treated as unusable.
type Gate struct {
	Client   Client
	MaxAge   time.Duration
	Fallback FallbackConfig
}

// NewGate builds a Gate with the default maximum age.
func NewGate(client Client, fallback FallbackConfig) *Gate {
	return &Gate{Client: client, MaxAge: MaxAge, Fallback: fallback}
}

// Resolve fetches a consensus price for a, applying the confidence and
// staleness gate and the configured fallback. It returns an error only
// when no usable price and no fallback value exist (BTC with no prior
// LastKnownBTC and no usable oracle reading).
func (g *Gate) Resolve(ctx context.Context, a asset.Asset, previous *Price) (Price, error) {
	p, ok := g.Client.GetConsensusPrice(ctx, a, previous)
	if ok && g.usable(p) {
		return p, nil
	}

	if asset.IsStablecoin(a) {
		if g.Fallback.StablecoinFallback > 0 {
			return Price{Value: g.Fallback.StablecoinFallback, Timestamp: time.Now(), Confidence: 0}, nil
		}
		return Price{}, fmt.Errorf("oracle unusable for %s and no stablecoin fallback configured", a)
	}

	if a == asset.BTC {
		if g.Fallback.LastKnownBTC > 0 {
			return Price{Value: g.Fallback.LastKnownBTC, Timestamp: time.Now(), Confidence: 0}, nil
		}
	}

	return Price{}, fmt.Errorf("oracle unusable for %s and no fallback configured", a)
}

func (g *Gate) usable(p Price) bool {
	if p.Confidence < MinConfidence {
		return false
	}
	maxAge := g.MaxAge
	if maxAge == 0 {
		maxAge = MaxAge
	}
	return time.Since(p.Timestamp) <= maxAge
}

// StaticOracle is a deterministic in-memory test double implementing
// Client, used by tests and local/demo runs in place of a real oracle
// backend.
type StaticOracle struct {
	Prices map[asset.Asset]Price
}

// NewStaticOracle builds a StaticOracle with an empty price table.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{Prices: make(map[asset.Asset]Price)}
}

// Set installs a fixed price for a.
func (s *StaticOracle) Set(a asset.Asset, value, confidence float64, ts time.Time) {
	s.Prices[a] = Price{Value: value, Timestamp: ts, Confidence: confidence}
}

// GetConsensusPrice implements Client.
func (s *StaticOracle) GetConsensusPrice(_ context.Context, a asset.Asset, _ *Price) (Price, bool) {
	p, ok := s.Prices[a]
	return p, ok
}
