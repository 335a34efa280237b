package pool

import (
	"context"
	"time"

	"insurance-core/pkg/money"
)

// ApplyFloatTrade atomically applies a BTC/USD float trade: a positive
// satsDelta with a positive usdDelta is a buy (USD spent for BTC); a
// negative satsDelta with a negative usdDelta is a sell (BTC liquidated
// for USD). Realized P&L is implicit in the resulting cost basis, the
// same convention §4.4 describes.
func (p *Pool) ApplyFloatTrade(ctx context.Context, satsDelta, usdDelta int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.btcFloatSats = money.SaturatingNonNeg(money.SaturatingAdd(p.btcFloatSats, satsDelta))
	if satsDelta > 0 {
		p.btcCostBasis = money.SaturatingAdd(p.btcCostBasis, usdDelta)
	} else if satsDelta < 0 {
		p.btcCostBasis = money.SaturatingNonNeg(money.SaturatingAdd(p.btcCostBasis, usdDelta))
	}
	p.usdReserves = money.SaturatingNonNeg(money.SaturatingSub(p.usdReserves, usdDelta))
	p.lastRebalance = time.Now()
	return nil
}

// LastRebalance returns the timestamp of the most recent float trade.
func (p *Pool) LastRebalance() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRebalance
}
