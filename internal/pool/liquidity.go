package pool

import (
	"context"
	"fmt"
	"math"

	"insurance-core/internal/coreerr"
	"insurance-core/internal/tranche"
	"insurance-core/pkg/money"
)

// AddLiquidity mints LP tokens for amountCents contributed to
// trancheID, at the tranche's current NAV per token. Integer division
// for token minting truncates.
func (p *Pool) AddLiquidity(ctx context.Context, lpAddress string, trancheID tranche.Seniority, amountCents int64) (int64, error) {
	if amountCents <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", coreerr.ErrValidation)
	}

	p.mu.Lock()
	acc, ok := p.accounts[trancheID]
	if !ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: tranche %d", coreerr.ErrNotFound, trancheID)
	}

	navPerToken := acc.NAVPerToken()
	tokensMinted := int64(math.Floor(float64(amountCents) / navPerToken))

	acc.LPHolders[lpAddress] += tokensMinted
	acc.LPTokenSupply += tokensMinted
	acc.AllocatedCapital = money.SaturatingAdd(acc.AllocatedCapital, amountCents)
	p.totalCapital = money.SaturatingAdd(p.totalCapital, amountCents)
	p.usdReserves = money.SaturatingAdd(p.usdReserves, amountCents)
	p.mu.Unlock()

	if _, err := p.tracker.UpdateCapital(ctx, int(trancheID), amountCents); err != nil {
		return 0, fmt.Errorf("sync tranche capital: %w", err)
	}
	return tokensMinted, nil
}

// RemoveLiquidity burns tokens from lpAddress's balance in trancheID
// and returns the USD cents withdrawn, rounded to the nearest cent.
func (p *Pool) RemoveLiquidity(ctx context.Context, lpAddress string, trancheID tranche.Seniority, tokens int64) (int64, error) {
	if tokens <= 0 {
		return 0, fmt.Errorf("%w: tokens must be positive", coreerr.ErrValidation)
	}

	p.mu.Lock()
	acc, ok := p.accounts[trancheID]
	if !ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: tranche %d", coreerr.ErrNotFound, trancheID)
	}

	balance := acc.LPHolders[lpAddress]
	if balance < tokens {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: lp %s has %d tokens, requested %d", coreerr.ErrInsufficientBalance, lpAddress, balance, tokens)
	}

	navPerToken := acc.NAVPerToken()
	withdrawal := int64(math.Round(float64(tokens) * navPerToken))

	if withdrawal > p.usdReserves {
		p.mu.Unlock()
		return 0, coreerr.ErrInsufficientLiquidity
	}

	newBalance := balance - tokens
	if newBalance == 0 {
		delete(acc.LPHolders, lpAddress)
	} else {
		acc.LPHolders[lpAddress] = newBalance
	}
	acc.LPTokenSupply -= tokens
	acc.AllocatedCapital = money.SaturatingNonNeg(acc.AllocatedCapital - withdrawal)
	p.totalCapital = money.SaturatingNonNeg(p.totalCapital - withdrawal)
	p.usdReserves = money.SaturatingNonNeg(p.usdReserves - withdrawal)
	p.mu.Unlock()

	if _, err := p.tracker.UpdateCapital(ctx, int(trancheID), -withdrawal); err != nil {
		return 0, fmt.Errorf("sync tranche capital: %w", err)
	}
	return withdrawal, nil
}
