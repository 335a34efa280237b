package pool

import (
	"context"
	"fmt"

	"insurance-core/internal/coreerr"
	"insurance-core/internal/tranche"
)

// ReallocateCapital moves amountCents of allocated_capital from one
// tranche to another in a single locked step, syncing both tranches'
// utilization records. Total pool capital is unchanged: this only
// shifts capital between the pool's own accounts, it never mints or
// burns LP tokens.
func (p *Pool) ReallocateCapital(ctx context.Context, from, to tranche.Seniority, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("reallocation amount must be positive, got %d", amountCents)
	}
	if from == to {
		return fmt.Errorf("cannot reallocate a tranche to itself")
	}

	p.mu.Lock()
	src, ok := p.accounts[from]
	if !ok {
		p.mu.Unlock()
		return coreerr.ErrNotFound
	}
	dst, ok := p.accounts[to]
	if !ok {
		p.mu.Unlock()
		return coreerr.ErrNotFound
	}
	if src.AllocatedCapital < amountCents {
		p.mu.Unlock()
		return coreerr.ErrInsufficientLiquidity
	}
	src.AllocatedCapital -= amountCents
	dst.AllocatedCapital += amountCents
	p.mu.Unlock()

	if p.tracker == nil {
		return nil
	}
	if _, err := p.tracker.UpdateCapital(ctx, int(from), -amountCents); err != nil {
		return fmt.Errorf("sync source tranche capital: %w", err)
	}
	if _, err := p.tracker.UpdateCapital(ctx, int(to), amountCents); err != nil {
		return fmt.Errorf("sync destination tranche capital: %w", err)
	}
	return nil
}
