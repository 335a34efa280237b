// Package trigger implements the Trigger Monitor (C9): a periodic sweep
// over active policies that detects a depeg, confirms it is sustained
// over the whole confirmation window, and executes an at-most-once
// payout. The external payout call is abstracted the same way the
// teacher abstracts a trading venue behind pkg/exchanges/common.Gateway.
package trigger

import (
	"context"
	"fmt"
	"log"
	"time"

	"insurance-core/internal/asset"
	"insurance-core/internal/coreerr"
	"insurance-core/internal/events"
	"insurance-core/internal/monitor"
	"insurance-core/internal/oracle"
	"insurance-core/internal/policy"
	"insurance-core/internal/pool"
	"insurance-core/pkg/store"
)

// PayoutClient is the external on-chain payout collaborator. It returns
// confirmed=true only once the on-chain operation is observed to have
// settled; a timeout or failure returns confirmed=false (or an error),
// and the Monitor leaves the policy in Confirmed state for retry.
type PayoutClient interface {
	ExecutePayout(ctx context.Context, policyID int64, amountCents int64) (confirmed bool, err error)
}

// Config holds the monitor's tunable parameters.
type Config struct {
	PollInterval       time.Duration
	ConfirmationPeriod int64 // seconds, default 14400 (4h)
}

// DefaultConfig returns the thresholds named in the specification.
func DefaultConfig() Config {
	return Config{
		PollInterval:       60 * time.Second,
		ConfirmationPeriod: 14400,
	}
}

// Monitor runs one sweep of the trigger/confirm/payout state machine
// per active policy.
type Monitor struct {
	store   *store.Store
	gate    *oracle.Gate
	pool    *pool.Pool
	payouts PayoutClient
	cfg     Config
	bus     *events.Bus
	metrics *monitor.SystemMetrics
}

// New builds a Monitor. bus and metrics may both be nil, in which case
// RunOnce publishes and increments nothing.
func New(s *store.Store, gate *oracle.Gate, p *pool.Pool, payouts PayoutClient, cfg Config, bus *events.Bus, metrics *monitor.SystemMetrics) *Monitor {
	return &Monitor{store: s, gate: gate, pool: p, payouts: payouts, cfg: cfg, bus: bus, metrics: metrics}
}

// RunOnce performs one full sweep: load active policies, group by
// asset, resolve one consensus price per asset, and advance each
// policy's state machine.
func (m *Monitor) RunOnce(ctx context.Context, now time.Time) error {
	policies, err := m.store.GetActivePolicies(ctx)
	if err != nil {
		return fmt.Errorf("load active policies: %w", err)
	}

	byAsset := make(map[asset.Asset][]policy.Policy)
	for _, p := range policies {
		byAsset[p.Asset] = append(byAsset[p.Asset], p)
	}

	prices := make(map[asset.Asset]float64, len(byAsset))
	for a := range byAsset {
		price, err := m.gate.Resolve(ctx, a, nil)
		if err != nil {
			log.Printf("trigger monitor: skipping asset %s this sweep: %v", a, err)
			continue
		}
		prices[a] = price.Value
	}

	var firstErr error
	for _, p := range policies {
		if p.Expired(now.Unix()) {
			if _, err := m.store.UpdatePolicyStatus(ctx, p.PolicyID, policy.StatusExpired); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := m.store.ClearTriggerState(ctx, p.PolicyID); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		price, ok := prices[p.Asset]
		if !ok {
			continue
		}
		if err := m.processPolicy(ctx, p, price, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Monitor) processPolicy(ctx context.Context, p policy.Policy, currentPrice float64, now time.Time) error {
	state, err := m.store.GetTriggerState(ctx, p.PolicyID)
	if err != nil {
		return fmt.Errorf("load trigger state for policy %d: %w", p.PolicyID, err)
	}

	if currentPrice >= p.TriggerPrice {
		if state == nil {
			return nil
		}
		if err := m.store.ClearTriggerState(ctx, p.PolicyID); err != nil {
			return fmt.Errorf("clear trigger state for policy %d: %w", p.PolicyID, err)
		}
		if p.Status == policy.StatusTriggered {
			if _, err := m.store.UpdatePolicyStatus(ctx, p.PolicyID, policy.StatusActive); err != nil {
				return fmt.Errorf("reset policy %d to active: %w", p.PolicyID, err)
			}
			m.publishStatus(p.PolicyID, policy.StatusActive)
		}
		return nil
	}

	if state == nil {
		if err := m.store.UpsertTriggerState(ctx, p.PolicyID, now.Unix(), false); err != nil {
			return fmt.Errorf("record trigger state for policy %d: %w", p.PolicyID, err)
		}
		if p.Status == policy.StatusActive {
			if _, err := m.store.UpdatePolicyStatus(ctx, p.PolicyID, policy.StatusTriggered); err != nil {
				return fmt.Errorf("mark policy %d triggered: %w", p.PolicyID, err)
			}
			m.publishStatus(p.PolicyID, policy.StatusTriggered)
		}
		log.Printf("Depeg Detected: policy %d asset %s price %v below trigger %v", p.PolicyID, p.Asset, currentPrice, p.TriggerPrice)
		if m.metrics != nil {
			m.metrics.IncrementTriggersFired()
		}
		if m.bus != nil {
			m.bus.Publish(events.EventRiskAlert, map[string]any{
				"policy_id":     p.PolicyID,
				"asset":         p.Asset,
				"price":         currentPrice,
				"trigger_price": p.TriggerPrice,
			})
		}
		return nil
	}

	elapsed := now.Unix() - state.FirstTriggerTime
	if elapsed < m.cfg.ConfirmationPeriod {
		return nil
	}

	sustained, err := m.store.CheckSustainedDepeg(ctx, p.Asset, p.TriggerPrice, m.cfg.ConfirmationPeriod, now)
	if err != nil {
		return fmt.Errorf("check sustained depeg for policy %d: %w", p.PolicyID, err)
	}
	if !sustained {
		return nil
	}

	if p.Status != policy.StatusConfirmed {
		ok, err := m.store.UpdatePolicyStatus(ctx, p.PolicyID, policy.StatusConfirmed)
		if err != nil {
			return fmt.Errorf("confirm policy %d: %w", p.PolicyID, err)
		}
		if !ok {
			// Lost a race with a concurrent sweep; let the next iteration
			// pick it up from whatever state it landed in.
			return nil
		}
		if err := m.store.UpsertTriggerState(ctx, p.PolicyID, state.FirstTriggerTime, true); err != nil {
			return fmt.Errorf("mark trigger state confirmed for policy %d: %w", p.PolicyID, err)
		}
		m.publishStatus(p.PolicyID, policy.StatusConfirmed)
	}

	return m.settlePayout(ctx, p, currentPrice, now)
}

// settlePayout executes the at-most-once payout for a Confirmed policy.
// It is safe to call repeatedly: a policy already Paid is filtered out
// upstream by GetActivePolicies, and a duplicate call that arrives
// after a successful prior payout finds UpdatePolicyStatus's Paid
// transition already consumed and returns without recording the payout
// or charging the pool again (the payout client itself is called again).
func (m *Monitor) settlePayout(ctx context.Context, p policy.Policy, currentPrice float64, now time.Time) error {
	amount := p.PayoutForPrice(currentPrice)

	confirmed, err := m.payouts.ExecutePayout(ctx, p.PolicyID, amount)
	if err != nil {
		return fmt.Errorf("%w: execute payout for policy %d: %v", coreerr.ErrExternalCallFailed, p.PolicyID, err)
	}
	if !confirmed {
		// Remains Confirmed; retried next sweep.
		return nil
	}

	applied, err := m.store.UpdatePolicyStatus(ctx, p.PolicyID, policy.StatusPaid)
	if err != nil {
		return fmt.Errorf("mark policy %d paid: %w", p.PolicyID, err)
	}
	if !applied {
		// Another sweep already recorded this payout.
		return nil
	}
	if err := m.store.RecordPayout(ctx, p.PolicyID, amount, now); err != nil {
		return fmt.Errorf("record payout for policy %d: %w", p.PolicyID, err)
	}
	if err := m.pool.ExecutePayout(ctx, p.PolicyID, amount); err != nil {
		return fmt.Errorf("apply payout %d to pool waterfall: %w", p.PolicyID, err)
	}
	if err := m.store.ClearTriggerState(ctx, p.PolicyID); err != nil {
		return fmt.Errorf("clear trigger state for policy %d: %w", p.PolicyID, err)
	}
	m.publishStatus(p.PolicyID, policy.StatusPaid)
	if m.metrics != nil {
		m.metrics.IncrementPayoutsSettled()
	}
	if m.bus != nil {
		m.bus.Publish(events.EventPayoutSettled, map[string]any{
			"policy_id":    p.PolicyID,
			"amount_cents": amount,
			"settled_at":   now,
		})
	}
	return nil
}

// publishStatus emits a policy status change to the event bus; a nil
// bus is a no-op, so callers never need to guard it themselves.
func (m *Monitor) publishStatus(policyID int64, status policy.Status) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventPolicyStatus, map[string]any{
		"policy_id": policyID,
		"status":    status,
	})
}
