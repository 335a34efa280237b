// Package policy defines the insurance policy record and its status
// state machine. A Policy is immutable except for its status and payout
// fields once created.
package policy

import (
	"fmt"

	"insurance-core/internal/asset"
)

// Status is one state in a Policy's lifecycle.
type Status string

const (
	StatusActive    Status = "Active"
	StatusTriggered Status = "Triggered"
	StatusConfirmed Status = "Confirmed"
	StatusPaid      Status = "Paid"
	StatusExpired   Status = "Expired"
	StatusCancelled Status = "Cancelled"
)

// legalPredecessors lists, for each status, the statuses a row may
// transition from. update_policy_status in the persistence layer must
// reject any transition not listed here.
var legalPredecessors = map[Status][]Status{
	StatusTriggered: {StatusActive},
	StatusConfirmed: {StatusTriggered},
	StatusPaid:      {StatusActive, StatusTriggered, StatusConfirmed},
	StatusExpired:   {StatusActive, StatusTriggered, StatusConfirmed},
	StatusCancelled: {StatusActive},
	StatusActive:    {StatusActive, StatusTriggered}, // recovery reset
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, pred := range legalPredecessors[to] {
		if pred == from {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal status; a policy in a
// terminal status never transitions again.
func Terminal(s Status) bool {
	return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

// Policy is a single underwritten insurance contract.
type Policy struct {
	PolicyID       int64
	Policyholder   string
	Beneficiary    string
	Asset          asset.Asset
	TrancheID      int
	CoverageAmount int64 // cents, > 0
	PremiumPaid    int64 // cents, >= 0
	TriggerPrice   float64
	FloorPrice     float64
	StartTime      int64 // epoch seconds
	ExpiryTime     int64 // epoch seconds
	Status         Status
	PayoutAmount   int64 // set iff Status == Paid
	PayoutTime     int64 // set iff Status == Paid
}

// Validate checks the static preconditions from the data model: coverage
// and premium non-negative/positive, trigger/floor ordering, and a sane
// time range. It does not touch persistence or pool state.
func (p Policy) Validate() error {
	if p.CoverageAmount <= 0 {
		return fmt.Errorf("coverage_amount must be positive, got %d", p.CoverageAmount)
	}
	if p.PremiumPaid < 0 {
		return fmt.Errorf("premium_paid must be non-negative, got %d", p.PremiumPaid)
	}
	if !(p.FloorPrice > 0 && p.FloorPrice < p.TriggerPrice && p.TriggerPrice <= 1.5) {
		return fmt.Errorf("invalid trigger/floor prices: floor=%v trigger=%v", p.FloorPrice, p.TriggerPrice)
	}
	if p.StartTime >= p.ExpiryTime {
		return fmt.Errorf("start_time must precede expiry_time")
	}
	if !asset.Known(p.Asset) {
		return fmt.Errorf("unknown asset: %s", p.Asset)
	}
	return nil
}

// Expired reports whether the policy's expiry has passed as of now
// (epoch seconds).
func (p Policy) Expired(now int64) bool {
	return now > p.ExpiryTime
}

// PayoutForPrice computes the linear payout between trigger and floor
// price, per spec: 0 at or above trigger, full coverage at or below
// floor, linear in between, truncated to whole cents.
func (p Policy) PayoutForPrice(price float64) int64 {
	switch {
	case price >= p.TriggerPrice:
		return 0
	case price <= p.FloorPrice:
		return p.CoverageAmount
	default:
		ratio := (p.TriggerPrice - price) / (p.TriggerPrice - p.FloorPrice)
		return int64(float64(p.CoverageAmount) * ratio)
	}
}
