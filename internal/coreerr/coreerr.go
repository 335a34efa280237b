// Package coreerr defines the sentinel error kinds shared by every
// component of the risk and actuation core. Callers use errors.Is against
// these sentinels; reason text is attached with fmt.Errorf's %w wrapping,
// not a custom exception hierarchy.
package coreerr

import "errors"

var (
	// ErrValidation means input violated a static precondition (negative
	// amount, unknown asset, malformed record).
	ErrValidation = errors.New("validation error")

	// ErrUnderwritingRejected means a gate check failed. The accompanying
	// wrapped text carries the human-readable reason from the first
	// failing check.
	ErrUnderwritingRejected = errors.New("underwriting rejected")

	// ErrInsufficientReserves means a payout is larger than the pool's
	// usd_reserves.
	ErrInsufficientReserves = errors.New("insufficient reserves")

	// ErrInsufficientLiquidity means available liquid capital cannot
	// cover the requested withdrawal or rebalance.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrInsufficientBalance means an LP or tranche balance cannot cover
	// the requested debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound means the addressed entity (policy, tranche, LP) does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrOracleUnavailable means no price could be obtained at all.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrStaleOracle means a price was obtained but exceeds the maximum
	// allowed age. Distinct from ErrOracleUnavailable so callers can
	// choose to fall back rather than retry.
	ErrStaleOracle = errors.New("stale oracle price")

	// ErrPersistence means the durable store failed, transiently or
	// permanently.
	ErrPersistence = errors.New("persistence error")

	// ErrExternalCallFailed means an on-chain or HTTP call to an
	// external collaborator failed.
	ErrExternalCallFailed = errors.New("external call failed")

	// ErrTimeout means a cooperative worker step exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrInsolventPool means the waterfall could not absorb a loss; the
	// pool must enter emergency state.
	ErrInsolventPool = errors.New("insolvent pool")
)
