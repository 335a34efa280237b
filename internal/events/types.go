package events

// Event enumerates high-level topics published across the insurance
// core's subsystems, consumed by the ops websocket stream.
type Event string

const (
	EventPriceTick     Event = "price_tick"
	EventPolicyStatus  Event = "policy.status_changed"
	EventPayoutSettled Event = "payout.settled"
	EventRebalance     Event = "pool.rebalanced"
	EventReallocation  Event = "pool.reallocated"
	EventRiskAlert     Event = "risk_alert"
	EventWorkerFailed  Event = "worker.failed"
	EventEmergencyStop Event = "supervisor.emergency_stop"
)
