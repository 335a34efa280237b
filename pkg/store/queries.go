package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"insurance-core/internal/asset"
	"insurance-core/internal/coreerr"
	"insurance-core/internal/policy"
)

// GetActivePolicies returns every policy in a non-terminal status.
func (s *Store) GetActivePolicies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT policy_id, policyholder, beneficiary, asset, tranche_id, coverage_amount,
		       premium_paid, trigger_price, floor_price, start_time, expiry_time, status,
		       payout_amount, payout_time
		FROM policies
		WHERE status NOT IN ('Paid','Expired','Cancelled')
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query active policies: %v", coreerr.ErrPersistence, err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		var a string
		var st string
		if err := rows.Scan(&p.PolicyID, &p.Policyholder, &p.Beneficiary, &a, &p.TrancheID,
			&p.CoverageAmount, &p.PremiumPaid, &p.TriggerPrice, &p.FloorPrice,
			&p.StartTime, &p.ExpiryTime, &st, &p.PayoutAmount, &p.PayoutTime); err != nil {
			return nil, fmt.Errorf("%w: scan policy: %v", coreerr.ErrPersistence, err)
		}
		p.Asset = asset.Asset(a)
		p.Status = policy.Status(st)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPolicy inserts a new policy row in Active status.
func (s *Store) InsertPolicy(ctx context.Context, p policy.Policy) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO policies (
			policy_id, policyholder, beneficiary, asset, tranche_id, coverage_amount,
			premium_paid, trigger_price, floor_price, start_time, expiry_time, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.PolicyID, p.Policyholder, p.Beneficiary, string(p.Asset), p.TrancheID, p.CoverageAmount,
		p.PremiumPaid, p.TriggerPrice, p.FloorPrice, p.StartTime, p.ExpiryTime, string(policy.StatusActive))
	if err != nil {
		return fmt.Errorf("%w: insert policy: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// InsertPrice records a price observation for asset a.
func (s *Store) InsertPrice(ctx context.Context, a asset.Asset, price float64, source string, ts time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO prices (asset, price, source, timestamp)
		VALUES (?, ?, ?, ?)
	`, string(a), price, source, ts.Unix())
	if err != nil {
		return fmt.Errorf("%w: insert price: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// CheckSustainedDepeg reports whether every recorded price for a over
// the window [now-durationSeconds, now] is below triggerPrice, i.e. the
// depeg held for the entire confirmation window rather than merely at
// its endpoints.
func (s *Store) CheckSustainedDepeg(ctx context.Context, a asset.Asset, triggerPrice float64, durationSeconds int64, now time.Time) (bool, error) {
	windowStart := now.Unix() - durationSeconds

	var total, below int
	row := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN price < ? THEN 1 ELSE 0 END)
		FROM prices WHERE asset = ? AND timestamp >= ? AND timestamp <= ?
	`, triggerPrice, string(a), windowStart, now.Unix())

	var belowNull sql.NullInt64
	if err := row.Scan(&total, &belowNull); err != nil {
		return false, fmt.Errorf("%w: check sustained depeg: %v", coreerr.ErrPersistence, err)
	}
	below = int(belowNull.Int64)

	if total == 0 {
		return false, nil
	}
	return below == total, nil
}

// UpdatePolicyStatus performs a conditional status transition: it
// succeeds only if the row's current status is a legal predecessor of
// newStatus, per policy.CanTransition. This is the idempotency key for
// at-most-once payout (§8 I6): a duplicate Paid transition after the
// first succeeded is a no-op because the WHERE clause no longer
// matches.
func (s *Store) UpdatePolicyStatus(ctx context.Context, policyID int64, newStatus policy.Status) (bool, error) {
	var predecessors []policy.Status
	for _, candidate := range []policy.Status{
		policy.StatusActive, policy.StatusTriggered, policy.StatusConfirmed,
		policy.StatusPaid, policy.StatusExpired, policy.StatusCancelled,
	} {
		if policy.CanTransition(candidate, newStatus) {
			predecessors = append(predecessors, candidate)
		}
	}
	if len(predecessors) == 0 {
		return false, fmt.Errorf("%w: no legal predecessor for status %s", coreerr.ErrValidation, newStatus)
	}

	placeholders := ""
	args := []any{string(newStatus)}
	for i, p := range predecessors {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(p))
	}
	args = append(args, policyID)

	query := fmt.Sprintf(`
		UPDATE policies SET status = ? WHERE status IN (%s) AND policy_id = ?
	`, placeholders)

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%w: update policy status: %v", coreerr.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", coreerr.ErrPersistence, err)
	}
	return n > 0, nil
}

// RecordPayout stamps the payout amount/time on a policy, used
// alongside UpdatePolicyStatus(..., StatusPaid).
func (s *Store) RecordPayout(ctx context.Context, policyID int64, amount int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE policies SET payout_amount = ?, payout_time = ? WHERE policy_id = ?
	`, amount, at.Unix(), policyID)
	if err != nil {
		return fmt.Errorf("%w: record payout: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// UpsertTriggerState records (or updates) the first time a policy's
// price crossed its trigger, and whether the sustained-depeg window
// has been confirmed. The Trigger Monitor is the sole writer.
func (s *Store) UpsertTriggerState(ctx context.Context, policyID int64, firstTriggerTime int64, confirmed bool) error {
	isConfirmed := 0
	if confirmed {
		isConfirmed = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO trigger_states (policy_id, first_trigger_time, is_confirmed)
		VALUES (?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET
			first_trigger_time = excluded.first_trigger_time,
			is_confirmed = excluded.is_confirmed
	`, policyID, firstTriggerTime, isConfirmed)
	if err != nil {
		return fmt.Errorf("%w: upsert trigger state: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// TriggerStateRow is the persisted shape of a policy's in-flight
// trigger/confirmation window.
type TriggerStateRow struct {
	PolicyID         int64
	FirstTriggerTime int64
	Confirmed        bool
}

// GetTriggerState reads the persisted trigger window for a policy, if
// any. A nil result means the policy's price has not crossed its
// trigger since the last recovery (or ever).
func (s *Store) GetTriggerState(ctx context.Context, policyID int64) (*TriggerStateRow, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT policy_id, first_trigger_time, is_confirmed FROM trigger_states WHERE policy_id = ?
	`, policyID)

	var r TriggerStateRow
	var confirmed int
	err := row.Scan(&r.PolicyID, &r.FirstTriggerTime, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get trigger state: %v", coreerr.ErrPersistence, err)
	}
	r.Confirmed = confirmed != 0
	return &r, nil
}

// ClearTriggerState deletes a policy's trigger window, used on price
// recovery before confirmation.
func (s *Store) ClearTriggerState(ctx context.Context, policyID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM trigger_states WHERE policy_id = ?`, policyID)
	if err != nil {
		return fmt.Errorf("%w: clear trigger state: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// WorkerRunRow is the persisted run-audit row for one supervisor
// worker.
type WorkerRunRow struct {
	WorkerName        string
	LastRunAt         int64
	LastSuccessAt     int64
	ConsecutiveErrors int
}

// RecordWorkerRun upserts a worker's audit row after one scheduled
// run. A successful run resets the error streak; a failed run bumps
// it. This is audit trail only — the supervisor's own in-memory
// counters are the source of truth for the emergency-shutdown check,
// the same split the teacher keeps between risk.Manager's in-memory
// RiskMetrics and the database rows it persists them to.
func (s *Store) RecordWorkerRun(ctx context.Context, workerName string, at time.Time, success bool) error {
	if success {
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO worker_runs (worker_name, last_run_at, last_success_at, consecutive_errors)
			VALUES (?, ?, ?, 0)
			ON CONFLICT(worker_name) DO UPDATE SET
				last_run_at = excluded.last_run_at,
				last_success_at = excluded.last_success_at,
				consecutive_errors = 0
		`, workerName, at.Unix(), at.Unix())
		if err != nil {
			return fmt.Errorf("%w: record worker run: %v", coreerr.ErrPersistence, err)
		}
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO worker_runs (worker_name, last_run_at, consecutive_errors)
		VALUES (?, ?, 1)
		ON CONFLICT(worker_name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			consecutive_errors = worker_runs.consecutive_errors + 1
	`, workerName, at.Unix())
	if err != nil {
		return fmt.Errorf("%w: record worker run: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// GetWorkerRun returns a worker's audit row, or nil if it has never run.
func (s *Store) GetWorkerRun(ctx context.Context, workerName string) (*WorkerRunRow, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT worker_name, last_run_at, last_success_at, consecutive_errors
		FROM worker_runs WHERE worker_name = ?
	`, workerName)
	var r WorkerRunRow
	var lastSuccess sql.NullInt64
	if err := row.Scan(&r.WorkerName, &r.LastRunAt, &lastSuccess, &r.ConsecutiveErrors); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get worker run: %v", coreerr.ErrPersistence, err)
	}
	r.LastSuccessAt = lastSuccess.Int64
	return &r, nil
}

// UtilizationRow is the persisted shape of a per-tranche utilization
// record.
type UtilizationRow struct {
	TrancheID        int
	TotalCapital     int64
	CoverageSold     int64
	UtilizationRatio float64
	CurrentAPYBps    int
	LastUpdated      time.Time
}

// UpsertUtilization writes the authoritative utilization row for a
// tranche; C5 is the only caller.
func (s *Store) UpsertUtilization(ctx context.Context, r UtilizationRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO utilization (tranche_id, total_capital, coverage_sold, utilization_ratio, current_apy, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tranche_id) DO UPDATE SET
			total_capital = excluded.total_capital,
			coverage_sold = excluded.coverage_sold,
			utilization_ratio = excluded.utilization_ratio,
			current_apy = excluded.current_apy,
			last_updated = excluded.last_updated
	`, r.TrancheID, r.TotalCapital, r.CoverageSold, r.UtilizationRatio, r.CurrentAPYBps, r.LastUpdated.Unix())
	if err != nil {
		return fmt.Errorf("%w: upsert utilization: %v", coreerr.ErrPersistence, err)
	}
	return nil
}

// LoadUtilization reads the persisted row for a tranche, if any.
func (s *Store) LoadUtilization(ctx context.Context, trancheID int) (*UtilizationRow, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT tranche_id, total_capital, coverage_sold, utilization_ratio, current_apy, last_updated
		FROM utilization WHERE tranche_id = ?
	`, trancheID)

	var r UtilizationRow
	var lastUpdated int64
	err := row.Scan(&r.TrancheID, &r.TotalCapital, &r.CoverageSold, &r.UtilizationRatio, &r.CurrentAPYBps, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load utilization: %v", coreerr.ErrPersistence, err)
	}
	r.LastUpdated = time.Unix(lastUpdated, 0)
	return &r, nil
}

// VolatilityEstimate is one persisted numerical-library output.
type VolatilityEstimate struct {
	Asset                asset.Asset
	AnnualizedVolatility float64
	ComputedAt           time.Time
}

// PersistVolatilityEstimates writes a batch of estimates transactionally.
func (s *Store) PersistVolatilityEstimates(ctx context.Context, estimates []VolatilityEstimate) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", coreerr.ErrPersistence, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO volatility_estimates (asset, annualized_volatility, computed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			annualized_volatility = excluded.annualized_volatility,
			computed_at = excluded.computed_at
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", coreerr.ErrPersistence, err)
	}
	defer stmt.Close()

	for _, e := range estimates {
		if _, err := stmt.ExecContext(ctx, string(e.Asset), e.AnnualizedVolatility, e.ComputedAt.Unix()); err != nil {
			return fmt.Errorf("%w: persist volatility estimate for %s: %v", coreerr.ErrPersistence, e.Asset, err)
		}
	}
	return tx.Commit()
}

// CorrelationEntry is one cell of the persisted correlation matrix.
type CorrelationEntry struct {
	AssetA, AssetB asset.Asset
	Correlation    float64
	ComputedAt     time.Time
}

// PersistCorrelationMatrix writes a batch of correlation entries
// transactionally.
func (s *Store) PersistCorrelationMatrix(ctx context.Context, entries []CorrelationEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", coreerr.ErrPersistence, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO correlation_matrix (asset_a, asset_b, correlation, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(asset_a, asset_b) DO UPDATE SET
			correlation = excluded.correlation,
			computed_at = excluded.computed_at
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", coreerr.ErrPersistence, err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, string(e.AssetA), string(e.AssetB), e.Correlation, e.ComputedAt.Unix()); err != nil {
			return fmt.Errorf("%w: persist correlation entry: %v", coreerr.ErrPersistence, err)
		}
	}
	return tx.Commit()
}
