package store

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS policies (
    policy_id INTEGER PRIMARY KEY,
    policyholder TEXT NOT NULL,
    beneficiary TEXT NOT NULL,
    asset TEXT NOT NULL,
    tranche_id INTEGER NOT NULL,
    coverage_amount INTEGER NOT NULL,
    premium_paid INTEGER NOT NULL,
    trigger_price REAL NOT NULL,
    floor_price REAL NOT NULL,
    start_time INTEGER NOT NULL,
    expiry_time INTEGER NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('Active','Triggered','Confirmed','Paid','Expired','Cancelled')),
    payout_amount INTEGER DEFAULT 0,
    payout_time INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS prices (
    asset TEXT NOT NULL,
    price REAL NOT NULL,
    source TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    PRIMARY KEY (asset, timestamp)
);

CREATE TABLE IF NOT EXISTS utilization (
    tranche_id INTEGER PRIMARY KEY,
    total_capital INTEGER NOT NULL,
    coverage_sold INTEGER NOT NULL,
    utilization_ratio REAL NOT NULL,
    current_apy INTEGER NOT NULL,
    last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS volatility_estimates (
    asset TEXT PRIMARY KEY,
    annualized_volatility REAL NOT NULL,
    computed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_matrix (
    asset_a TEXT NOT NULL,
    asset_b TEXT NOT NULL,
    correlation REAL NOT NULL,
    computed_at INTEGER NOT NULL,
    PRIMARY KEY (asset_a, asset_b)
);

CREATE TABLE IF NOT EXISTS trigger_states (
    policy_id INTEGER PRIMARY KEY,
    first_trigger_time INTEGER NOT NULL,
    is_confirmed INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY(policy_id) REFERENCES policies(policy_id)
);

CREATE TABLE IF NOT EXISTS risk_metrics (
    date TEXT PRIMARY KEY,
    underwriting_checks INTEGER DEFAULT 0,
    underwriting_rejections INTEGER DEFAULT 0,
    payouts_executed INTEGER DEFAULT 0,
    payout_total_cents INTEGER DEFAULT 0,
    emergency_stops INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS worker_runs (
    worker_name TEXT PRIMARY KEY,
    last_run_at INTEGER,
    last_success_at INTEGER,
    consecutive_errors INTEGER DEFAULT 0
);
`

// ApplyMigrations bootstraps the schema and applies lightweight,
// idempotent column additions for older database files, the same
// two-step shape the teacher uses in pkg/db/schema.go.
func ApplyMigrations(s *Store) error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := ensureColumn(s.DB, "policies", "payout_amount", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(s.DB, "policies", "payout_time", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
