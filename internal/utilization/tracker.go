// Package utilization implements the Utilization Tracker (C5): the
// authoritative per-tranche capital/coverage state, a 30-second
// bounded-staleness read cache, bonding-curve APY recomputation on every
// write, and the utilization/collateralization alerting side effects.
package utilization

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"insurance-core/internal/tranche"
	"insurance-core/pkg/money"
	"insurance-core/pkg/store"
)

// CacheTTL is the maximum age at which a cached record may still be
// served without touching persistence.
const CacheTTL = 30 * time.Second

// MaxUtilization is the ceiling can_accept_coverage enforces.
const MaxUtilization = 0.95

// WarnUtilization is the threshold at or above which a warning alert is
// emitted as a side effect of any write.
const WarnUtilization = 0.90

// MinCollateralizationRatio is the floor below which an error alert is
// emitted.
const MinCollateralizationRatio = 1.10

// Record is the in-memory/persisted shape of one tranche's utilization.
type Record struct {
	TrancheID        int
	TotalCapital     int64
	CoverageSold     int64
	UtilizationRatio float64
	CurrentAPYBps    int
	LastUpdated      time.Time
}

// Alerter receives the side-effect-only warning/error notifications
// described in §4.2. Any wiring (log line, bus event) implements this.
type Alerter interface {
	Warn(trancheID int, msg string)
	Error(trancheID int, msg string)
}

// LogAlerter is the default Alerter: a plain log line, matching the
// teacher's balance.Manager status-line convention.
type LogAlerter struct{}

func (LogAlerter) Warn(trancheID int, msg string) {
	log.Printf("[UTILIZATION][WARN] tranche=%d %s", trancheID, msg)
}

func (LogAlerter) Error(trancheID int, msg string) {
	log.Printf("[UTILIZATION][ERROR] tranche=%d %s", trancheID, msg)
}

// cacheEntry is a single tranche's cached record plus its fetch time.
type cacheEntry struct {
	record   Record
	cachedAt time.Time
}

// Tracker is the Utilization Tracker. It owns the per-tranche cache and
// delegates durable reads/writes to the store.
type Tracker struct {
	store   *store.Store
	defs    map[int]tranche.Def
	alerter Alerter

	mu    sync.RWMutex
	cache map[int]cacheEntry
}

// New builds a Tracker over defs (keyed by seniority) and a persistence
// handle. alerter may be nil, in which case LogAlerter is used.
func New(s *store.Store, defs []tranche.Def, alerter Alerter) *Tracker {
	defMap := make(map[int]tranche.Def, len(defs))
	for _, d := range defs {
		defMap[int(d.Seniority)] = d
	}
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Tracker{
		store:   s,
		defs:    defMap,
		alerter: alerter,
		cache:   make(map[int]cacheEntry),
	}
}

// Get returns a fresh-enough record for trancheID: served from cache if
// the cached entry's age is within CacheTTL, otherwise loaded from
// persistence and cached.
func (t *Tracker) Get(ctx context.Context, trancheID int) (Record, error) {
	t.mu.RLock()
	entry, ok := t.cache[trancheID]
	t.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) <= CacheTTL {
		return entry.record, nil
	}

	row, err := t.store.LoadUtilization(ctx, trancheID)
	if err != nil {
		return Record{}, fmt.Errorf("load utilization: %w", err)
	}

	var rec Record
	if row == nil {
		rec = Record{TrancheID: trancheID}
	} else {
		rec = Record{
			TrancheID:        row.TrancheID,
			TotalCapital:     row.TotalCapital,
			CoverageSold:     row.CoverageSold,
			UtilizationRatio: row.UtilizationRatio,
			CurrentAPYBps:    row.CurrentAPYBps,
			LastUpdated:      row.LastUpdated,
		}
	}

	t.setCache(trancheID, rec)
	return rec, nil
}

func (t *Tracker) setCache(trancheID int, rec Record) {
	t.mu.Lock()
	t.cache[trancheID] = cacheEntry{record: rec, cachedAt: time.Now()}
	t.mu.Unlock()
}

func (t *Tracker) invalidate(trancheID int) {
	t.mu.Lock()
	delete(t.cache, trancheID)
	t.mu.Unlock()
}

// UpdateCapital applies a signed capital delta, clamped so
// TotalCapital never goes negative, recomputes the APY, persists, and
// invalidates the cache entry.
func (t *Tracker) UpdateCapital(ctx context.Context, trancheID int, delta int64) (Record, error) {
	return t.mutate(ctx, trancheID, func(rec *Record) {
		rec.TotalCapital = money.SaturatingNonNeg(money.SaturatingAdd(rec.TotalCapital, delta))
	})
}

// UpdateCoverage applies a signed coverage delta, clamped at zero.
func (t *Tracker) UpdateCoverage(ctx context.Context, trancheID int, delta int64) (Record, error) {
	return t.mutate(ctx, trancheID, func(rec *Record) {
		rec.CoverageSold = money.SaturatingNonNeg(money.SaturatingAdd(rec.CoverageSold, delta))
	})
}

// SyncFromChain overwrites the record with reconciled values from an
// on-chain read, used for periodic reconciliation. Idempotent for
// identical arguments.
func (t *Tracker) SyncFromChain(ctx context.Context, trancheID int, capital, coverage int64) (Record, error) {
	return t.mutate(ctx, trancheID, func(rec *Record) {
		rec.TotalCapital = capital
		rec.CoverageSold = coverage
	})
}

// mutate loads the current record (bypassing the cache so writers always
// see the latest persisted state), applies apply, recomputes derived
// fields, persists, invalidates the cache, and emits alert side effects.
func (t *Tracker) mutate(ctx context.Context, trancheID int, apply func(*Record)) (Record, error) {
	row, err := t.store.LoadUtilization(ctx, trancheID)
	if err != nil {
		return Record{}, fmt.Errorf("load utilization: %w", err)
	}

	var rec Record
	if row == nil {
		rec = Record{TrancheID: trancheID}
	} else {
		rec = Record{
			TrancheID:    row.TrancheID,
			TotalCapital: row.TotalCapital,
			CoverageSold: row.CoverageSold,
		}
	}

	apply(&rec)

	rec.UtilizationRatio = utilizationRatio(rec.TotalCapital, rec.CoverageSold)
	rec.CurrentAPYBps = t.apyFor(trancheID, rec.UtilizationRatio)
	rec.LastUpdated = time.Now()

	if err := t.store.UpsertUtilization(ctx, store.UtilizationRow{
		TrancheID:        rec.TrancheID,
		TotalCapital:     rec.TotalCapital,
		CoverageSold:     rec.CoverageSold,
		UtilizationRatio: rec.UtilizationRatio,
		CurrentAPYBps:    rec.CurrentAPYBps,
		LastUpdated:      rec.LastUpdated,
	}); err != nil {
		return Record{}, fmt.Errorf("persist utilization: %w", err)
	}

	t.invalidate(trancheID)
	t.emitAlerts(rec)

	return rec, nil
}

func utilizationRatio(totalCapital, coverageSold int64) float64 {
	if totalCapital == 0 {
		return 0
	}
	return float64(coverageSold) / float64(totalCapital)
}

func (t *Tracker) apyFor(trancheID int, utilization float64) int {
	def, ok := t.defs[trancheID]
	if !ok {
		return 0
	}
	return def.APY(utilization)
}

func (t *Tracker) emitAlerts(rec Record) {
	if rec.UtilizationRatio >= WarnUtilization {
		t.alerter.Warn(rec.TrancheID, fmt.Sprintf("utilization_ratio=%.4f", rec.UtilizationRatio))
	}
	if rec.CoverageSold > 0 {
		collateralization := float64(rec.TotalCapital) / float64(rec.CoverageSold)
		if collateralization < MinCollateralizationRatio {
			t.alerter.Error(rec.TrancheID, fmt.Sprintf("collateralization_ratio=%.4f", collateralization))
		}
	}
}

// CanAcceptCoverage reports whether adding amount to trancheID's
// coverage would keep utilization_ratio at or below MaxUtilization.
func (t *Tracker) CanAcceptCoverage(ctx context.Context, trancheID int, amount int64) (bool, error) {
	rec, err := t.Get(ctx, trancheID)
	if err != nil {
		return false, err
	}
	if rec.TotalCapital == 0 {
		return false, nil
	}
	projected := utilizationRatio(rec.TotalCapital, money.SaturatingAdd(rec.CoverageSold, amount))
	return projected <= MaxUtilization, nil
}

// GetAvailableCapacity returns max(0, 0.95*capital - coverage).
func (t *Tracker) GetAvailableCapacity(ctx context.Context, trancheID int) (int64, error) {
	rec, err := t.Get(ctx, trancheID)
	if err != nil {
		return 0, err
	}
	cap95 := money.MulDiv(rec.TotalCapital, 95, 100)
	return money.Max(0, cap95-rec.CoverageSold), nil
}
