package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"insurance-core/internal/numerics"
	"insurance-core/internal/pool"
	"insurance-core/internal/tranche"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/store"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := store.ApplyMigrations(s); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	defs := tranche.DefaultDefs()
	tracker := utilization.New(s, defs, nil)
	return pool.New(defs, tracker, &numerics.Local{}, pool.DefaultConfig())
}

func TestNextDailyUTCAdvancesToTomorrowWhenPassed(t *testing.T) {
	from := time.Date(2026, 7, 31, 5, 0, 0, 0, time.UTC) // 05:00 UTC
	next := nextDailyUTC(from, 2, 0)                     // 02:00 UTC already passed today
	want := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextDailyUTC = %v, want %v", next, want)
	}
}

func TestNextDailyUTCSameDayWhenUpcoming(t *testing.T) {
	from := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	next := nextDailyUTC(from, 2, 0)
	want := time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextDailyUTC = %v, want %v", next, want)
	}
}

func TestNextWeeklyUTCFindsUpcomingSunday(t *testing.T) {
	// 2026-07-31 is a Friday.
	from := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	next := nextWeeklyUTC(from, time.Sunday, 3, 0)
	want := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextWeeklyUTC = %v, want %v", next, want)
	}
}

func TestNextWeeklyUTCAdvancesPastSameDayIfPassed(t *testing.T) {
	// 2026-08-02 is a Sunday; scheduled time already passed that day.
	from := time.Date(2026, 8, 2, 5, 0, 0, 0, time.UTC)
	next := nextWeeklyUTC(from, time.Sunday, 3, 0)
	want := time.Date(2026, 8, 9, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextWeeklyUTC = %v, want %v", next, want)
	}
}

func TestRunStepWithRetryResetsCounterOnSuccess(t *testing.T) {
	sv := New(newTestPool(t), nil, Config{MaxRetries: 2, RetryBackoff: time.Millisecond, WorkerTimeout: time.Second}, nil, nil)
	sv.errorCounts["flaky"] = 3

	var calls int32
	w := Worker{Name: "flaky", Step: func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return errors.New("transient failure")
		}
		return nil
	}}

	sv.runStepWithRetry(context.Background(), w)

	if got := sv.errorCounts["flaky"]; got != 0 {
		t.Errorf("errorCounts[flaky] = %d after eventual success, want 0", got)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (one failure, one success)", calls)
	}
}

func TestRunStepWithRetryExhaustsAndIncrementsCounter(t *testing.T) {
	sv := New(newTestPool(t), nil, Config{MaxRetries: 2, RetryBackoff: time.Millisecond, WorkerTimeout: time.Second}, nil, nil)

	var calls int32
	w := Worker{Name: "always-fails", Step: func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("persistent failure")
	}}

	sv.runStepWithRetry(context.Background(), w)

	if got := sv.errorCounts["always-fails"]; got != 1 {
		t.Errorf("errorCounts[always-fails] = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&calls); got != 3 { // initial attempt + 2 retries
		t.Errorf("calls = %d, want 3 (1 initial + MaxRetries=2 retries)", got)
	}
}

func TestCheckHealthTriggersEmergencyStopOnErrorCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxErrorCount = 5
	sv := New(newTestPool(t), nil, cfg, nil, nil)
	sv.errorCounts["a"] = 3
	sv.errorCounts["b"] = 3 // total 6 > 5

	sv.checkHealth()

	select {
	case <-sv.stopCh:
	default:
		t.Errorf("stopCh not closed after total consecutive errors exceeded MaxErrorCount")
	}
}

func TestCheckHealthTriggersEmergencyStopOnLowReserveRatio(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	if _, err := p.AddLiquidity(ctx, "lp", tranche.MEZZ, 1_000_000_00); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	// Move nearly all USD reserves into BTC float; total capital is
	// unchanged, but usd_reserves/total_capital falls far below the
	// 0.05 shutdown floor.
	if err := p.ApplyFloatTrade(ctx, 1_800_000_000, 990_000_00); err != nil {
		t.Fatalf("ApplyFloatTrade: %v", err)
	}

	cfg := DefaultConfig()
	sv := New(p, nil, cfg, nil, nil)

	sv.checkHealth()

	select {
	case <-sv.stopCh:
	default:
		t.Errorf("stopCh not closed after reserve ratio fell below MinReserveShutdown")
	}
}

func TestCheckHealthLeavesRunningOnHealthyPool(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	if _, err := p.AddLiquidity(ctx, "lp", tranche.MEZZ, 1_000_000_00); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}

	sv := New(p, nil, DefaultConfig(), nil, nil)
	sv.checkHealth()

	select {
	case <-sv.stopCh:
		t.Errorf("stopCh closed for a healthy pool with zero errors")
	default:
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	sv := New(newTestPool(t), nil, DefaultConfig(), nil, nil)
	var calls int32
	sv.Register(Periodic("noop", time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sv.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if sv.IsRunning() {
		t.Errorf("IsRunning() = true after Run returned")
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Errorf("periodic worker never ran within the 50ms window")
	}
}
