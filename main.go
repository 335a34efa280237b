package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"insurance-core/internal/arbitrage"
	"insurance-core/internal/asset"
	"insurance-core/internal/events"
	"insurance-core/internal/monitor"
	"insurance-core/internal/numerics"
	"insurance-core/internal/opsapi"
	"insurance-core/internal/oracle"
	"insurance-core/internal/pool"
	"insurance-core/internal/rebalancer"
	"insurance-core/internal/supervisor"
	"insurance-core/internal/tranche"
	"insurance-core/internal/trigger"
	"insurance-core/internal/utilization"
	"insurance-core/pkg/config"
	"insurance-core/pkg/store"
)

// devOracleClient is a synthetic random-walk price source, standing in
// for the real oracle backend HTTP/WS clients, which spec.md places out
// of scope. Grounded on internal/market/mock.go's MockFeed random walk.
type devOracleClient struct {
	prices map[asset.Asset]float64
}

func newDevOracleClient() *devOracleClient {
	prices := map[asset.Asset]float64{asset.BTC: 65000.0}
	for _, a := range supervisor.TrackedAssets {
		prices[a] = 1.00
	}
	return &devOracleClient{prices: prices}
}

func (d *devOracleClient) GetConsensusPrice(ctx context.Context, a asset.Asset, previous *oracle.Price) (oracle.Price, bool) {
	price, ok := d.prices[a]
	if !ok {
		return oracle.Price{}, false
	}
	step := 0.0005
	if a == asset.BTC {
		step = 0.01
	}
	price += price * (rand.Float64()*2 - 1) * step
	d.prices[a] = price
	return oracle.Price{Value: price, Timestamp: time.Now(), Confidence: 0.95}, true
}

// devPayoutClient logs a confirmed payout instead of calling an
// on-chain contract, the same stand-in role market.MockFeed plays for
// the teacher's real exchange feed.
type devPayoutClient struct{}

func (devPayoutClient) ExecutePayout(ctx context.Context, policyID int64, amountCents int64) (bool, error) {
	log.Printf("dev payout client: would execute on-chain payout for policy %d amount_cents=%d", policyID, amountCents)
	return true, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config load failed: %v", err)
		os.Exit(1)
	}
	log.Printf("config loaded: port=%s db_path=%s", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.New(cfg.DBPath)
	if err != nil {
		log.Printf("store init failed: %v", err)
		os.Exit(1)
	}
	defer s.Close()
	if err := store.ApplyMigrations(s); err != nil {
		log.Printf("store migrations failed: %v", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	defs := tranche.DefaultDefs()
	estimator := numerics.NewLocal()
	tracker := utilization.New(s, defs, nil)

	poolCfg := pool.DefaultConfig()
	poolCfg.MaxLTV = cfg.MaxLTV
	poolCfg.MinReserveRatio = cfg.MinReserveRatio
	poolCfg.MaxSingleAssetConcentration = cfg.MaxSingleAssetExposure
	poolCfg.MaxCorrelatedConcentration = cfg.MaxCorrelatedExposure
	poolCfg.StressBufferMultiplier = cfg.RequiredStressBuffer
	p := pool.New(defs, tracker, estimator, poolCfg)

	history := oracle.NewHistoryCache(24 * 60) // one sample per minute, one day deep
	gate := oracle.NewGate(newDevOracleClient(), oracle.FallbackConfig{
		StablecoinFallback: 1.00,
		LastKnownBTC:       65000.0,
	})

	rebalCfg := rebalancer.DefaultConfig()
	rebalCfg.RebalanceThreshold = cfg.RebalanceThreshold
	rebalCfg.MinBTCFloatSats = cfg.MinBTCFloatSats
	rebal := rebalancer.New(p, rebalCfg, bus)

	arbEngine := arbitrage.New(p, defs, tracker, arbitrage.DefaultConfig(), time.Now(), bus)

	triggerCfg := trigger.DefaultConfig()
	triggerCfg.ConfirmationPeriod = int64(cfg.ConfirmationPeriodSec)
	triggerMon := trigger.New(s, gate, p, devPayoutClient{}, triggerCfg, bus, metrics)

	svCfg := supervisor.DefaultConfig()
	svCfg.WorkerTimeout = time.Duration(cfg.WorkerTimeoutSec) * time.Second
	svCfg.MaxRetries = cfg.WorkerMaxRetries
	svCfg.RetryBackoff = time.Duration(cfg.WorkerBackoffSec) * time.Second
	svCfg.HealthCheckInterval = time.Duration(cfg.HealthCheckIntervalSec) * time.Second
	svCfg.MaxLTVShutdown = cfg.MaxLTVShutdown
	svCfg.MinReserveShutdown = cfg.MinReserveShutdown
	svCfg.MaxErrorCount = cfg.MaxErrorCount
	svCfg.EnableEmergencyStop = cfg.EnableEmergencyShutdown
	svCfg.RestartRetries = cfg.RestartRetries
	svCfg.RestartBackoff = time.Duration(cfg.RestartBackoffSec) * time.Second
	sv := supervisor.New(p, s, svCfg, bus, metrics)

	sv.Register(supervisor.NewPriceIngestionWorker(gate, history, s))
	sv.Register(supervisor.NewTriggerMonitorWorker(triggerMon))
	sv.Register(supervisor.NewFloatRebalancerWorker(rebal, history, estimator, s, p))
	sv.Register(supervisor.NewTrancheArbitrageWorker(arbEngine))

	trancheIDs := make([]int, 0, len(defs))
	for _, d := range defs {
		trancheIDs = append(trancheIDs, int(d.Seniority))
	}
	sv.Register(supervisor.NewRiskMonitorWorker(tracker, trancheIDs, cfg.HighUtilizationThreshold))
	sv.Register(supervisor.NewDailyETLWorker(history, 7*24*time.Hour))
	sv.Register(supervisor.NewWeeklyETLWorker(history, estimator, s))

	ops := opsapi.NewServer(p, sv, bus, metrics, cfg.OperatorSecret, "dev")
	go func() {
		if err := ops.Start(":" + cfg.Port); err != nil {
			log.Printf("ops API server error: %v", err)
		}
	}()

	sigCtx, stopSig := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSig()

	supervisor.RunWithRestart(sigCtx, sv)
	log.Println("shutting down")
}
