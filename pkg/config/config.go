// Package config loads the insurance core's startup configuration from
// the environment (optionally via a .env file), following the
// teacher's godotenv + os.Getenv(default) pattern.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the closed set of recognized options from spec.md §6.
// Every option is read once at startup; changing it requires a
// restart, so there is no live-reload path here.
type Config struct {
	Port   string
	DBPath string

	// Worker periods (seconds unless noted).
	RiskMonitorIntervalSec int
	RebalancerIntervalSec  int
	ArbitrageIntervalSec   int
	HealthCheckIntervalSec int
	PriceUpdateIntervalSec int
	TriggerPollIntervalSec int
	ConfirmationPeriodSec  int

	// Thresholds.
	MaxLTV                    float64
	MinReserveRatio           float64
	MaxSingleAssetExposure    float64
	MaxCorrelatedExposure     float64
	RequiredStressBuffer      float64
	TargetUSDRatio            float64
	RebalanceThreshold        float64
	MinBTCFloatSats           int64
	HighUtilizationThreshold  float64
	MinCollateralizationRatio float64
	MaxUtilization            float64

	// Emergency shutdown.
	EnableEmergencyShutdown bool
	MaxLTVShutdown          float64
	MinReserveShutdown      float64
	MaxErrorCount           int

	// Integration: oracle endpoints/keys, on-chain endpoint, ops auth.
	OracleEndpoints   []string
	OracleAPIKeys     map[string]string
	OnChainRPCURL     string
	OnChainMaxWaitSec int
	OperatorSecret    string

	// Worker-envelope tuning (timeout/retry/backoff around each step).
	WorkerTimeoutSec  int
	WorkerMaxRetries  int
	WorkerBackoffSec  int
	RestartRetries    int
	RestartBackoffSec int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: getEnv("DB_PATH", "./data/insurance.db"),

		RiskMonitorIntervalSec: getEnvInt("RISK_MONITOR_INTERVAL_SEC", 60),
		RebalancerIntervalSec:  getEnvInt("REBALANCER_INTERVAL_SEC", 300),
		ArbitrageIntervalSec:   getEnvInt("ARBITRAGE_INTERVAL_SEC", 900),
		HealthCheckIntervalSec: getEnvInt("HEALTH_CHECK_INTERVAL_SEC", 30),
		PriceUpdateIntervalSec: getEnvInt("PRICE_UPDATE_INTERVAL_SEC", 120),
		TriggerPollIntervalSec: getEnvInt("TRIGGER_POLL_INTERVAL_SEC", 60),
		ConfirmationPeriodSec:  getEnvInt("CONFIRMATION_PERIOD_SEC", 14400),

		MaxLTV:                    getEnvFloat("MAX_LTV", 0.85),
		MinReserveRatio:           getEnvFloat("MIN_RESERVE_RATIO", 0.15),
		MaxSingleAssetExposure:    getEnvFloat("MAX_SINGLE_ASSET_EXPOSURE", 0.30),
		MaxCorrelatedExposure:     getEnvFloat("MAX_CORRELATED_EXPOSURE", 0.50),
		RequiredStressBuffer:      getEnvFloat("REQUIRED_STRESS_BUFFER", 1.0),
		TargetUSDRatio:            getEnvFloat("TARGET_USD_RATIO", 0.40),
		RebalanceThreshold:        getEnvFloat("REBALANCE_THRESHOLD", 0.10),
		MinBTCFloatSats:           getEnvInt64("MIN_BTC_FLOAT_SATS", 10_000_000),
		HighUtilizationThreshold:  getEnvFloat("HIGH_UTILIZATION_THRESHOLD", 0.90),
		MinCollateralizationRatio: getEnvFloat("MIN_COLLATERALIZATION_RATIO", 1.10),
		MaxUtilization:            getEnvFloat("MAX_UTILIZATION", 0.95),

		EnableEmergencyShutdown: getEnv("ENABLE_EMERGENCY_SHUTDOWN", "true") == "true",
		MaxLTVShutdown:          getEnvFloat("MAX_LTV_SHUTDOWN", 0.95),
		MinReserveShutdown:      getEnvFloat("MIN_RESERVE_SHUTDOWN", 0.05),
		MaxErrorCount:           getEnvInt("MAX_ERROR_COUNT", 10),

		OracleEndpoints:   splitAndTrim(getEnv("ORACLE_ENDPOINTS", "")),
		OracleAPIKeys:     parseKeyValueList(getEnv("ORACLE_API_KEYS", "")),
		OnChainRPCURL:     getEnv("ONCHAIN_RPC_URL", ""),
		OnChainMaxWaitSec: getEnvInt("ONCHAIN_MAX_WAIT_SEC", 120),
		OperatorSecret:    getEnv("OPERATOR_SECRET", "dev-secret"),

		WorkerTimeoutSec:  getEnvInt("WORKER_TIMEOUT_SEC", 3600),
		WorkerMaxRetries:  getEnvInt("WORKER_MAX_RETRIES", 3),
		WorkerBackoffSec:  getEnvInt("WORKER_BACKOFF_SEC", 300),
		RestartRetries:    getEnvInt("RESTART_RETRIES", 5),
		RestartBackoffSec: getEnvInt("RESTART_BACKOFF_SEC", 30),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseKeyValueList parses "asset=key,asset2=key2" into a map, for the
// per-oracle-source API keys option.
func parseKeyValueList(val string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitAndTrim(val) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}
