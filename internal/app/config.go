package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the environment-driven application configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	Region      string
	ProjectName string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set and VaultEnabled

	Arms            []string
	GatewayURL      string
	ArmEndpoints    map[string]string // arm -> base URL for the direct path
	ArmModelRefs    map[string]string // arm -> model reference

	// Circuit breaker.
	FailureThreshold  int
	RecoveryTimeoutMs int
	HalfOpenMaxCalls  int

	// Cost optimization.
	CostOptimizerEnabled bool
	CostStrategy         string
	TargetCostReduction  float64
	BaselineCostPerReq   float64

	// Active optimization loop.
	OptimizationIntervalMins      int
	TrafficAllocationIntervalMins int
	TrafficAllocationEnabled      bool
	SignificanceThreshold         float64
	AutoExperimentEnabled         bool
	MinTrafficForExperiment       float64

	// Health probing.
	HealthCheckIntervalSecs int

	// Security & hardening on the ops listener.
	AdminToken     string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
}

// LoadConfig reads the PLEXAR_* environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("PLEXAR_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("PLEXAR_LOG_LEVEL", "info"),

		Region:      getEnv("PLEXAR_REGION", "eu-central-1"),
		ProjectName: getEnv("PLEXAR_PROJECT_NAME", "plexar"),

		DBDSN: getEnv("PLEXAR_DB_DSN", "file:/data/plexar.sqlite"),

		VaultEnabled:  getEnvBool("PLEXAR_VAULT_ENABLED", false),
		VaultPassword: getEnv("PLEXAR_VAULT_PASSWORD", ""),

		Arms:       getEnvStringSlice("PLEXAR_ARMS", []string{"anthropic", "openai", "vllm"}),
		GatewayURL: getEnv("PLEXAR_GATEWAY_URL", ""),

		FailureThreshold:  getEnvInt("PLEXAR_FAILURE_THRESHOLD", 5),
		RecoveryTimeoutMs: getEnvInt("PLEXAR_RECOVERY_TIMEOUT_MS", 60000),
		HalfOpenMaxCalls:  getEnvInt("PLEXAR_HALF_OPEN_MAX_CALLS", 3),

		CostOptimizerEnabled: getEnvBool("PLEXAR_COST_OPTIMIZER_ENABLED", true),
		CostStrategy:         getEnv("PLEXAR_COST_STRATEGY", "balanced_cost_performance"),
		TargetCostReduction:  getEnvFloat("PLEXAR_TARGET_COST_REDUCTION", 0.20),
		BaselineCostPerReq:   getEnvFloat("PLEXAR_BASELINE_COST_PER_REQ", 0.05),

		OptimizationIntervalMins:      getEnvInt("PLEXAR_OPTIMIZATION_INTERVAL_MINS", 30),
		TrafficAllocationIntervalMins: getEnvInt("PLEXAR_TRAFFIC_ALLOCATION_INTERVAL_MINS", 15),
		TrafficAllocationEnabled:      getEnvBool("PLEXAR_TRAFFIC_ALLOCATION_ENABLED", true),
		SignificanceThreshold:         getEnvFloat("PLEXAR_SIGNIFICANCE_THRESHOLD", 0.95),
		AutoExperimentEnabled:         getEnvBool("PLEXAR_AUTO_EXPERIMENT_ENABLED", true),
		MinTrafficForExperiment:       getEnvFloat("PLEXAR_MIN_TRAFFIC_FOR_EXPERIMENT", 0.05),

		HealthCheckIntervalSecs: getEnvInt("PLEXAR_HEALTH_CHECK_INTERVAL_SECS", 30),

		AdminToken:     getEnv("PLEXAR_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("PLEXAR_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("PLEXAR_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("PLEXAR_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("PLEXAR_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("PLEXAR_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("PLEXAR_OTEL_SERVICE_NAME", "plexar"),
	}

	cfg.ArmEndpoints = make(map[string]string, len(cfg.Arms))
	cfg.ArmModelRefs = make(map[string]string, len(cfg.Arms))
	for _, arm := range cfg.Arms {
		prefix := "PLEXAR_ARM_" + strings.ToUpper(arm)
		cfg.ArmEndpoints[arm] = getEnv(prefix+"_URL", "")
		cfg.ArmModelRefs[arm] = getEnv(prefix+"_MODEL", arm)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if len(c.Arms) < 2 {
		return fmt.Errorf("PLEXAR_ARMS must list at least two arms, got %d", len(c.Arms))
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("PLEXAR_FAILURE_THRESHOLD must be > 0, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeoutMs <= 0 {
		return fmt.Errorf("PLEXAR_RECOVERY_TIMEOUT_MS must be > 0, got %d", c.RecoveryTimeoutMs)
	}
	if c.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("PLEXAR_HALF_OPEN_MAX_CALLS must be > 0, got %d", c.HalfOpenMaxCalls)
	}
	if c.TargetCostReduction < 0 || c.TargetCostReduction >= 1 {
		return fmt.Errorf("PLEXAR_TARGET_COST_REDUCTION must be in [0, 1), got %f", c.TargetCostReduction)
	}
	if c.SignificanceThreshold <= 0 || c.SignificanceThreshold >= 1 {
		return fmt.Errorf("PLEXAR_SIGNIFICANCE_THRESHOLD must be in (0, 1), got %f", c.SignificanceThreshold)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("PLEXAR_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("PLEXAR_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	return nil
}

// Intervals expressed as durations.

func (c Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond
}

func (c Config) OptimizationInterval() time.Duration {
	return time.Duration(c.OptimizationIntervalMins) * time.Minute
}

func (c Config) TrafficAllocationInterval() time.Duration {
	return time.Duration(c.TrafficAllocationIntervalMins) * time.Minute
}

func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
