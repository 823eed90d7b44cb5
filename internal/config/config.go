package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the trustplane server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Discovery DiscoveryConfig
	Sync      SyncConfig
	Trust     TrustConfig
	Predict   PredictConfig
	Notify    NotifyConfig
	Report    ReportConfig
}

type DatabaseConfig struct {
	// URL selects the PostgreSQL store when set; empty falls back to the
	// in-memory store with snapshot persistence.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type DiscoveryConfig struct {
	Interval      time.Duration
	SourceTimeout time.Duration
	MaxRetries    uint64

	// SourcePriority is the explicit merge order. Later sources win field
	// conflicts within a scan cycle, so the merge is reproducible.
	SourcePriority []string

	RegistryURL     string
	MeshURL         string
	TelemetryURL    string
	ExecutionLogURL string

	// InactiveAfter marks a workflow inactive when its newest execution is
	// older than this.
	InactiveAfter time.Duration

	// HeartbeatStaleAfter downgrades a reportedly healthy agent to degraded
	// when its last heartbeat is older than this.
	HeartbeatStaleAfter time.Duration
}

type SyncConfig struct {
	// WindowSize is the count-based freshness window (most recent N events).
	WindowSize int

	// Severity boundaries in milliseconds of drift. The mapping is total and
	// monotonic: drift below MediumMS is "low".
	CriticalMS int64
	HighMS     int64
	MediumMS   int64

	// RecoveryFreshness and RecoveryStreak define resolution: an incident
	// resolves after RecoveryStreak consecutive events at or above
	// RecoveryFreshness.
	RecoveryFreshness float64
	RecoveryStreak    int
}

type TrustConfig struct {
	// TrendWindow is the number of recent records compared for trend.
	TrendWindow int
	// TrendBand is the ± band (points) around the rolling average inside
	// which the trend is "stable".
	TrendBand float64
}

type PredictConfig struct {
	Interval         time.Duration
	MinHistory       int
	FailureThreshold float64
	DriftThreshold   float64
	HorizonHours     int
}

type NotifyConfig struct {
	WebhookURL string
	Secret     string
}

type ReportConfig struct {
	// CustomRules are operator-supplied recommendation rules in
	// "priority|action|expression" form, separated by ";;". They are
	// evaluated alongside the built-in rules against the same snapshot
	// environment.
	CustomRules []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TRUSTPLANE_PORT", 8080),
		Version: envStr("TRUSTPLANE_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "trustplane"),
		},
		Discovery: DiscoveryConfig{
			Interval:            envDuration("DISCOVERY_INTERVAL", 30*time.Second),
			SourceTimeout:       envDuration("DISCOVERY_SOURCE_TIMEOUT", 10*time.Second),
			MaxRetries:          uint64(envInt("DISCOVERY_MAX_RETRIES", 2)),
			SourcePriority:      envList("DISCOVERY_SOURCE_PRIORITY", []string{"registry", "mesh", "telemetry"}),
			RegistryURL:         envStr("DISCOVERY_REGISTRY_URL", ""),
			MeshURL:             envStr("DISCOVERY_MESH_URL", ""),
			TelemetryURL:        envStr("DISCOVERY_TELEMETRY_URL", ""),
			ExecutionLogURL:     envStr("DISCOVERY_EXECUTION_LOG_URL", ""),
			InactiveAfter:       envDuration("DISCOVERY_INACTIVE_AFTER", 7*24*time.Hour),
			HeartbeatStaleAfter: envDuration("DISCOVERY_HEARTBEAT_STALE_AFTER", 5*time.Minute),
		},
		Sync: SyncConfig{
			WindowSize:        envInt("SYNC_WINDOW_SIZE", 100),
			CriticalMS:        envInt64("SYNC_CRITICAL_MS", 300_000),
			HighMS:            envInt64("SYNC_HIGH_MS", 60_000),
			MediumMS:          envInt64("SYNC_MEDIUM_MS", 10_000),
			RecoveryFreshness: envFloat("SYNC_RECOVERY_FRESHNESS", 80),
			RecoveryStreak:    envInt("SYNC_RECOVERY_STREAK", 3),
		},
		Trust: TrustConfig{
			TrendWindow: envInt("TRUST_TREND_WINDOW", 10),
			TrendBand:   envFloat("TRUST_TREND_BAND", 5),
		},
		Predict: PredictConfig{
			Interval:         envDuration("PREDICT_INTERVAL", 5*time.Minute),
			MinHistory:       envInt("PREDICT_MIN_HISTORY", 10),
			FailureThreshold: envFloat("PREDICT_FAILURE_THRESHOLD", 0.3),
			DriftThreshold:   envFloat("PREDICT_DRIFT_THRESHOLD", 0.4),
			HorizonHours:     envInt("PREDICT_HORIZON_HOURS", 24),
		},
		Notify: NotifyConfig{
			WebhookURL: envStr("NOTIFY_WEBHOOK_URL", ""),
			Secret:     envStr("NOTIFY_WEBHOOK_SECRET", ""),
		},
		Report: ReportConfig{
			CustomRules: envRuleList("REPORT_CUSTOM_RULES"),
		},
	}
}

// envRuleList splits on ";;" since rule expressions may themselves contain
// commas.
func envRuleList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ";;")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
