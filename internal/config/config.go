package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the permit pipeline service.
type Config struct {
	Port      int
	Version   string
	Source    SourceConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Velocity  VelocityConfig
	Telemetry TelemetryConfig
	Cron      CronConfig
}

// SourceConfig configures the upstream dataset portal client.
type SourceConfig struct {
	BaseURL      string
	AppToken     string  // optional; sent as X-App-Token for a higher rate limit
	RateLimitQPS float64 // shared token-bucket rate across all ingestors
	Datasets     DatasetIDs
}

// DatasetIDs maps each dataset family to its portal dataset identifier.
type DatasetIDs struct {
	Permits            string
	BuildingContacts   string
	ElectricalContacts string
	PlumbingContacts   string
	Inspections        string
	AddendaRouting     string
	Violations         string
}

type DatabaseConfig struct {
	// URL selects the PostgreSQL backend; empty falls back to the
	// in-memory store (local dev, tests).
	URL            string
	MaxConnections int
	ConnectTimeout time.Duration
}

// PipelineConfig tunes the ingest/resolve/schedule behavior.
type PipelineConfig struct {
	IngestOverlapDays   int           // safety overlap on the delta cursor
	MaxParallelIngest   int           // fan-out ceiling for dataset loaders
	StaleAfterDays      int           // staleness alarm threshold per dataset
	StepTimeout         time.Duration // max wall-clock per scheduler step
	NightlyHourUTC      int           // hour of day the nightly run starts; -1 disables
	OpsLogRetentionDays int           // cron_log/ingest_log rows older than this are pruned
}

type VelocityConfig struct {
	CurrentWindowDays int // rolling current window
	AutoWidenDays     int // widened window when samples run short
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// CronConfig configures the scheduler trigger endpoints and alerting.
type CronConfig struct {
	Secret           string // bearer secret for POST trigger endpoints
	AdminEmail       string // target of staleness alarms
	NotifyWebhookURL string // optional webhook sink for alerts
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PERMIT_PIPELINE_PORT", 8080),
		Version: envStr("PERMIT_PIPELINE_VERSION", "0.4.0"),
		Source: SourceConfig{
			BaseURL:      envStr("SOURCE_BASE_URL", "https://data.sfgov.org"),
			AppToken:     envStr("SOURCE_APP_TOKEN", ""),
			RateLimitQPS: envFloat("SOURCE_RATE_LIMIT_QPS", 5),
			Datasets: DatasetIDs{
				Permits:            envStr("DATASET_PERMITS", "i98e-djp9"),
				BuildingContacts:   envStr("DATASET_BUILDING_CONTACTS", "3pee-9qhc"),
				ElectricalContacts: envStr("DATASET_ELECTRICAL_CONTACTS", "fdm7-jqqp"),
				PlumbingContacts:   envStr("DATASET_PLUMBING_CONTACTS", "55pm-jyd4"),
				Inspections:        envStr("DATASET_INSPECTIONS", "fjjd-jecq"),
				AddendaRouting:     envStr("DATASET_ADDENDA_ROUTING", "87xy-gk8d"),
				Violations:         envStr("DATASET_VIOLATIONS", "nbtm-fbw5"),
			},
		},
		Database: DatabaseConfig{
			URL:            envStr("DB_URL", ""),
			MaxConnections: envInt("DB_MAX_CONNECTIONS", 25),
			ConnectTimeout: envDur("DB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Pipeline: PipelineConfig{
			IngestOverlapDays:   envInt("INGEST_OVERLAP_DAYS", 2),
			MaxParallelIngest:   envInt("MAX_PARALLEL_INGEST", 3),
			StaleAfterDays:      envInt("INGEST_STALE_AFTER_DAYS", 3),
			StepTimeout:         envDur("STEP_TIMEOUT", 2*time.Hour),
			NightlyHourUTC:      envInt("NIGHTLY_HOUR_UTC", -1),
			OpsLogRetentionDays: envInt("OPS_LOG_RETENTION_DAYS", 90),
		},
		Velocity: VelocityConfig{
			CurrentWindowDays: envInt("VELOCITY_CURRENT_WINDOW_DAYS", 90),
			AutoWidenDays:     envInt("VELOCITY_AUTO_WIDEN_DAYS", 180),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "permit-pipeline"),
		},
		Cron: CronConfig{
			Secret:           envStr("CRON_SECRET", ""),
			AdminEmail:       envStr("ADMIN_EMAIL", ""),
			NotifyWebhookURL: envStr("NOTIFY_WEBHOOK_URL", ""),
		},
	}
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

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
