package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Source.BaseURL != "https://data.sfgov.org" {
		t.Errorf("BaseURL = %q", cfg.Source.BaseURL)
	}
	if cfg.Source.RateLimitQPS != 5 {
		t.Errorf("RateLimitQPS = %v", cfg.Source.RateLimitQPS)
	}
	if cfg.Source.Datasets.Permits != "i98e-djp9" {
		t.Errorf("Datasets.Permits = %q", cfg.Source.Datasets.Permits)
	}
	if cfg.Database.URL != "" {
		t.Errorf("DB URL default = %q, want memory fallback", cfg.Database.URL)
	}
	if cfg.Pipeline.IngestOverlapDays != 2 {
		t.Errorf("IngestOverlapDays = %d", cfg.Pipeline.IngestOverlapDays)
	}
	if cfg.Pipeline.StepTimeout != 2*time.Hour {
		t.Errorf("StepTimeout = %v", cfg.Pipeline.StepTimeout)
	}
	if cfg.Pipeline.NightlyHourUTC != -1 {
		t.Errorf("NightlyHourUTC = %d, want disabled", cfg.Pipeline.NightlyHourUTC)
	}
	if cfg.Pipeline.OpsLogRetentionDays != 90 {
		t.Errorf("OpsLogRetentionDays = %d", cfg.Pipeline.OpsLogRetentionDays)
	}
	if cfg.Velocity.CurrentWindowDays != 90 || cfg.Velocity.AutoWidenDays != 180 {
		t.Errorf("Velocity = %+v", cfg.Velocity)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry enabled by default")
	}
	if cfg.Cron.Secret != "" {
		t.Errorf("Cron.Secret default = %q", cfg.Cron.Secret)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PERMIT_PIPELINE_PORT", "9090")
	t.Setenv("SOURCE_RATE_LIMIT_QPS", "2.5")
	t.Setenv("STEP_TIMEOUT", "45m")
	t.Setenv("NIGHTLY_HOUR_UTC", "9")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("DATASET_PERMITS", "test-perm")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Source.RateLimitQPS != 2.5 {
		t.Errorf("RateLimitQPS = %v", cfg.Source.RateLimitQPS)
	}
	if cfg.Pipeline.StepTimeout != 45*time.Minute {
		t.Errorf("StepTimeout = %v", cfg.Pipeline.StepTimeout)
	}
	if cfg.Pipeline.NightlyHourUTC != 9 {
		t.Errorf("NightlyHourUTC = %d", cfg.Pipeline.NightlyHourUTC)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("OTEL_ENABLED override ignored")
	}
	if cfg.Source.Datasets.Permits != "test-perm" {
		t.Errorf("Datasets.Permits = %q", cfg.Source.Datasets.Permits)
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("PERMIT_PIPELINE_PORT", "not-a-port")
	t.Setenv("STEP_TIMEOUT", "soon")
	t.Setenv("OTEL_ENABLED", "maybe")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default on parse failure", cfg.Port)
	}
	if cfg.Pipeline.StepTimeout != 2*time.Hour {
		t.Errorf("StepTimeout = %v, want default on parse failure", cfg.Pipeline.StepTimeout)
	}
	if cfg.Telemetry.Enabled {
		t.Error("malformed bool enabled telemetry")
	}
}
