package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}

	if cfg.Database.Path != "data/rates.db" {
		t.Fatalf("database path = %s", cfg.Database.Path)
	}
	if cfg.BCB.MaxRetries != 3 || cfg.BCB.RetryBaseDelay != time.Second || cfg.BCB.RetryMaxDelay != time.Minute {
		t.Fatalf("retry defaults wrong: %+v", cfg.BCB)
	}
	if cfg.Scheduler.DailyHour != 19 || cfg.Scheduler.MonthlyDay != 10 {
		t.Fatalf("schedule defaults wrong: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Timezone != "America/Sao_Paulo" {
		t.Fatalf("timezone = %s", cfg.Scheduler.Timezone)
	}
	if cfg.Scheduler.StaleSweepEvery != 4*time.Hour {
		t.Fatalf("stale sweep interval = %s", cfg.Scheduler.StaleSweepEvery)
	}
	if cfg.Anomaly.StdThreshold != 3.0 || cfg.Anomaly.MinHistorySize != 5 {
		t.Fatalf("anomaly defaults wrong: %+v", cfg.Anomaly)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
database:
  path: /tmp/test.db
scheduler:
  daily_hour: 20
  monthly_day: 5
bcb:
  max_retries: 7
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Fatalf("database path = %s", cfg.Database.Path)
	}
	if cfg.Scheduler.DailyHour != 20 || cfg.Scheduler.MonthlyDay != 5 {
		t.Fatalf("overrides not applied: %+v", cfg.Scheduler)
	}
	if cfg.BCB.MaxRetries != 7 {
		t.Fatalf("max retries = %d", cfg.BCB.MaxRetries)
	}
	// Untouched keys keep their defaults.
	if cfg.Scheduler.MonthlyHour != 10 {
		t.Fatalf("monthly hour = %d", cfg.Scheduler.MonthlyHour)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Scheduler.MonthlyDay = 31
	if err := cfg.Validate(); err == nil {
		t.Fatal("day 31 does not exist in every month and must be rejected")
	}

	cfg = base()
	cfg.Database.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty database path must be rejected")
	}

	cfg = base()
	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("telegram without credentials must be rejected")
	}
}
