package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("http port = %d", cfg.HTTPPort)
	}
	if cfg.BusKind != "memory" {
		t.Errorf("bus kind = %q", cfg.BusKind)
	}
	if cfg.SummaryFailurePolicy != SummaryEmitWithout {
		t.Errorf("summary failure policy = %q", cfg.SummaryFailurePolicy)
	}
	if cfg.IdleWindow != 30*time.Second {
		t.Errorf("idle window = %v", cfg.IdleWindow)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("batch size = %d", cfg.BatchSize)
	}
}

func TestLoadFromTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
http_port = 9090
bus_kind = "kafka"
kafka_brokers = ["broker-1:9092", "broker-2:9092"]
batch_size = 25
summary_failure_policy = "dead-letter"
local_model = "dictalm-2b"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("http port = %d", cfg.HTTPPort)
	}
	if cfg.BusKind != "kafka" {
		t.Errorf("bus kind = %q", cfg.BusKind)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker-1:9092" {
		t.Errorf("kafka brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("batch size = %d", cfg.BatchSize)
	}
	if cfg.SummaryFailurePolicy != SummaryDeadLetter {
		t.Errorf("summary failure policy = %q", cfg.SummaryFailurePolicy)
	}
	if cfg.LocalModel != "dictalm-2b" {
		t.Errorf("local model = %q", cfg.LocalModel)
	}
	// Values absent from the file keep their defaults.
	if cfg.BreakerThreshold != 5 {
		t.Errorf("breaker threshold = %d", cfg.BreakerThreshold)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("http_port = 9090\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("IDLE_WINDOW_MS", "45000")
	t.Setenv("BACKFILL_RATE", "12.5")
	t.Setenv("ENABLE_SUMMARIES", "false")
	t.Setenv("SUMMARY_FAILURE_POLICY", "dead-letter")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("env did not win over file: port = %d", cfg.HTTPPort)
	}
	if cfg.IdleWindow != 45*time.Second {
		t.Errorf("idle window = %v", cfg.IdleWindow)
	}
	if cfg.BackfillRate != 12.5 {
		t.Errorf("backfill rate = %f", cfg.BackfillRate)
	}
	if cfg.EnableSummaries {
		t.Errorf("summaries still enabled")
	}
	if cfg.SummaryFailurePolicy != SummaryDeadLetter {
		t.Errorf("summary failure policy = %q", cfg.SummaryFailurePolicy)
	}
}

func TestMalformedConfigFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("http_port = {{"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error for malformed file")
	}
}
