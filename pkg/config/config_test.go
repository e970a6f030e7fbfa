package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modswap.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Broker.MaxRetries != 5 || cfg.Broker.InitialBackoff != 100*time.Millisecond {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Broker.QueueCapacity != 10000 || cfg.Broker.BackoffMult != 2.0 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store backend = %s", cfg.Store.Backend)
	}
	if cfg.Redis.Addr != "" || cfg.Redis.IdemTTL != 24*time.Hour {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Pipeline.ApprovalTimeout != 15*time.Minute || cfg.Pipeline.MinHealthyFraction != 0.5 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Simulator.DevNodes != 3 || cfg.Simulator.StagingNodes != 5 || cfg.Simulator.ProdNodes != 10 {
		t.Errorf("simulator = %+v", cfg.Simulator)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
broker:
  max_retries: 2
  queue_capacity: 500
pipeline:
  approval_timeout: 1m
logging:
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Broker.MaxRetries != 2 || cfg.Broker.QueueCapacity != 500 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Pipeline.ApprovalTimeout != time.Minute {
		t.Errorf("approval timeout = %v", cfg.Pipeline.ApprovalTimeout)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("format = %s", cfg.Logging.Format)
	}
	// Untouched values keep their defaults.
	if cfg.Server.ReadTimeout != 15*time.Second || cfg.Broker.MaxBackoff != 5*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Server, cfg.Broker)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
redis:
  addr: "yaml-redis:6379"
`)
	t.Setenv("MODSWAP_ADDR", ":7070")
	t.Setenv("MODSWAP_REDIS_ADDR", "env-redis:6379")
	t.Setenv("MODSWAP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Redis.Addr != "env-redis:6379" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	bad := writeConfigFile(t, "server: [not, a, map]")
	if _, err := Load(bad); err == nil {
		t.Error("malformed yaml accepted")
	}
}
