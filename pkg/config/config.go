// Package config loads modswap configuration. Values come from three
// layers, later layers winning: built-in defaults, an optional YAML
// file, and MODSWAP_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/freitascorp/modswap/pkg/broker"
)

// Config is the full modswap configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"MODSWAP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"MODSWAP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MODSWAP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MODSWAP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type BrokerConfig struct {
	MaxRetries       int           `yaml:"max_retries" env:"MODSWAP_BROKER_MAX_RETRIES" envDefault:"5"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" env:"MODSWAP_BROKER_INITIAL_BACKOFF" envDefault:"100ms"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"MODSWAP_BROKER_MAX_BACKOFF" envDefault:"5s"`
	BackoffMult      float64       `yaml:"backoff_multiplier" env:"MODSWAP_BROKER_BACKOFF_MULT" envDefault:"2.0"`
	LockTimeout      time.Duration `yaml:"lock_timeout" env:"MODSWAP_BROKER_LOCK_TIMEOUT" envDefault:"30s"`
	AckTimeout       time.Duration `yaml:"ack_timeout" env:"MODSWAP_BROKER_ACK_TIMEOUT" envDefault:"30s"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"MODSWAP_BROKER_DISPATCH_INTERVAL" envDefault:"50ms"`
	QueueCapacity    int           `yaml:"queue_capacity" env:"MODSWAP_BROKER_QUEUE_CAPACITY" envDefault:"10000"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" env:"MODSWAP_BROKER_MONITOR_INTERVAL" envDefault:"5s"`
}

type StoreConfig struct {
	Backend    string                `yaml:"backend" env:"MODSWAP_STORE_BACKEND" envDefault:"memory"` // memory, sqlite, postgres
	DataDir    string                `yaml:"data_dir" env:"MODSWAP_DATA_DIR" envDefault:"./data"`
	SQLitePath string                `yaml:"sqlite_path" env:"MODSWAP_SQLITE_PATH"`
	Postgres   broker.PostgresConfig `yaml:"postgres"`
}

// RedisConfig enables Redis-backed queue, lock and idempotency store.
// When Addr is empty the in-memory backends are used.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"MODSWAP_REDIS_ADDR"`
	Password string        `yaml:"password" env:"MODSWAP_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"MODSWAP_REDIS_DB" envDefault:"0"`
	IdemTTL  time.Duration `yaml:"idempotency_ttl" env:"MODSWAP_REDIS_IDEM_TTL" envDefault:"24h"`
}

type PipelineConfig struct {
	ApprovalTimeout    time.Duration `yaml:"approval_timeout" env:"MODSWAP_APPROVAL_TIMEOUT" envDefault:"15m"`
	SmokeTestTimeout   time.Duration `yaml:"smoke_test_timeout" env:"MODSWAP_SMOKE_TEST_TIMEOUT" envDefault:"5m"`
	StabilizationMax   time.Duration `yaml:"stabilization_max" env:"MODSWAP_STABILIZATION_MAX" envDefault:"30m"`
	MinHealthyFraction float64       `yaml:"min_healthy_fraction" env:"MODSWAP_MIN_HEALTHY_FRACTION" envDefault:"0.5"`
	TrackerPath        string        `yaml:"tracker_path" env:"MODSWAP_TRACKER_PATH"` // empty = in-memory
}

type LoggingConfig struct {
	Format string `yaml:"format" env:"MODSWAP_LOG_FORMAT" envDefault:"json"` // json, text
	Level  string `yaml:"level" env:"MODSWAP_LOG_LEVEL" envDefault:"info"`
}

// AuditConfig controls the control-plane audit trail. An empty Dir
// disables auditing.
type AuditConfig struct {
	Dir string `yaml:"dir" env:"MODSWAP_AUDIT_DIR"`
}

// SimulatorConfig sizes the simulated clusters served by default.
type SimulatorConfig struct {
	DevNodes     int `yaml:"dev_nodes" env:"MODSWAP_SIM_DEV_NODES" envDefault:"3"`
	StagingNodes int `yaml:"staging_nodes" env:"MODSWAP_SIM_STAGING_NODES" envDefault:"5"`
	ProdNodes    int `yaml:"prod_nodes" env:"MODSWAP_SIM_PROD_NODES" envDefault:"10"`
}

// Load builds the configuration: YAML file first (if path is
// non-empty), then environment variables on top.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
