// Package config loads the engine's typed configuration from a YAML
// file plus environment overrides (SPEC_FULL.md §4.0), grounded on the
// teacher's pkg/config loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the Store's backing Postgres connection.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn" env:"DATABASE_DSN"`
	MigrateOnStart bool   `yaml:"migrateOnStart" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig controls the optional Redis-backed EventBus/MapBackend.
type RedisConfig struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// ClusterConfig controls this node's identity and coordination
// parameters (spec §4.5, §4.8).
type ClusterConfig struct {
	ServerID        string        `yaml:"serverId" env:"CLUSTER_SERVER_ID"`
	LeaseTTL        time.Duration `yaml:"leaseTtl" env:"CLUSTER_LEASE_TTL"`
	EventBusBackend string        `yaml:"eventBusBackend" env:"CLUSTER_EVENT_BUS"` // local|database|redis
	MapBackend      string        `yaml:"mapBackend" env:"CLUSTER_MAP_BACKEND"`    // memory|database|redis
}

// SequenceConfig controls SequenceAllocator block sizing (spec §4.2).
type SequenceConfig struct {
	BlockSize int64 `yaml:"blockSize" env:"SEQUENCE_BLOCK_SIZE"`
}

// SecurityConfig controls content encryption (spec §4.1, internal/crypto).
type SecurityConfig struct {
	MasterKeyPath string `yaml:"masterKeyPath" env:"SECURITY_MASTER_KEY_PATH"`
}

// EngineConfig controls shadow mode and channel loading.
type EngineConfig struct {
	ShadowMode       bool          `yaml:"shadowMode" env:"ENGINE_SHADOW_MODE"`
	ChannelConfigDir string        `yaml:"channelConfigDir" env:"ENGINE_CHANNEL_CONFIG_DIR"`
	StopGracePeriod  time.Duration `yaml:"stopGracePeriod" env:"ENGINE_STOP_GRACE_PERIOD"`
}

// ControlAPIConfig controls the operational HTTP surface (SPEC_FULL.md §4.0).
type ControlAPIConfig struct {
	ListenAddress string `yaml:"listenAddress" env:"CONTROL_API_LISTEN_ADDRESS"`
}

// Config is the engine's top-level configuration structure.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Sequence   SequenceConfig   `yaml:"sequence"`
	Security   SecurityConfig   `yaml:"security"`
	Engine     EngineConfig     `yaml:"engine"`
	ControlAPI ControlAPIConfig `yaml:"controlApi"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoggingConfig mirrors internal/logging.Config for file-based loading.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{MigrateOnStart: true},
		Cluster: ClusterConfig{
			LeaseTTL:        30 * time.Second,
			EventBusBackend: "local",
			MapBackend:      "memory",
		},
		Sequence: SequenceConfig{BlockSize: 100},
		Engine:   EngineConfig{ShadowMode: false, StopGracePeriod: 30 * time.Second},
		ControlAPI: ControlAPIConfig{
			ListenAddress: ":8081",
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load reads a `.env` file if present, loads path (or "config.yaml" in
// the working directory if path is empty and the file exists), then
// applies environment variable overrides (grounded on the teacher's
// pkg/config.Load).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path == "" {
		path = "config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env overrides: %w", err)
		}
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", abs, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", abs, err)
	}
	return nil
}
