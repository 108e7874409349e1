package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stratlab/internal/cache"
	"stratlab/internal/database"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/orchestrator"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig           `yaml:"app"`
	Server     ServerConfig        `yaml:"server"`
	Scheduler  orchestrator.Config `yaml:"scheduler"`
	Engine     EngineConfig        `yaml:"engine"`
	Storage    StorageConfig       `yaml:"storage"`
	Redis      cache.Config        `yaml:"redis"`
	Logging    logger.Config       `yaml:"logging"`
	Monitoring MonitoringConfig    `yaml:"monitoring"`
	RateLimit  RateLimitConfig     `yaml:"rate_limit"`
	Recurring  []RecurringConfig   `yaml:"recurring"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	Mode            string        `yaml:"mode"` // gin mode: debug, release, test
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// EngineConfig selects where bars come from
type EngineConfig struct {
	Source    string                 `yaml:"source"` // synthetic
	Synthetic market.SyntheticConfig `yaml:"synthetic"`
	CacheBars bool                   `yaml:"cache_bars"`
}

// StorageConfig configures the run record store. When disabled, runs live
// only in memory.
type StorageConfig struct {
	Enabled         bool `yaml:"enabled"`
	database.Config `yaml:",inline"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	Retention       time.Duration `yaml:"retention"` // finished runs older than this are pruned, 0 keeps all
	PruneInterval   time.Duration `yaml:"prune_interval"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// RecurringConfig declares a graph that is resubmitted on a cron schedule
type RecurringConfig struct {
	Name         string          `yaml:"name"`
	Schedule     string          `yaml:"schedule"`
	GraphFile    string          `yaml:"graph_file"`
	Run          types.RunConfig `yaml:"run"`
	LookbackDays int             `yaml:"lookback_days"`
}

// Default returns a configuration that runs standalone: sqlite storage,
// in-memory cache and synthetic bars.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:    "stratlab",
			Version: "0.1.0",
			Env:     "development",
		},
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			Mode:            "release",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Scheduler: orchestrator.Config{
			MaxConcurrentRuns: orchestrator.DefaultMaxConcurrentRuns,
			MaxQueued:         256,
			RetainFinished:    1000,
			PersistTimeout:    10 * time.Second,
		},
		Engine: EngineConfig{
			Source:    "synthetic",
			Synthetic: market.SyntheticConfig{Mode: market.SyntheticRandomWalk, StartPrice: 100, Volatility: 0.01, Seed: 1},
			CacheBars: true,
		},
		Storage: StorageConfig{
			Enabled: true,
			Config: database.Config{
				Driver:          database.DriverSQLite,
				Path:            "data/stratlab.db",
				Host:            "localhost",
				Port:            5432,
				SSLMode:         "disable",
				Timeout:         5 * time.Second,
				MaxPayloadBytes: 16 << 20,
			},
			AutoMigrate:   true,
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Redis: cache.Config{
			Addr:          "localhost:6379",
			PoolSize:      10,
			MemoryMaxSize: 10000,
			StatusTTL:     24 * time.Hour,
			BarTTL:        time.Hour,
			Fallback:      cache.DefaultFallbackConfig(),
		},
		Logging: logger.DefaultConfig,
		Monitoring: MonitoringConfig{
			PrometheusEnabled: true,
			PrometheusPath:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 600,
			Burst:             50,
		},
	}
}

// Load reads the YAML file over the defaults, then applies STRATLAB_
// environment overrides and validates the result. An empty path skips the file.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	NewEnvManager("", "").Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files that exist. Variables already set in the
// environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// RecurringRuns parses the graph files of the recurring section. Relative
// paths resolve against baseDir.
func (c *Config) RecurringRuns(baseDir string) ([]orchestrator.RecurringRun, error) {
	runs := make([]orchestrator.RecurringRun, 0, len(c.Recurring))
	for _, r := range c.Recurring {
		path := r.GraphFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("recurring run %s: %w", r.Name, err)
		}
		g, err := graph.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("recurring run %s: %w", r.Name, err)
		}
		runs = append(runs, orchestrator.RecurringRun{
			Name:         r.Name,
			Schedule:     r.Schedule,
			Graph:        g,
			Config:       r.Run,
			LookbackDays: r.LookbackDays,
		})
	}
	return runs, nil
}
