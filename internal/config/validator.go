package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stratlab/internal/database"
	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
)

// Validator 配置验证器
type Validator struct {
	config *Config
}

// NewValidator 创建配置验证器
func NewValidator(config *Config) *Validator {
	return &Validator{config: config}
}

// Validate 验证配置
func (c *Config) Validate() error {
	return NewValidator(c).Validate()
}

// Validate 验证配置, 汇总所有分区的错误
func (v *Validator) Validate() error {
	sections := []struct {
		name  string
		check func() error
	}{
		{"app", v.validateApp},
		{"server", v.validateServer},
		{"scheduler", v.validateScheduler},
		{"engine", v.validateEngine},
		{"storage", v.validateStorage},
		{"redis", v.validateRedis},
		{"logging", v.validateLogging},
		{"rate_limit", v.validateRateLimit},
		{"recurring", v.validateRecurring},
	}

	var problems []string
	for _, s := range sections {
		if err := s.check(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", s.name, err))
		}
	}

	if len(problems) > 0 {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidConfig,
			"configuration is invalid", strings.Join(problems, "; "), nil)
	}
	return nil
}

func (v *Validator) validateApp() error {
	app := v.config.App
	if app.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch app.Env {
	case "development", "test", "staging", "production":
		return nil
	default:
		return fmt.Errorf("unknown env %q", app.Env)
	}
}

func (v *Validator) validateServer() error {
	server := v.config.Server
	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port %d", server.Port)
	}
	if server.ReadTimeout <= 0 || server.WriteTimeout <= 0 {
		return fmt.Errorf("read_timeout and write_timeout must be positive")
	}
	switch server.Mode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("unknown mode %q", server.Mode)
	}
	if server.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be non-negative")
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.config.Scheduler
	if s.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}
	if s.MaxQueued < 0 || s.RetainFinished < 0 {
		return fmt.Errorf("max_queued and retain_finished must be non-negative")
	}
	return nil
}

func (v *Validator) validateEngine() error {
	switch v.config.Engine.Source {
	case "", "synthetic":
		return nil
	default:
		return fmt.Errorf("unknown source %q", v.config.Engine.Source)
	}
}

func (v *Validator) validateStorage() error {
	s := v.config.Storage
	if !s.Enabled {
		return nil
	}
	switch s.Driver {
	case database.DriverSQLite:
		if s.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case database.DriverPostgres, "":
		if s.Host == "" || s.DBName == "" {
			return fmt.Errorf("host and dbname are required for postgres")
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("invalid port %d", s.Port)
		}
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	if s.Retention < 0 {
		return fmt.Errorf("retention must be non-negative")
	}
	return nil
}

func (v *Validator) validateRedis() error {
	r := v.config.Redis
	if !r.Enabled {
		return nil
	}
	if r.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if r.PoolSize < 0 || r.DB < 0 {
		return fmt.Errorf("pool_size and db must be non-negative")
	}
	return nil
}

func (v *Validator) validateLogging() error {
	l := v.config.Logging
	levels := []logger.LogLevel{l.Level}
	for _, lvl := range l.Modules {
		levels = append(levels, lvl)
	}
	for _, lvl := range levels {
		switch lvl {
		case "", logger.LevelTrace, logger.LevelDebug, logger.LevelInfo, logger.LevelWarn,
			logger.LevelError, logger.LevelFatal, logger.LevelPanic:
		default:
			return fmt.Errorf("unknown level %q", lvl)
		}
	}
	switch l.Format {
	case "", logger.FormatJSON, logger.FormatText:
		return nil
	default:
		return fmt.Errorf("unknown format %q", l.Format)
	}
}

func (v *Validator) validateRateLimit() error {
	rl := v.config.RateLimit
	if rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst <= 0) {
		return fmt.Errorf("requests_per_minute and burst must be positive")
	}
	return nil
}

func (v *Validator) validateRecurring() error {
	seen := make(map[string]bool)
	for _, r := range v.config.Recurring {
		if r.Name == "" {
			return fmt.Errorf("recurring run needs a name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate recurring run %s", r.Name)
		}
		seen[r.Name] = true

		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			return fmt.Errorf("%s: invalid schedule: %v", r.Name, err)
		}
		if r.GraphFile == "" {
			return fmt.Errorf("%s: graph_file is required", r.Name)
		}
		if r.LookbackDays < 0 {
			return fmt.Errorf("%s: lookback_days must be non-negative", r.Name)
		}

		// 回看窗口在触发时才确定, 这里用当前时间代入
		run := r.Run
		if r.LookbackDays > 0 {
			run.End = time.Now().UTC()
			run.Start = run.End.AddDate(0, 0, -r.LookbackDays)
		}
		if err := run.Validate(); err != nil {
			return fmt.Errorf("%s: %v", r.Name, err)
		}
	}
	return nil
}
