package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
)

// Driver names a supported SQL backend
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Config represents database configuration
type Config struct {
	Driver          Driver        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"` // sqlite database file
	MaxOpen         int           `yaml:"max_open"`
	MaxIdle         int           `yaml:"max_idle"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
}

// DSN returns the driver-specific data source name
func (c *Config) DSN() string {
	if c.Driver == DriverSQLite {
		// 单写者，等待锁而不是立即失败
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", c.Path)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.Driver == DriverSQLite {
		c.MaxOpen, c.MaxIdle = 1, 1
	}
	if c.MaxOpen <= 0 {
		c.MaxOpen = 25 // 默认最大连接数
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5 // 默认空闲连接数
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second // 默认连接超时
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 15 * time.Minute
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 16 << 20
	}
}

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	log    logger.Logger

	mu    sync.RWMutex
	stats PoolStats

	stopOnce sync.Once
	stop     chan struct{}
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	LastUpdated        time.Time     `json:"last_updated"`
}

// NewConnection opens the configured database and pings it with retries
func NewConnection(cfg *Config, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	cfg.setDefaults()

	db, err := sql.Open(string(cfg.Driver), cfg.DSN())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	const maxRetries = 3
	var pingErr error
	for i := 0; i < maxRetries; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		log.Warn("Database ping failed", "attempt", i+1, "max_attempts", maxRetries, "error", pingErr)
		if i < maxRetries-1 {
			select {
			case <-time.After(time.Second * time.Duration(i+1)): // 递增延迟
			case <-ctx.Done():
			}
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBConnection,
			fmt.Sprintf("failed to ping %s database after %d attempts", cfg.Driver, maxRetries),
			pingErr.Error(), pingErr)
	}

	log.Info("Database connection established",
		"driver", cfg.Driver, "max_open", cfg.MaxOpen, "max_idle", cfg.MaxIdle)

	d := &DB{DB: db, config: cfg, log: log, stop: make(chan struct{})}
	go d.monitorPoolStats(30 * time.Second)
	return d, nil
}

// Driver returns the backend in use
func (db *DB) Driver() Driver {
	return db.config.Driver
}

// Config returns the effective configuration
func (db *DB) Config() Config {
	return *db.config
}

// Rebind rewrites ? placeholders to the driver's syntax
func (db *DB) Rebind(query string) string {
	if db.config.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close stops pool monitoring and closes the connection
func (db *DB) Close() error {
	db.stopOnce.Do(func() { close(db.stop) })
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() PoolStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.stats
}

func (db *DB) monitorPoolStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			db.updatePoolStats()
		case <-db.stop:
			return
		}
	}
}

func (db *DB) updatePoolStats() {
	s := db.DB.Stats()

	db.mu.Lock()
	db.stats = PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
		LastUpdated:        time.Now(),
	}
	db.mu.Unlock()

	if s.WaitCount > 0 {
		db.log.Debug("Database connection pool under pressure",
			"wait_count", s.WaitCount, "wait_duration", s.WaitDuration, "in_use", s.InUse, "idle", s.Idle)
	}
}
