package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/metrics"
)

const (
	defaultMaxOpenConns    = 100
	defaultConnMaxLifetime = time.Hour
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int

	// MaxOpenConns caps the pool; 0 means 100. A tenth of it stays idle.
	MaxOpenConns int
	// ConnectTimeout bounds each dial; 0 leaves it to the driver.
	ConnectTimeout time.Duration
}

// DSN returns the postgres connection string for the config.
func (c *DBConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	if secs := int(c.ConnectTimeout.Round(time.Second) / time.Second); secs > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", secs)
	}
	return dsn
}

func (c *DBConfig) validate() error {
	if c == nil {
		return errors.New("database config cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("logger cannot be nil")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid database port %d", c.Port)
	}
	if c.MaxOpenConns < 0 {
		return errors.New("max open connections cannot be negative")
	}
	return nil
}

// NewDB creates a new database connection and runs migrations.
func NewDB(cfg *DBConfig) (*gorm.DB, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := runMigrations(db, cfg.Logger); err != nil {
		_ = CloseDB(db, cfg.Logger)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// OpenDB connects to the database without touching the schema.
func OpenDB(cfg *DBConfig) (*gorm.DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	// Configure GORM
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent), // Use slog instead of GORM's logger
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB for connection pooling
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, maxOpen/10))
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")
	return db, nil
}

// runMigrations creates or updates the smartmeter tables.
func runMigrations(db *gorm.DB, logger *slog.Logger) error {
	logger.Info("running database migrations", "tables", len(meter.Models()))

	if err := db.WithContext(context.Background()).AutoMigrate(meter.Models()...); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	logger.Info("database migrations completed")
	return nil
}

// ReportPoolStats copies the connection pool counters into the DB gauges
// every interval until ctx is done.
func ReportPoolStats(ctx context.Context, db *gorm.DB, m *metrics.BackendMetrics, interval time.Duration) {
	if m == nil || db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := sqlDB.Stats()
		m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
		m.DBConnectionsInUse.Set(float64(stats.InUse))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CloseDB closes the database connection. A nil logger is allowed.
func CloseDB(db *gorm.DB, log *slog.Logger) error {
	if db == nil {
		return nil
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Info("database connection closed")
	return nil
}
