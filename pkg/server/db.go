package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDatabase opens the configured database, retrying with exponential
// backoff so the server survives a database that comes up after it does.
func OpenDatabase(cfg *Config, logger *slog.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg.DBDialect, cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var db *gorm.DB
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	connect := func() error {
		db, err = gorm.Open(dialector, gormCfg)
		if err != nil {
			return fmt.Errorf("opening %s database: %w", cfg.DBDialect, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("unwrapping sql.DB: %w", err)
		}
		return sqlDB.Ping()
	}

	notify := func(err error, next time.Duration) {
		logger.Warn("database not ready, retrying",
			"dialect", cfg.DBDialect, "retryIn", next.Round(time.Second).String(), "error", err)
	}

	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, err
	}

	logger.Info("database connected", "dialect", cfg.DBDialect)
	return db, nil
}

func dialectorFor(dialect, dsn string) (gorm.Dialector, error) {
	switch dialect {
	case "", "sqlite":
		if dsn == "" {
			dsn = "changegate.db"
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
}
