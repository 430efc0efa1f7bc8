package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"docsync/config"
	"docsync/internal/document/repository"
	"docsync/pkg/logger"
)

const (
	pingAttempts = 5
	pingInterval = 2 * time.Second
)

// Connect opens the configured database and pings it, retrying a few times
// in case of temporary DNS or network blips. It returns the repository
// dialect matching the driver.
func Connect(ctx context.Context, cfg config.DB) (*sql.DB, string, error) {
	var (
		driver  string
		dsn     string
		dialect string
	)
	switch cfg.Driver {
	case "sqlite":
		driver, dsn, dialect = "sqlite", cfg.DSN, repository.DialectSQLite
	default:
		driver, dsn, dialect = "postgres", cfg.PostgresDSN(), repository.DialectPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if dialect == repository.DialectSQLite {
		// one writer avoids SQLITE_BUSY and keeps :memory: a single database
		db.SetMaxOpenConns(1)
	}

	for i := 1; i <= pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Log.Info("Successfully connected to the database", zap.String("driver", driver))
			return db, dialect, nil
		}
		logger.Log.Warn("Database connection failed, retrying",
			zap.Int("attempt", i),
			zap.Duration("backoff", pingInterval),
			zap.Error(err),
		)
		select {
		case <-time.After(pingInterval):
		case <-ctx.Done():
			db.Close()
			return nil, "", ctx.Err()
		}
	}
	db.Close()
	return nil, "", fmt.Errorf("could not connect to database after %d attempts: %w", pingAttempts, err)
}
