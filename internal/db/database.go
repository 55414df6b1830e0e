// Package db provides PostgreSQL connectivity, data models and the stores
// used to persist scan results and schedules.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/portwatch/portwatch/internal/errors"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/metrics"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration. Database name
// and credentials must be configured explicitly.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// Connect establishes a PostgreSQL connection and verifies it with a ping.
// Returned errors never carry the DSN or credentials.
func Connect(ctx context.Context, config *Config, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	database, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	database.SetMaxOpenConns(config.MaxOpenConns)
	database.SetMaxIdleConns(config.MaxIdleConns)
	database.SetConnMaxLifetime(config.ConnMaxLifetime)
	database.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := database.PingContext(ctx); err != nil {
		if closeErr := database.Close(); closeErr != nil {
			logger.ErrorDatabase("failed to close connection after ping failure", closeErr)
		}
		return nil, errors.WrapStorageError(errors.CodeDatabaseConnection,
			"Failed to verify database connection", err)
	}

	logger.InfoDatabase("connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: database}, nil
}

// WrapDB adapts an existing sql.DB connection, primarily for tests.
func WrapDB(conn *sql.DB) *DB {
	return &DB{DB: sqlx.NewDb(conn, "postgres")}
}

// observeQuery records query metrics. Callers defer it with a named error
// return so the outcome label is accurate.
func observeQuery(operation string, start time.Time, err error) {
	metrics.ObserveQuery(operation, time.Since(start), err)
}

// sanitizeDBError converts raw database errors into sanitized errors that
// don't expose SQL details or credentials. The original error stays in the
// Cause field.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		storageErr := errors.NewStorageError(errors.CodeNotFound, "Resource not found")
		storageErr.Operation = operation
		return storageErr
	}

	code := errors.CodeDatabaseQuery
	message := fmt.Sprintf("Database operation failed: %s", operation)

	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			code, message = errors.CodeConflict, "Resource already exists"
		case "23503": // foreign_key_violation
			code, message = errors.CodeValidation, "Referenced resource does not exist"
		case "23502": // not_null_violation
			code, message = errors.CodeValidation, "Required field is missing"
		case "23514": // check_violation
			code, message = errors.CodeValidation, "Data validation failed"
		case "57014": // query_canceled
			code, message = errors.CodeCanceled, "Database operation was canceled"
		case "08000", "08003", "08006", "57P01":
			code, message = errors.CodeDatabaseConnection, "Database connection error"
		}
	}

	storageErr := errors.NewStorageError(code, message)
	storageErr.Operation = operation
	storageErr.Cause = err
	return storageErr
}
