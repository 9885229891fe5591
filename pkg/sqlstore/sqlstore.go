// Package sqlstore opens the shared SQL database and provides the dialect
// placeholder rewrite used by every SQL-backed store.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nimbuschat/nimbus/pkg/config"
)

// Open connects to the configured database and returns the handle together
// with the dialect name ("sqlite" or "postgres").
func Open(cfg config.DatabaseConfig) (*sql.DB, string, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case config.DriverSQLite:
		driverName = "sqlite3"
		dsn = cfg.Path
	case config.DriverPostgres:
		driverName = "postgres"
		dsn = cfg.DSN
	default:
		return nil, "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// sqlite serializes writers; more connections just contend.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	return db, string(cfg.Driver), nil
}

// Rebind converts ?-style placeholders to $n for postgres. Queries are
// written in sqlite style and rebound per dialect.
func Rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// AutoIncrementPK returns the dialect's auto-incrementing primary key column
// definition for CREATE TABLE statements.
func AutoIncrementPK(dialect string) string {
	if dialect == "postgres" {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}
