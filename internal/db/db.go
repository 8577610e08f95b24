// Package db opens the orchestrator's Postgres connection, sizes the
// pool, and applies the embedded SQL migrations on startup.
package db

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/gleitzeit/gleitzeit/migrations"
)

// Connect opens the database at dsn, configures the connection pool,
// and applies any pending migrations. Pool sizing is tunable via the
// GLEITZEIT_DB_* environment variables so multiple orchestrator
// instances can share one database without exhausting its connections.
func Connect(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	conn.SetMaxOpenConns(getEnvInt("GLEITZEIT_DB_MAX_OPEN_CONNS", 25))
	conn.SetMaxIdleConns(getEnvInt("GLEITZEIT_DB_MAX_IDLE_CONNS", 10))
	conn.SetConnMaxLifetime(getEnvDuration("GLEITZEIT_DB_CONN_MAX_LIFETIME", 5*time.Minute))
	conn.SetConnMaxIdleTime(getEnvDuration("GLEITZEIT_DB_CONN_MAX_IDLE_TIME", 2*time.Minute))

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := ApplyMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return conn, nil
}

// ApplyMigrations runs every embedded migration file not yet recorded
// in schema_migrations, in sorted filename order.
func ApplyMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := conn.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	defer rows.Close()
	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if _, ok := applied[name]; ok {
			continue
		}
		sqlBytes, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := conn.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := conn.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, name, time.Now()); err != nil {
			return err
		}
		log.Printf("migrated %s", name)
	}
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("invalid integer for %s: %q, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		log.Printf("invalid duration for %s: %q, using default %v", key, value, defaultValue)
	}
	return defaultValue
}
