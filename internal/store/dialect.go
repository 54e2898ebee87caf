package store

import (
	"database/sql"
	"regexp"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect hides the differences between the supported SQL drivers.
type Dialect interface {
	// DriverName is the database/sql driver name.
	DriverName() string
	// DSN builds the connection string.
	DSN(path, url string) string
	// RewriteQuery converts ? placeholders when the driver needs it.
	RewriteQuery(query string) string
	// ConfigureConnection applies pool and session settings.
	ConfigureConnection(db *sql.DB) error
	// Migrations returns the schema statements in order.
	Migrations() []string
}

var placeholderRegexp = regexp.MustCompile(`\?`)

// rewritePlaceholdersToNumbered converts ? placeholders to $1, $2, ...
func rewritePlaceholdersToNumbered(query string) string {
	counter := 0
	return placeholderRegexp.ReplaceAllStringFunc(query, func(string) string {
		counter++
		return "$" + strconv.Itoa(counter)
	})
}

type sqliteDialect struct{}

func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) DSN(path, _ string) string { return path }

func (sqliteDialect) RewriteQuery(query string) string { return query }

func (sqliteDialect) ConfigureConnection(db *sql.DB) error {
	// A single writer avoids SQLITE_BUSY between the poller and handlers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return err
	}
	_, err := db.Exec("PRAGMA busy_timeout=5000;")
	return err
}

func (sqliteDialect) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS mirror_events (
			nest_id   TEXT NOT NULL,
			position  INTEGER NOT NULL,
			id        TEXT NOT NULL DEFAULT '',
			member_id TEXT NOT NULL DEFAULT '',
			payload   TEXT NOT NULL,
			saved_at  DATETIME NOT NULL,
			PRIMARY KEY (nest_id, position)
		);`,
		`CREATE INDEX IF NOT EXISTS mirror_events_member ON mirror_events (nest_id, member_id);`,
		`CREATE TABLE IF NOT EXISTS mirror_snapshots (
			nest_id  TEXT PRIMARY KEY,
			row_count INTEGER NOT NULL,
			saved_at DATETIME NOT NULL
		);`,
	}
}

type postgresDialect struct{}

func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) DSN(_, url string) string { return url }

func (postgresDialect) RewriteQuery(query string) string {
	return rewritePlaceholdersToNumbered(query)
}

func (postgresDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
	return nil
}

func (postgresDialect) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS mirror_events (
			nest_id   TEXT NOT NULL,
			position  INTEGER NOT NULL,
			id        TEXT NOT NULL DEFAULT '',
			member_id TEXT NOT NULL DEFAULT '',
			payload   JSONB NOT NULL,
			saved_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (nest_id, position)
		);`,
		`CREATE INDEX IF NOT EXISTS mirror_events_member ON mirror_events (nest_id, member_id);`,
		`CREATE TABLE IF NOT EXISTS mirror_snapshots (
			nest_id  TEXT PRIMARY KEY,
			row_count INTEGER NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		);`,
	}
}
