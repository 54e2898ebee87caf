// Package store keeps a local SQL mirror of the last good snapshot of each
// nest. The calendar view falls back to it when the hosted read fails; the
// result is always marked stale by the caller.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nestcal/internal/config"
	"nestcal/internal/conflict"
	appLog "nestcal/internal/log"
	"nestcal/internal/record"
)

// ErrNoSnapshot is returned when a nest has never been mirrored.
var ErrNoSnapshot = errors.New("no mirrored snapshot")

// Store wraps the database connection with dialect support.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects according to cfg and applies the dialect's pool settings.
// Migrate must be called before use.
func Open(cfg config.StoreConfig) (*Store, error) {
	var dialect Dialect
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		dialect = postgresDialect{}
	case "sqlite", "sqlite3", "":
		dialect = sqliteDialect{}
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store dir: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}

	db, err := sql.Open(dialect.DriverName(), dialect.DSN(cfg.Path, cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}
	if err := dialect.ConfigureConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure store connection: %w", err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the mirror tables. It is safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range s.dialect.Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.dialect.RewriteQuery(query)
}

// SaveSnapshot replaces the nest's mirrored rows in one transaction. Rows
// are stored verbatim, legacy column names included, so a later
// LoadSnapshot normalizes exactly what the hosted read returned.
func (s *Store) SaveSnapshot(ctx context.Context, group string, rows []record.Raw) error {
	if group == "" {
		return conflict.ErrScopeViolation
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM mirror_events WHERE nest_id = ?"), group); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.q(
		"INSERT INTO mirror_events (nest_id, position, id, member_id, payload, saved_at) VALUES (?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	stored := 0
	for i, r := range rows {
		if g := record.Group(r); g != "" && g != group {
			appLog.Warn("not mirroring row from another nest", "nest", group, "row_nest", g, "id", record.ID(r))
			continue
		}
		payload, err := json.Marshal(r)
		if err != nil {
			appLog.Warn("not mirroring unencodable row", "nest", group, "id", record.ID(r), "reason", err.Error())
			continue
		}
		if _, err := stmt.ExecContext(ctx, group, i, record.ID(r), record.Member(r), string(payload), now); err != nil {
			return fmt.Errorf("insert snapshot row %d: %w", i, err)
		}
		stored++
	}

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM mirror_snapshots WHERE nest_id = ?"), group); err != nil {
		return fmt.Errorf("clear snapshot marker: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(
		"INSERT INTO mirror_snapshots (nest_id, row_count, saved_at) VALUES (?, ?, ?)"), group, stored, now); err != nil {
		return fmt.Errorf("write snapshot marker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	appLog.Debug("snapshot mirrored", "nest", group, "rows", stored)
	return nil
}

// LoadSnapshot returns the mirrored rows of a nest in their original order
// and the time they were saved.
func (s *Store) LoadSnapshot(ctx context.Context, group string) ([]record.Raw, time.Time, error) {
	if group == "" {
		return nil, time.Time{}, conflict.ErrScopeViolation
	}
	var savedAt time.Time
	err := s.db.QueryRowContext(ctx, s.q("SELECT saved_at FROM mirror_snapshots WHERE nest_id = ?"), group).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot marker: %w", err)
	}
	rows, err := s.query(ctx, "SELECT payload FROM mirror_events WHERE nest_id = ? ORDER BY position", group)
	if err != nil {
		return nil, time.Time{}, err
	}
	return rows, savedAt, nil
}

// FetchEvents has the same contract as the hosted read so the mirror can
// back the Guard in offline development setups.
func (s *Store) FetchEvents(ctx context.Context, f conflict.Filter) ([]record.Raw, error) {
	if f.GroupID == "" {
		return nil, conflict.ErrScopeViolation
	}
	if f.MemberID == "" {
		return s.query(ctx, "SELECT payload FROM mirror_events WHERE nest_id = ? ORDER BY position", f.GroupID)
	}
	return s.query(ctx,
		"SELECT payload FROM mirror_events WHERE nest_id = ? AND member_id = ? ORDER BY position",
		f.GroupID, f.MemberID)
}

// Nests lists every mirrored nest.
func (s *Store) Nests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT nest_id FROM mirror_snapshots ORDER BY nest_id")
	if err != nil {
		return nil, fmt.Errorf("list nests: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]record.Raw, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query mirror: %w", err)
	}
	defer rows.Close()

	out := []record.Raw{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		var r record.Raw
		if err := dec.Decode(&r); err != nil {
			appLog.Warn("skipping undecodable mirror row", "reason", err.Error())
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
