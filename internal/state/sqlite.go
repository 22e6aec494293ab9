package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlLoadMapping = `SELECT uuid, destination_id FROM mapping`

	sqlUpsertMapping = `INSERT INTO mapping (uuid, destination_id, synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		 destination_id = excluded.destination_id,
		 synced_at = CASE
		  WHEN mapping.destination_id = excluded.destination_id THEN mapping.synced_at
		  ELSE excluded.synced_at
		 END`

	sqlDeleteMapping = `DELETE FROM mapping WHERE uuid = ?`
)

// SQLiteStore keeps the mapping in a SQLite table, one row per book.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenSQLite opens or creates the database at path and applies pending
// migrations. WAL with synchronous=FULL makes each Save durable on return.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &IOError{Op: "create directory for", Path: path, Err: err}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	// Sole writer.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, &IOError{Op: "migrate", Path: path, Err: err}
	}

	logger.Debug("sqlite state opened", slog.String("path", path))

	return &SQLiteStore{db: db, path: path, logger: logger, nowFunc: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &IOError{Op: "close", Path: s.path, Err: err}
	}

	return nil
}

// Load reads every row into a Mapping.
func (s *SQLiteStore) Load(ctx context.Context) (Mapping, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadMapping)
	if err != nil {
		return nil, &IOError{Op: "query", Path: s.path, Err: err}
	}
	defer rows.Close()

	m := Mapping{}

	for rows.Next() {
		var uuid, id string
		if err := rows.Scan(&uuid, &id); err != nil {
			return nil, &IOError{Op: "scan", Path: s.path, Err: err}
		}

		m[uuid] = id
	}

	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "iterate", Path: s.path, Err: err}
	}

	s.logger.Debug("sync state loaded",
		slog.String("path", s.path),
		slog.Int("entries", len(m)),
	)

	return m, nil
}

// Save makes the table equal to m in one transaction: rows are upserted
// and rows missing from m are deleted. Unchanged rows keep their synced_at.
func (s *SQLiteStore) Save(ctx context.Context, m Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: "begin", Path: s.path, Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, err := loadUUIDs(ctx, tx)
	if err != nil {
		return &IOError{Op: "query", Path: s.path, Err: err}
	}

	now := s.nowFunc().UnixMilli()

	for _, uuid := range m.UUIDs() {
		if _, err := tx.ExecContext(ctx, sqlUpsertMapping, uuid, m[uuid], now); err != nil {
			return &IOError{Op: "upsert", Path: s.path, Err: err}
		}
	}

	removed := 0

	for _, uuid := range existing {
		if _, ok := m[uuid]; ok {
			continue
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteMapping, uuid); err != nil {
			return &IOError{Op: "delete", Path: s.path, Err: err}
		}

		removed++
	}

	if err := tx.Commit(); err != nil {
		return &IOError{Op: "commit", Path: s.path, Err: err}
	}

	committed = true

	s.logger.Debug("sync state saved",
		slog.String("path", s.path),
		slog.Int("entries", len(m)),
		slog.Int("removed", removed),
	)

	return nil
}

// SyncedAt returns when uuid was last mapped to its current id.
func (s *SQLiteStore) SyncedAt(ctx context.Context, uuid string) (time.Time, bool, error) {
	var ms int64

	err := s.db.QueryRowContext(ctx, `SELECT synced_at FROM mapping WHERE uuid = ?`, uuid).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, &IOError{Op: "query", Path: s.path, Err: err}
	}

	return time.UnixMilli(ms).UTC(), true, nil
}

func loadUUIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT uuid FROM mapping`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, err
		}

		out = append(out, uuid)
	}

	return out, rows.Err()
}
