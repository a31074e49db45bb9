package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding idempotency records and the
// orchestration failure log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "chittyfinance.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode so other processes sharing the file can read while we write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Idempotency records ---

// RecordEvent inserts rec unless a record with the same key already exists.
// Uses ON CONFLICT DO NOTHING so the uniqueness check and the insert are a
// single statement; inserted is false for a duplicate, which is not an error.
func (s *Store) RecordEvent(ctx context.Context, rec IdempotencyRecord) (inserted bool, err error) {
	firstSeen := rec.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	kind := rec.Kind
	if kind == "" {
		kind = "unknown"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, source, event_id, kind, first_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		rec.Key, rec.Source, rec.EventID, kind, firstSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetEvent returns the idempotency record for key.
func (s *Store) GetEvent(ctx context.Context, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var firstSeen string
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, source, event_id, kind, first_seen_at
		FROM idempotency_records WHERE idempotency_key = ?`, key,
	).Scan(&rec.Key, &rec.Source, &rec.EventID, &rec.Kind, &firstSeen)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, firstSeen)
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("parsing first_seen_at: %w", err)
	}
	rec.FirstSeen = t
	return rec, nil
}

// CountEvents returns the number of recorded events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM idempotency_records").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// --- Orchestration failures ---

// RecordOrchestrationFailures appends the consumer errors for an event in one transaction.
func (s *Store) RecordOrchestrationFailures(ctx context.Context, key string, failures []string) error {
	if len(failures) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record failures: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, msg := range failures {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orchestration_failures (idempotency_key, error, created_at)
			VALUES (?, ?, ?)`, key, msg, now,
		); err != nil {
			return fmt.Errorf("record failures: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record failures: commit: %w", err)
	}
	return nil
}

// ListOrchestrationFailures returns the most recent failures first.
func (s *Store) ListOrchestrationFailures(ctx context.Context, limit int) ([]OrchestrationFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.idempotency_key, r.source, r.event_id, r.kind, f.error, f.created_at
		FROM orchestration_failures f
		JOIN idempotency_records r ON r.idempotency_key = f.idempotency_key
		ORDER BY f.id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []OrchestrationFailure
	for rows.Next() {
		var f OrchestrationFailure
		var createdAt string
		if err := rows.Scan(&f.ID, &f.IdempotencyKey, &f.Source, &f.EventID, &f.Kind, &f.Error, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		f.CreatedAt = t
		results = append(results, f)
	}
	return results, rows.Err()
}
