package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"peharvest/internal/config"
	"peharvest/internal/peheader"
	"peharvest/internal/services"
)

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const recordColumns = "remote_id, size, file_type, architecture, imports, exports, created_at"

// Store manages artifact metadata persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the metadata database under the data directory.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "metadata", "open", "config is nil", nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.DatabasePath())
}

// OpenPath opens the database file at dbPath, creating the schema when needed.
func OpenPath(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	// busy_timeout is per connection, so it rides on the DSN for every pooled conn.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable and initialized.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return &StoreError{Op: "ping", Err: services.Wrap(services.ErrUnavailable, "metadata", "ping", "store not open", nil)}
	}
	err := retryOnBusy(ctx, func() error {
		var version int
		return s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	})
	if err != nil {
		return &StoreError{Op: "ping", Err: services.Wrap(services.ErrUnavailable, "metadata", "ping", s.path, err)}
	}
	return nil
}

// Exists reports whether a record for remoteID has been stored.
func (s *Store) Exists(ctx context.Context, remoteID string) (bool, error) {
	var found int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT 1 FROM artifacts WHERE remote_id = ?", remoteID).Scan(&found)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StoreError{Op: "exists", RemoteID: remoteID, Err: err}
	}
	return true, nil
}

// Insert stores rec. An existing record for the same remote identifier is
// left untouched and the call fails with an error matching ErrDuplicate.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return &StoreError{Op: "insert", RemoteID: rec.RemoteID, Err: services.Wrap(services.ErrConfiguration, "metadata", "insert", "invalid record", err)}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO artifacts (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.RemoteID,
			rec.Size,
			string(fileTypeOrUnknown(rec.FileType)),
			string(architectureOrUnknown(rec.Architecture)),
			rec.Imports,
			rec.Exports,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		return execErr
	})
	switch {
	case err == nil:
		return nil
	case isConstraintViolation(err):
		return &StoreError{Op: "insert", RemoteID: rec.RemoteID, Err: ErrDuplicate}
	default:
		return &StoreError{Op: "insert", RemoteID: rec.RemoteID, Err: err}
	}
}

// Get returns the record for remoteID, or nil when none exists.
func (s *Store) Get(ctx context.Context, remoteID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM artifacts WHERE remote_id = ?`, remoteID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get", RemoteID: remoteID, Err: err}
	}
	return rec, nil
}

// ListOptions filters List results. Zero values match everything.
type ListOptions struct {
	FileType     peheader.FileType
	Architecture peheader.Architecture
	Prefix       string
	Limit        int
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if opts.FileType != "" {
		clauses = append(clauses, "file_type = ?")
		args = append(args, string(opts.FileType))
	}
	if opts.Architecture != "" {
		clauses = append(clauses, "architecture = ?")
		args = append(args, string(opts.Architecture))
	}
	if opts.Prefix != "" {
		clauses = append(clauses, "substr(remote_id, 1, ?) = ?")
		args = append(args, len(opts.Prefix), opts.Prefix)
	}

	query := `SELECT ` + recordColumns + ` FROM artifacts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, remote_id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM artifacts").Scan(&count); err != nil {
		return 0, &StoreError{Op: "count", Err: err}
	}
	return count, nil
}

// Stats summarizes stored records by file type and architecture.
type Stats struct {
	Total          int
	ByFileType     map[peheader.FileType]int
	ByArchitecture map[peheader.Architecture]int
}

// Stats aggregates record counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByFileType:     map[peheader.FileType]int{},
		ByArchitecture: map[peheader.Architecture]int{},
	}
	rows, err := s.db.QueryContext(ctx, "SELECT file_type, architecture, COUNT(1) FROM artifacts GROUP BY file_type, architecture")
	if err != nil {
		return stats, &StoreError{Op: "stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			fileType string
			arch     string
			count    int
		)
		if err := rows.Scan(&fileType, &arch, &count); err != nil {
			return stats, &StoreError{Op: "stats", Err: err}
		}
		stats.Total += count
		stats.ByFileType[peheader.FileType(fileType)] += count
		stats.ByArchitecture[peheader.Architecture(arch)] += count
	}
	if err := rows.Err(); err != nil {
		return stats, &StoreError{Op: "stats", Err: err}
	}
	return stats, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec        Record
		fileType   string
		arch       string
		createdRaw string
	)
	if err := scanner.Scan(&rec.RemoteID, &rec.Size, &fileType, &arch, &rec.Imports, &rec.Exports, &createdRaw); err != nil {
		return nil, err
	}
	rec.FileType = peheader.FileType(fileType)
	rec.Architecture = peheader.Architecture(arch)
	if ts, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		rec.CreatedAt = ts
	}
	return &rec, nil
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
