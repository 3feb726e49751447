package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Celdrick/mydocker/internal/safety"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps failures to open, reach or migrate the database.
	ErrUnavailable = errors.New("store unavailable")
)

// Store persists the mirror queue and push audit trail.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

// NormalizeDriver maps driver aliases onto DriverSQLite or DriverPostgres.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// New opens the database, verifies the connection and runs migrations.
func New(driver, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrUnavailable, err)
	}

	if driver == DriverSQLite {
		// One connection keeps ":memory:" databases shared and serializes
		// writers on file databases.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrUnavailable, err)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
			if _, err := db.Exec(pragma); err != nil {
				logger.Warn("failed to apply sqlite pragma", "pragma", pragma, "error", err)
			}
		}
	}

	s := &Store{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to run migrations: %w", ErrUnavailable, err)
	}

	logger.Debug("store initialized", "driver", driver, "dsn", safety.RedactDSN(dsn))
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Driver reports the normalized driver name.
func (s *Store) Driver() string { return s.driver }

// ============================================================================
// Pending queue
// ============================================================================

// InsertPending adds a pending entry unless one already exists for the
// triple. inserted reports whether this call created the row.
func (s *Store) InsertPending(ctx context.Context, sourceRegistry, namespace, imageName, platform string) (id int64, inserted bool, err error) {
	const query = `
		INSERT INTO pending_images (source_registry, namespace, image_name, platform, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_registry, namespace, image_name) DO NOTHING
		RETURNING id
	`

	err = s.db.QueryRowxContext(ctx, s.db.Rebind(query),
		sourceRegistry, namespace, imageName, platform, StatusPending, time.Now().UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert pending image: %w", err)
	}
	return id, true, nil
}

// ReactivatePending flips a done entry back to pending. It reports false when
// the entry is missing or already pending.
func (s *Store) ReactivatePending(ctx context.Context, sourceRegistry, namespace, imageName string) (bool, error) {
	const query = `
		UPDATE pending_images SET status = ?
		WHERE source_registry = ? AND namespace = ? AND image_name = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		StatusPending, sourceRegistry, namespace, imageName, StatusDone,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reactivate pending image: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FindPending looks up the entry for a triple.
func (s *Store) FindPending(ctx context.Context, sourceRegistry, namespace, imageName string) (*PendingEntry, error) {
	const query = `
		SELECT id, source_registry, namespace, image_name, platform, status, created_at
		FROM pending_images
		WHERE source_registry = ? AND namespace = ? AND image_name = ?
	`

	entry := &PendingEntry{}
	err := s.db.GetContext(ctx, entry, s.db.Rebind(query), sourceRegistry, namespace, imageName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending image %s/%s/%s: %w", sourceRegistry, namespace, imageName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query pending image: %w", err)
	}
	return entry, nil
}

// MarkPendingDone flags an entry as mirrored. Entries only return to
// pending through ReactivatePending.
func (s *Store) MarkPendingDone(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE pending_images SET status = ? WHERE id = ?"), StatusDone, id)
	if err != nil {
		return fmt.Errorf("failed to mark pending image done: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pending image %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListPending returns all entries still waiting to be mirrored, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]PendingEntry, error) {
	return s.ListPendingByStatus(ctx, StatusPending, 0)
}

// ListPendingByStatus lists queue entries, optionally filtered by status.
func (s *Store) ListPendingByStatus(ctx context.Context, status string, limit int) ([]PendingEntry, error) {
	query := `
		SELECT id, source_registry, namespace, image_name, platform, status, created_at
		FROM pending_images
	`
	var args []interface{}

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	query += " ORDER BY id ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var entries []PendingEntry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query pending images: %w", err)
	}
	return entries, nil
}

// CountPending returns the number of pending and done queue entries.
func (s *Store) CountPending(ctx context.Context) (pending, done int, err error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT status, COUNT(*) FROM pending_images GROUP BY status")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan pending count: %w", err)
		}
		switch status {
		case StatusPending:
			pending = n
		case StatusDone:
			done = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating pending counts: %w", err)
	}
	return pending, done, nil
}

// ============================================================================
// Pushed images
// ============================================================================

// ExistsPushed reports whether imageName was already mirrored to targetRegistry.
func (s *Store) ExistsPushed(ctx context.Context, imageName, targetRegistry string) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM pushed_images WHERE orig_image_name = ? AND target_registry = ?
		)
	`

	var exists bool
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(query), imageName, targetRegistry).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query pushed image: %w", err)
	}
	return exists, nil
}

// ExistsPushedSource reports whether the source triple was mirrored to any target.
func (s *Store) ExistsPushedSource(ctx context.Context, sourceRegistry, namespace, imageName string) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM pushed_images
			WHERE source_registry = ? AND orig_namespace = ? AND orig_image_name = ?
		)
	`

	var exists bool
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(query), sourceRegistry, namespace, imageName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query pushed source: %w", err)
	}
	return exists, nil
}

// InsertPushed records a completed mirror. An existing row for the same
// target and destination reference wins; inserted reports whether rec was
// written, and rec.ID is set when it was.
func (s *Store) InsertPushed(ctx context.Context, rec *PushedRecord) (bool, error) {
	const query = `
		INSERT INTO pushed_images (
			source_registry, target_registry, orig_namespace, orig_image_name,
			target_namespace, registry_image_name, image_size_mb, digest, platform, pushed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_registry, registry_image_name) DO NOTHING
		RETURNING id
	`

	if rec.PushedAt.IsZero() {
		rec.PushedAt = time.Now().UTC()
	}
	if rec.Digest == "" {
		rec.Digest = DigestUnknown
	}

	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(query),
		rec.SourceRegistry, rec.TargetRegistry, rec.OrigNamespace, rec.OrigImageName,
		rec.TargetNamespace, rec.RegistryImageName, rec.ImageSizeMB, rec.Digest, rec.Platform, rec.PushedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert pushed image: %w", err)
	}
	rec.ID = id
	return true, nil
}

// ListPushed returns pushed records, newest first, optionally for one target.
func (s *Store) ListPushed(ctx context.Context, targetRegistry string, limit int) ([]PushedRecord, error) {
	query := `
		SELECT id, source_registry, target_registry, orig_namespace, orig_image_name,
		       target_namespace, registry_image_name, image_size_mb, digest, platform, pushed_at
		FROM pushed_images
	`
	var args []interface{}

	if targetRegistry != "" {
		query += " WHERE target_registry = ?"
		args = append(args, targetRegistry)
	}

	query += " ORDER BY pushed_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var records []PushedRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query pushed images: %w", err)
	}
	return records, nil
}

// ============================================================================
// SyncRun Operations
// ============================================================================

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			target, start_time, end_time, entries_total, pushed, skipped, failed, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(query),
		run.Target, run.StartTime, run.EndTime, run.EntriesTotal,
		run.Pushed, run.Skipped, run.Failed, run.Status, run.ErrorMessage,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(ctx context.Context, run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			target = ?, start_time = ?, end_time = ?, entries_total = ?,
			pushed = ?, skipped = ?, failed = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		run.Target, run.StartTime, run.EndTime, run.EntriesTotal,
		run.Pushed, run.Skipped, run.Failed, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// ListSyncRuns retrieves SyncRuns, newest first, optionally filtered by target
func (s *Store) ListSyncRuns(ctx context.Context, target string, limit int) ([]SyncRun, error) {
	query := `
		SELECT id, target, start_time, end_time, entries_total, pushed, skipped, failed, status, error_message
		FROM sync_runs
	`
	var args []interface{}

	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var runs []SyncRun
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	return runs, nil
}
