package store

import (
	"fmt"
)

type migration struct {
	version  int
	sqlite   string
	postgres string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: `
			CREATE TABLE pending_images (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source_registry TEXT NOT NULL DEFAULT 'docker.io',
				namespace TEXT NOT NULL DEFAULT '',
				image_name TEXT NOT NULL,
				platform TEXT NOT NULL DEFAULT 'linux/amd64',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at DATETIME NOT NULL,
				UNIQUE(source_registry, namespace, image_name)
			);
			CREATE INDEX idx_pending_images_status ON pending_images(status);

			CREATE TABLE pushed_images (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source_registry TEXT NOT NULL DEFAULT 'docker.io',
				target_registry TEXT NOT NULL,
				orig_namespace TEXT NOT NULL DEFAULT '',
				orig_image_name TEXT NOT NULL,
				target_namespace TEXT NOT NULL DEFAULT '',
				registry_image_name TEXT NOT NULL,
				image_size_mb REAL NOT NULL DEFAULT 0,
				digest TEXT NOT NULL DEFAULT 'unknown',
				platform TEXT NOT NULL DEFAULT 'linux/amd64',
				pushed_at DATETIME NOT NULL,
				UNIQUE(target_registry, registry_image_name)
			);
			CREATE INDEX idx_pushed_images_orig ON pushed_images(orig_image_name);
		`,
		postgres: `
			CREATE TABLE pending_images (
				id BIGSERIAL PRIMARY KEY,
				source_registry TEXT NOT NULL DEFAULT 'docker.io',
				namespace TEXT NOT NULL DEFAULT '',
				image_name TEXT NOT NULL,
				platform TEXT NOT NULL DEFAULT 'linux/amd64',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMPTZ NOT NULL,
				UNIQUE(source_registry, namespace, image_name)
			);
			CREATE INDEX idx_pending_images_status ON pending_images(status);

			CREATE TABLE pushed_images (
				id BIGSERIAL PRIMARY KEY,
				source_registry TEXT NOT NULL DEFAULT 'docker.io',
				target_registry TEXT NOT NULL,
				orig_namespace TEXT NOT NULL DEFAULT '',
				orig_image_name TEXT NOT NULL,
				target_namespace TEXT NOT NULL DEFAULT '',
				registry_image_name TEXT NOT NULL,
				image_size_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
				digest TEXT NOT NULL DEFAULT 'unknown',
				platform TEXT NOT NULL DEFAULT 'linux/amd64',
				pushed_at TIMESTAMPTZ NOT NULL,
				UNIQUE(target_registry, registry_image_name)
			);
			CREATE INDEX idx_pushed_images_orig ON pushed_images(orig_image_name);
		`,
	},
	{
		version: 2,
		sqlite: `
			CREATE TABLE sync_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				target TEXT NOT NULL,
				start_time DATETIME NOT NULL,
				end_time DATETIME NOT NULL,
				entries_total INTEGER NOT NULL DEFAULT 0,
				pushed INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'running',
				error_message TEXT NOT NULL DEFAULT ''
			);
		`,
		postgres: `
			CREATE TABLE sync_runs (
				id BIGSERIAL PRIMARY KEY,
				target TEXT NOT NULL,
				start_time TIMESTAMPTZ NOT NULL,
				end_time TIMESTAMPTZ NOT NULL,
				entries_total INTEGER NOT NULL DEFAULT 0,
				pushed INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'running',
				error_message TEXT NOT NULL DEFAULT ''
			);
		`,
	},
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion, "driver", s.driver)

	for _, mig := range migrations {
		if mig.version <= currentVersion {
			continue
		}
		s.logger.Info("running migration", "version", mig.version)

		stmt := mig.sqlite
		if s.driver == DriverPostgres {
			stmt = mig.postgres
		}
		if err := s.runMigration(mig.version, stmt); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, stmt string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(s.db.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
