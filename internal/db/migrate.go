// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migration pairs a version with the SQL that realizes it. Migrations are
// compiled in so a binary can always bring its store up to date offline.
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		sql: `
	CREATE TABLE rolls (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		film_type TEXT NOT NULL,
		capacity INTEGER NOT NULL CHECK(capacity > 0),
		shots_used INTEGER NOT NULL DEFAULT 0 CHECK(shots_used >= 0 AND shots_used <= capacity),
		completed_at INTEGER,
		developed_at INTEGER,
		title TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '',
		aspect_ratio TEXT NOT NULL DEFAULT '3:4',
		print_ordered INTEGER NOT NULL DEFAULT 0,
		unlock_code TEXT,
		unlocked INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'local_only'
			CHECK(sync_status IN ('local_only', 'syncing', 'synced')),
		quarantined INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX idx_rolls_user ON rolls(user_id);
	CREATE UNIQUE INDEX idx_rolls_user_title ON rolls(user_id, title) WHERE title IS NOT NULL;

	CREATE TABLE photos (
		id TEXT PRIMARY KEY,
		roll_id TEXT NOT NULL REFERENCES rolls(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_url TEXT,
		thumbnail_url TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_photos_roll ON photos(roll_id);

	CREATE TABLE pending_operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX idx_pending_user_status ON pending_operations(user_id, status);

	CREATE TABLE profile_cache (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		credits INTEGER NOT NULL DEFAULT 0 CHECK(credits >= 0),
		updated_at INTEGER NOT NULL
	);`,
	},
	{
		version:     2,
		description: "one active roll per user",
		sql: `
	CREATE UNIQUE INDEX idx_rolls_active ON rolls(user_id) WHERE completed_at IS NULL;`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in order. Each migration runs inside
// its own transaction together with its ledger row.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration)
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, mig := range migrations {
		checksum := checksumSQL(mig.sql)

		if prev, ok := appliedByVersion[mig.version]; ok {
			if prev.Checksum != checksum {
				return fmt.Errorf("migration %d checksum mismatch: applied %s, compiled %s",
					mig.version, prev.Checksum, checksum)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.version, err)
		}

		if _, err := tx.Exec(mig.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.version, mig.description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.version, time.Now().Unix(), mig.description, checksum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.version, err)
		}
	}

	return nil
}

// checksumSQL computes the SHA-256 hex digest of a migration body.
func checksumSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// Migrate opens the migration ledger and applies anything pending.
// Convenience wrapper used by Open callers and tests.
func Migrate(db *sql.DB) error {
	m := NewMigrator(db)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m.Up()
}
