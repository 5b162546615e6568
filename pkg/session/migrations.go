package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema change, adapted from the teacher's
// pkg/session/migrations.go Migration type. UpFunc is reserved for
// migrations that need to reshape data in Go rather than pure SQL; none of
// the current migrations need it, but the hook is kept because the teacher
// carries one (its own 015_migrate_messages_to_session_items uses it).
type Migration struct {
	ID          int
	Name        string
	Description string
	UpSQL       string
	UpFunc      func(ctx context.Context, db *sql.DB) error
}

// MigrationManager tracks and applies pending migrations against the
// sessions schema, recording each in a migrations bookkeeping table so
// re-opening an older database tolerates additive column evolution
// (spec.md §4.1).
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager wraps db for migration bookkeeping.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// InitializeMigrations creates the base schema and migrations table, then
// applies every migration not yet recorded as applied.
func (m *MigrationManager) InitializeMigrations(ctx context.Context) error {
	if err := m.createBaseSchema(ctx); err != nil {
		return fmt.Errorf("creating base schema: %w", err)
	}
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return m.RunPendingMigrations(ctx)
}

func (m *MigrationManager) createBaseSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fid TEXT NOT NULL UNIQUE,
			updated_at INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			model_name TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT 'just-ask',
			total_messages INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			duration_seconds INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
	`)
	return err
}

func (m *MigrationManager) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`)
	return err
}

// RunPendingMigrations applies every migration from getAllMigrations not
// already recorded in the migrations table, in id order, each inside its
// own transaction.
func (m *MigrationManager) RunPendingMigrations(ctx context.Context) error {
	for _, migration := range getAllMigrations() {
		applied, err := m.isMigrationApplied(ctx, migration.ID)
		if err != nil {
			return fmt.Errorf("checking migration %d: %w", migration.ID, err)
		}
		if applied {
			continue
		}
		if err := m.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", migration.ID, migration.Name, err)
		}
	}
	return nil
}

func (m *MigrationManager) isMigrationApplied(ctx context.Context, id int) (bool, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, "SELECT 1 FROM migrations WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MigrationManager) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	if migration.UpSQL != "" {
		if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
			return fmt.Errorf("executing migration sql: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO migrations (id, name, description, applied_at) VALUES (?, ?, ?, ?)",
		migration.ID, migration.Name, migration.Description, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration transaction: %w", err)
	}

	if migration.UpFunc != nil {
		if err := migration.UpFunc(ctx, m.db); err != nil {
			return fmt.Errorf("executing migration function: %w", err)
		}
	}

	return nil
}

// GetAppliedMigrations returns every applied migration in id order.
func (m *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT id, name, description FROM migrations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var migration Migration
		if err := rows.Scan(&migration.ID, &migration.Name, &migration.Description); err != nil {
			return nil, err
		}
		migrations = append(migrations, migration)
	}
	return migrations, rows.Err()
}

// getAllMigrations returns the full migration history for the sessions
// table beyond the base schema created in createBaseSchema. It starts
// empty: the base schema already carries every column spec.md §3 names, so
// the first real entry here will be the first additive change made after
// this implementation ships.
func getAllMigrations() []Migration {
	return []Migration{}
}
