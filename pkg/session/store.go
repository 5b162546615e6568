package session

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker-agent/pkg/sqliteutil"
)

// Store is the relational index of sessions (spec.md §4.1). Every mutation
// must be durable such that a crash loses at most one in-flight write;
// failures surface as a StoreError and must never crash the session loop.
type Store interface {
	Insert(ctx context.Context, metadata Metadata) (int64, error)
	UpdateByID(ctx context.Context, metadata Metadata) error
	SelectAllOrderedByUpdatedAtDesc(ctx context.Context) iter.Seq2[Metadata, error]
	DeleteByID(ctx context.Context, id int64) error
	Close() error
}

// SQLiteStore is the default Store, backed by modernc.org/sqlite through
// sqliteutil.OpenDB (WAL, busy_timeout, single writer connection), adapted
// from the teacher's pkg/session.SQLiteSessionStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the sessions database at path
// and brings its schema up to date via MigrationManager.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, newStoreError("open", err)
	}

	mgr := NewMigrationManager(db)
	if err := mgr.InitializeMigrations(context.Background()); err != nil {
		db.Close()
		if backupErr := backupDatabase(path); backupErr != nil {
			slog.Error("failed to back up database after migration failure", "path", path, "error", backupErr)
		}
		return nil, newStoreError("migrate", err)
	}

	return &SQLiteStore{db: db}, nil
}

// backupDatabase renames the primary file plus its WAL/SHM siblings aside
// so a corrupt database does not block startup on the next attempt,
// adapted from the teacher's pkg/session.backupDatabase.
func backupDatabase(path string) error {
	suffix := time.Now().UTC().Format("20060102-150405")
	for _, ext := range []string{"", "-wal", "-shm"} {
		src := path + ext
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := fmt.Sprintf("%s%s.corrupt-%s", path, ext, suffix)
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// Insert allocates a new id for metadata and writes the row.
func (s *SQLiteStore) Insert(ctx context.Context, metadata Metadata) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (fid, updated_at, title, model_name, agent_name, total_messages, total_tokens, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, metadata.Fid, metadata.UpdatedAt, metadata.Title, metadata.ModelName, metadata.AgentName,
		metadata.TotalMessages, metadata.TotalTokens, metadata.DurationSeconds)
	if err != nil {
		return 0, newStoreError("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, newStoreError("insert", err)
	}
	return id, nil
}

// UpdateByID whole-row replaces the metadata for metadata.ID.
func (s *SQLiteStore) UpdateByID(ctx context.Context, metadata Metadata) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET fid = ?, updated_at = ?, title = ?, model_name = ?, agent_name = ?,
		    total_messages = ?, total_tokens = ?, duration_seconds = ?
		WHERE id = ?
	`, metadata.Fid, metadata.UpdatedAt, metadata.Title, metadata.ModelName, metadata.AgentName,
		metadata.TotalMessages, metadata.TotalTokens, metadata.DurationSeconds, metadata.ID)
	if err != nil {
		return newStoreError("update", err)
	}
	return nil
}

// SelectAllOrderedByUpdatedAtDesc is used at startup to populate
// placeholders, most-recently-updated first.
func (s *SQLiteStore) SelectAllOrderedByUpdatedAtDesc(ctx context.Context) iter.Seq2[Metadata, error] {
	return func(yield func(Metadata, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, fid, updated_at, title, model_name, agent_name, total_messages, total_tokens, duration_seconds
			FROM sessions
			ORDER BY updated_at DESC
		`)
		if err != nil {
			yield(Metadata{}, newStoreError("select_all", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var m Metadata
			if err := rows.Scan(&m.ID, &m.Fid, &m.UpdatedAt, &m.Title, &m.ModelName, &m.AgentName,
				&m.TotalMessages, &m.TotalTokens, &m.DurationSeconds); err != nil {
				if !yield(Metadata{}, newStoreError("select_all", err)) {
					return
				}
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Metadata{}, newStoreError("select_all", err))
		}
	}
}

// DeleteByID removes the row for id, if present.
func (s *SQLiteStore) DeleteByID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return newStoreError("delete", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FidPath returns the document path for fid relative to a history root,
// following the YYYY/MM/DD/HH-MM-SS.json layout (spec.md §3, §6). fid is
// expected to be of the form YYYY-MM-DD-HH-MM-SS.
func FidPath(root, fid string) (string, error) {
	t, err := ParseFid(fid)
	if err != nil {
		return "", err
	}
	return filepath.Join(root,
		t.Format("2006"), t.Format("01"), t.Format("02"),
		t.Format("15-04-05")+".json"), nil
}

// NewFid generates a new fid for the current time, of the form
// YYYY-MM-DD-HH-MM-SS (spec.md §3).
func NewFid(now time.Time) string {
	return now.UTC().Format("2006-01-02-15-04-05")
}

// ParseFid parses a fid of the form YYYY-MM-DD-HH-MM-SS back into a time.
func ParseFid(fid string) (time.Time, error) {
	t, err := time.Parse("2006-01-02-15-04-05", fid)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing fid %q: %w", fid, err)
	}
	return t, nil
}
