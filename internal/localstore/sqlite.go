package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	apperrors "github.com/pokebrowser/core/internal/errors"
)

// SQLite is a durable Store backed by a single-file SQLite database.
// Blobs live in one kv_blobs table keyed by name.
type SQLite struct {
	db       *sql.DB
	getStmt  *sql.Stmt
	setStmt  *sql.Stmt
	mu       sync.RWMutex
	watchers []ChangeFunc
}

// OpenSQLite opens (or creates) the local blob store under dataDir.
// The database is opened with WAL mode and a single writer, which is all
// SQLite supports anyway.
func OpenSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "pokebrowser.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open local store", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to enable WAL mode", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_blobs (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to init schema", err)
	}

	getStmt, err := db.Prepare(`SELECT value FROM kv_blobs WHERE key = ?`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	setStmt, err := db.Prepare(`
		INSERT INTO kv_blobs (key, value, updated_at)
		VALUES (?, ?, unixepoch())
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		_ = getStmt.Close()
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db, getStmt: getStmt, setStmt: setStmt}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s.getStmt != nil {
		_ = s.getStmt.Close()
	}
	if s.setStmt != nil {
		_ = s.setStmt.Close()
	}
	return s.db.Close()
}

// Get returns the blobs for the requested keys.
func (s *SQLite) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var value []byte
		err := s.getStmt.QueryRowContext(ctx, key).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("failed to read blob %q", key), err)
		}
		result[key] = json.RawMessage(value)
	}
	return result, nil
}

// Set writes all given blobs in one transaction and notifies watchers.
func (s *SQLite) Set(ctx context.Context, blobs map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin write", err)
	}

	changed := make([]string, 0, len(blobs))
	for key, raw := range blobs {
		if _, err := tx.StmtContext(ctx, s.setStmt).ExecContext(ctx, key, []byte(raw)); err != nil {
			_ = tx.Rollback()
			return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("failed to write blob %q", key), err)
		}
		changed = append(changed, key)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit write", err)
	}

	s.mu.RLock()
	watchers := make([]ChangeFunc, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.RUnlock()

	for _, fn := range watchers {
		fn(changed, Namespace)
	}
	return nil
}

// Watch registers a change callback.
func (s *SQLite) Watch(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}
