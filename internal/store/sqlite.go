// Package store persists the session map in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/session"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// schemaVersion is bumped whenever the sessions table changes shape. Older
// tables are dropped on open.
const schemaVersion = 1

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps one JSON row per session.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	// The daemon writes while doctor or a second reader may have it open.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return err
	}

	var current int
	if err := db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&current); err != nil {
		current = 0
	}
	if current != 0 && current < schemaVersion {
		log.Info().
			Int("old_version", current).
			Int("new_version", schemaVersion).
			Msg("schema version changed, dropping stored sessions")
		if _, err := db.Exec("DROP TABLE IF EXISTS sessions"); err != nil {
			return err
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	_, err := db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)", schemaVersion)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load returns every stored session, oldest first. Rows that fail to decode
// are skipped.
func (s *SQLiteStore) Load(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("skipping unreadable stored session")
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Save replaces the stored map with sessions in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, sessions []*session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (id, kind, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sess := range sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", sess.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			sess.ID,
			string(sess.Kind),
			string(sess.Status),
			string(data),
			sess.CreatedAt.UTC().Format(timeLayout),
			sess.UpdatedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debug().Int("count", len(sessions)).Msg("sessions saved")
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ ports.Store = (*SQLiteStore)(nil)
