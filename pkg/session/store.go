package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/reza/kapten/internal/observability"
)

// ErrNotFound is returned when a session ID has no record.
var ErrNotFound = errors.New("session not found")

// Store keeps session records in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the session database at dbPath.
func NewStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode so reads from the gateway don't contend with runner writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Session store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			engine_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			cwd TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new session record. Missing ID and timestamps are
// filled in.
func (s *Store) Create(sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.Status == "" {
		sess.Status = "idle"
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, engine_session_id, status, cwd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.EngineSessionID, sess.Status, sess.Cwd,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info().Str("session_id", sess.ID).Str("cwd", sess.Cwd).Msg("Session created")
	return sess, nil
}

// Get returns the session with the given ID.
func (s *Store) Get(id string) (Session, error) {
	row := s.db.QueryRow(`
		SELECT id, title, engine_session_id, status, cwd, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, title, engine_session_id, status, cwd, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateRun records the runner's view of a session: its engine session ID
// once known, and its current status. An empty engineSessionID leaves the
// stored one untouched so an abort cannot erase the resume marker.
func (s *Store) UpdateRun(id, engineSessionID, status string) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET engine_session_id = CASE WHEN ? = '' THEN engine_session_id ELSE ? END,
		    status = ?,
		    updated_at = ?
		WHERE id = ?`,
		engineSessionID, engineSessionID, status, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res, id)
}

// SetTitle renames a session.
func (s *Store) SetTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return requireRow(res, id)
}

// Delete removes a session record.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.Title, &sess.EngineSessionID, &sess.Status, &sess.Cwd, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return sess, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
