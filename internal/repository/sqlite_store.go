package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dbconsole-agent/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	version     INTEGER NOT NULL,
	state       TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	turn       TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);`

// SQLiteStore is the session store used by the local CLI. It follows the
// same versioning rules as DynamoStore.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path in WAL mode and
// applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite %s: %w", path, err)
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("repository: %s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess domain.Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("repository: CreateSession: session id is required")
	}
	state, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("repository: CreateSession: marshal state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_id, version, state, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.WorkflowID, sess.Version, string(state), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository: CreateSession %q: %w", sess.ID, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var (
		sess      domain.Session
		state     string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, state, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.WorkflowID, &sess.Version, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("repository: GetSession %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: decode state: %w", err)
	}
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sess, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session, newTurns []domain.Turn) (err error) {
	state, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("repository: SaveSession: marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: SaveSession: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET workflow_id = ?, version = ?, state = ?, updated_at = ? WHERE id = ? AND version = ?`,
		sess.WorkflowID, sess.Version, string(state), formatTime(sess.UpdatedAt), sess.ID, sess.Version-1)
	if err != nil {
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if qerr := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); errors.Is(qerr, sql.ErrNoRows) {
			return fmt.Errorf("repository: SaveSession %q: %w", sess.ID, ErrNotFound)
		}
		return fmt.Errorf("repository: SaveSession %q: %w", sess.ID, ErrConflict)
	}

	base := sess.State.TurnOffset + len(sess.State.Turns) - len(newTurns)
	for i, t := range newTurns {
		body, merr := json.Marshal(t)
		if merr != nil {
			err = fmt.Errorf("repository: SaveSession: marshal turn: %w", merr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, role, turn) VALUES (?, ?, ?, ?)`,
			sess.ID, base+i, string(t.Role), string(body)); err != nil {
			return fmt.Errorf("repository: SaveSession: insert turn: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("repository: SaveSession: commit: %w", err)
	}
	return nil
}

// ListTurns returns the newest limit turns in chronological order; limit <= 0
// returns all of them.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := []domain.Turn{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("repository: ListTurns scan: %w", err)
		}
		var t domain.Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("repository: ListTurns decode: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
