package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the drive log in a local SQLite file, for running on the
// car without a database server. Times are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS drive_sessions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		speed_limit INTEGER NOT NULL,
		started_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS speed_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES drive_sessions(id) ON DELETE CASCADE,
		frame_index INTEGER NOT NULL,
		speed INTEGER NOT NULL,
		speed_limit INTEGER NOT NULL,
		hold_ms INTEGER NOT NULL DEFAULT 0,
		stopped INTEGER NOT NULL DEFAULT 0,
		objects TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS speed_commands_session_idx ON speed_commands (session_id, frame_index);
`

// NewSQLite opens (creating if needed) the SQLite file at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		// pragmas apply to every pooled connection
		dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; the driver loop is single threaded anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database file.
func (s *SQLiteStore) Close(context.Context) {
	s.db.Close()
}

// StartSession registers a new drive session.
func (s *SQLiteStore) StartSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drive_sessions (id, source, speed_limit, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Source, sess.SpeedLimit, sess.StartedAt.UnixNano())
	return err
}

// RecordCommand appends one speed command to its session.
func (s *SQLiteStore) RecordCommand(ctx context.Context, c Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speed_commands (session_id, frame_index, speed, speed_limit, hold_ms, stopped, objects, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.SessionID, c.FrameIndex, c.Speed, c.SpeedLimit, c.Hold.Milliseconds(), c.Stopped, c.Objects, c.RecordedAt.UnixNano())
	return err
}

// ListSessions returns every session, newest first, with its command count.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.source, s.speed_limit, s.started_at, COUNT(c.id)
		FROM drive_sessions s
		LEFT JOIN speed_commands c ON c.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startedNS int64
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.SpeedLimit, &startedNS, &sess.Commands); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, startedNS)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionCommands returns a session's commands in frame order.
func (s *SQLiteStore) SessionCommands(ctx context.Context, sessionID string) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, frame_index, speed, speed_limit, hold_ms, stopped, objects, recorded_at
		FROM speed_commands
		WHERE session_id = ?
		ORDER BY frame_index, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var c Command
		var holdMS, recordedNS int64
		if err := rows.Scan(&c.SessionID, &c.FrameIndex, &c.Speed, &c.SpeedLimit, &holdMS, &c.Stopped, &c.Objects, &recordedNS); err != nil {
			return nil, err
		}
		c.Hold = time.Duration(holdMS) * time.Millisecond
		c.RecordedAt = time.Unix(0, recordedNS)
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// Reset drops the drive log tables and recreates them empty.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS speed_commands;
		DROP TABLE IF EXISTS drive_sessions;
	`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}
