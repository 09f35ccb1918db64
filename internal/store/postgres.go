package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store keeps the drive log in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the drive log tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS drive_sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			speed_limit INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS speed_commands (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES drive_sessions(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			speed INT NOT NULL,
			speed_limit INT NOT NULL,
			hold_ms BIGINT NOT NULL DEFAULT 0,
			stopped BOOLEAN NOT NULL DEFAULT FALSE,
			objects TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS speed_commands_session_idx ON speed_commands (session_id, frame_index);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// StartSession registers a new drive session.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO drive_sessions (id, source, speed_limit, started_at)
		VALUES ($1, $2, $3, $4)
	`, sess.ID, sess.Source, sess.SpeedLimit, sess.StartedAt)
	return err
}

// RecordCommand appends one speed command to its session.
func (s *Store) RecordCommand(ctx context.Context, c Command) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO speed_commands (session_id, frame_index, speed, speed_limit, hold_ms, stopped, objects, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.SessionID, c.FrameIndex, c.Speed, c.SpeedLimit, c.Hold.Milliseconds(), c.Stopped, c.Objects, c.RecordedAt)
	return err
}

// ListSessions returns every session, newest first, with its command count.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.Query(ctx, `
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
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.SpeedLimit, &sess.StartedAt, &sess.Commands); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionCommands returns a session's commands in frame order.
func (s *Store) SessionCommands(ctx context.Context, sessionID string) ([]Command, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT session_id, frame_index, speed, speed_limit, hold_ms, stopped, objects, recorded_at
		FROM speed_commands
		WHERE session_id = $1
		ORDER BY frame_index, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var c Command
		var holdMS int64
		if err := rows.Scan(&c.SessionID, &c.FrameIndex, &c.Speed, &c.SpeedLimit, &holdMS, &c.Stopped, &c.Objects, &c.RecordedAt); err != nil {
			return nil, err
		}
		c.Hold = time.Duration(holdMS) * time.Millisecond
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// Reset drops all application tables and recreates them empty.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS speed_commands CASCADE;
		DROP TABLE IF EXISTS drive_sessions CASCADE;
	`); err != nil {
		return err
	}
	return initSchema(ctx, s.conn)
}
