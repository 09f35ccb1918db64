package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Session is one run of the driver loop.
type Session struct {
	ID         string
	Source     string
	SpeedLimit int
	StartedAt  time.Time
	// Commands is filled in by ListSessions.
	Commands int
}

// Command is one speed command sent to the car.
type Command struct {
	SessionID  string
	FrameIndex int
	Speed      int
	SpeedLimit int
	Hold       time.Duration
	Stopped    bool
	// Objects is a short human readable trace of the frame's detections.
	Objects    string
	RecordedAt time.Time
}

// DriveLog is implemented by every storage backend.
type DriveLog interface {
	StartSession(ctx context.Context, s Session) error
	RecordCommand(ctx context.Context, c Command) error
	ListSessions(ctx context.Context) ([]Session, error)
	SessionCommands(ctx context.Context, sessionID string) ([]Command, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open picks the backend from the URL: postgres:// and postgresql:// use
// PostgreSQL, sqlite://path or a path ending in .db use a local SQLite file.
func Open(ctx context.Context, url string) (DriveLog, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return New(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasSuffix(url, ".db"):
		return NewSQLite(ctx, url)
	}
	return nil, fmt.Errorf("unsupported database URL %q: expected postgres://, sqlite:// or a .db file", url)
}
