// Package store is the persistence collaborator behind message delivery:
// users, threads, participants and messages.
//
// Drivers:
//   - "memory": process-local maps (default, used by tests)
//   - "sqlite": SQLite database file via modernc.org/sqlite
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/events"
)

var (
	// ErrNotFound is returned for unknown tokens, users or threads.
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is a seeded account. Token issuance is outside this system; tokens
// are provisioned alongside the user.
type User struct {
	ID       string
	Username string
	Token    string
}

// Store is the persistence API consumed by the gate, the message service and
// the HTTP surface.
type Store interface {
	// CreateMessage persists a message. When clientID is non-empty and the
	// sender already created a message with it in the same thread, the
	// existing message is returned with created=false.
	CreateMessage(ctx context.Context, threadID, senderID, content, clientID string) (ev events.MessageEvent, created bool, err error)
	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)
	ListParticipantThreadIDs(ctx context.Context, userID string) (map[string]struct{}, error)
	TouchThreadUpdatedAt(ctx context.Context, threadID string) error
	UserByToken(ctx context.Context, token string) (events.Identity, error)

	PutUser(ctx context.Context, u User) error
	PutThread(ctx context.Context, threadID string) error
	AddParticipant(ctx context.Context, threadID, userID string) error

	Close() error
}

// Open initializes the configured driver.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
