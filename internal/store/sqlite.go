package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"

	"github.com/Tyrowin/gochat-live/internal/events"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the
	// read-then-insert in CreateMessage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info().Str("path", path).Msg("SQLite store opened")
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectMessage = `SELECT m.id, m.content, m.created_at, m.thread_id, u.id, u.username, COALESCE(m.client_id, '')
	FROM messages m JOIN users u ON u.id = m.sender_id`

func scanMessage(row *sql.Row) (events.MessageEvent, error) {
	var ev events.MessageEvent
	var created string
	if err := row.Scan(&ev.ID, &ev.Content, &created, &ev.ThreadID, &ev.Sender.ID, &ev.Sender.Username, &ev.ClientID); err != nil {
		return events.MessageEvent{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return events.MessageEvent{}, fmt.Errorf("message %s: bad created_at %q: %w", ev.ID, created, err)
	}
	ev.CreatedAt = t
	return ev, nil
}

func (s *sqliteStore) CreateMessage(ctx context.Context, threadID, senderID, content, clientID string) (events.MessageEvent, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.MessageEvent{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if clientID != "" {
		ev, err := scanMessage(tx.QueryRowContext(ctx,
			selectMessage+` WHERE m.sender_id = ? AND m.thread_id = ? AND m.client_id = ?`, senderID, threadID, clientID))
		if err == nil {
			return ev, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return events.MessageEvent{}, false, err
		}
	}

	var username string
	err = tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, senderID).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return events.MessageEvent{}, false, fmt.Errorf("user %q: %w", senderID, ErrNotFound)
	}
	if err != nil {
		return events.MessageEvent{}, false, err
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return events.MessageEvent{}, false, fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return events.MessageEvent{}, false, err
	}

	ev := events.MessageEvent{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
		ThreadID:  threadID,
		Sender:    events.Sender{ID: senderID, Username: username},
		ClientID:  clientID,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages(id, thread_id, sender_id, content, client_id, created_at) VALUES(?,?,?,?,?,?)`,
		ev.ID, ev.ThreadID, senderID, ev.Content, nullStr(clientID), ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return events.MessageEvent{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return events.MessageEvent{}, false, err
	}
	return ev, true, nil
}

func (s *sqliteStore) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE thread_id = ? AND user_id = ?`, threadID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ListParticipantThreadIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM participants WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) TouchThreadUpdatedAt(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), threadID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) UserByToken(ctx context.Context, token string) (events.Identity, error) {
	if token == "" {
		return events.Identity{}, ErrNotFound
	}
	var id events.Identity
	err := s.db.QueryRowContext(ctx, `SELECT id, username FROM users WHERE token = ?`, token).Scan(&id.UserID, &id.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Identity{}, ErrNotFound
	}
	return id, err
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, token) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, token = excluded.token`,
		u.ID, u.Username, nullStr(u.Token))
	return err
}

func (s *sqliteStore) PutThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads(id, updated_at) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
		threadID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) AddParticipant(ctx context.Context, threadID, userID string) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
		}
		return err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %q: %w", userID, ErrNotFound)
		}
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants(thread_id, user_id) VALUES(?,?) ON CONFLICT DO NOTHING`, threadID, userID)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
