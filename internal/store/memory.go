package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-live/internal/events"
)

type memThread struct {
	updatedAt    time.Time
	participants map[string]bool
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	users    map[string]User
	byToken  map[string]string // token -> user id
	threads  map[string]*memThread
	messages map[string]events.MessageEvent
	byClient map[string]string // sender id + thread id + client id -> message id

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:    map[string]User{},
		byToken:  map[string]string{},
		threads:  map[string]*memThread{},
		messages: map[string]events.MessageEvent{},
		byClient: map[string]string{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func clientKey(senderID, threadID, clientID string) string {
	return senderID + "\x00" + threadID + "\x00" + clientID
}

func (m *Memory) CreateMessage(_ context.Context, threadID, senderID, content, clientID string) (events.MessageEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return events.MessageEvent{}, false, ErrClosed
	}

	if clientID != "" {
		if id, ok := m.byClient[clientKey(senderID, threadID, clientID)]; ok {
			return m.messages[id], false, nil
		}
	}
	if _, ok := m.threads[threadID]; !ok {
		return events.MessageEvent{}, false, fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	u, ok := m.users[senderID]
	if !ok {
		return events.MessageEvent{}, false, fmt.Errorf("user %q: %w", senderID, ErrNotFound)
	}

	ev := events.MessageEvent{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: m.now(),
		ThreadID:  threadID,
		Sender:    events.Sender{ID: u.ID, Username: u.Username},
		ClientID:  clientID,
	}
	m.messages[ev.ID] = ev
	if clientID != "" {
		m.byClient[clientKey(senderID, threadID, clientID)] = ev.ID
	}
	return ev, true, nil
}

func (m *Memory) IsParticipant(_ context.Context, userID, threadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	t, ok := m.threads[threadID]
	return ok && t.participants[userID], nil
}

func (m *Memory) ListParticipantThreadIDs(_ context.Context, userID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]struct{})
	for id, t := range m.threads {
		if t.participants[userID] {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *Memory) TouchThreadUpdatedAt(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	t.updatedAt = m.now()
	return nil
}

// ThreadUpdatedAt is exposed for tests.
func (m *Memory) ThreadUpdatedAt(threadID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok {
		return time.Time{}, false
	}
	return t.updatedAt, true
}

func (m *Memory) UserByToken(_ context.Context, token string) (events.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return events.Identity{}, ErrClosed
	}
	id, ok := m.byToken[token]
	if !ok || token == "" {
		return events.Identity{}, ErrNotFound
	}
	u := m.users[id]
	return events.Identity{UserID: u.ID, Username: u.Username}, nil
}

func (m *Memory) PutUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if old, ok := m.users[u.ID]; ok && old.Token != "" {
		delete(m.byToken, old.Token)
	}
	m.users[u.ID] = u
	if u.Token != "" {
		m.byToken[u.Token] = u.ID
	}
	return nil
}

func (m *Memory) PutThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.threads[threadID]; !ok {
		m.threads[threadID] = &memThread{updatedAt: m.now(), participants: map[string]bool{}}
	}
	return nil
}

func (m *Memory) AddParticipant(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	t.participants[userID] = true
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
