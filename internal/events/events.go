// Package events defines the message event payload and the topic keys that
// the bus, the sessions and the clients agree on.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// GlobalTopic carries every message; subscribers only see the threads they
// were a participant of when they subscribed.
const GlobalTopic Topic = "all-messages"

const threadPrefix = "thread:"

// ErrInvalidTopic is returned by ParseTopic for keys that are neither a
// thread topic nor the global topic.
var ErrInvalidTopic = errors.New("invalid topic")

// Topic is the key events are published to and subscribed from.
type Topic string

// ThreadTopic returns the topic scoped to a single thread.
func ThreadTopic(threadID string) Topic {
	return Topic(threadPrefix + threadID)
}

// ParseTopic validates a topic key received from a client.
func ParseTopic(raw string) (Topic, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(GlobalTopic) {
		return GlobalTopic, nil
	}
	id, ok := strings.CutPrefix(raw, threadPrefix)
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
	return ThreadTopic(id), nil
}

// ThreadID returns the thread a thread-scoped topic refers to.
func (t Topic) ThreadID() (string, bool) {
	id, ok := strings.CutPrefix(string(t), threadPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsGlobal reports whether t is the global channel.
func (t Topic) IsGlobal() bool { return t == GlobalTopic }

func (t Topic) String() string { return string(t) }

// Sender identifies the author of a message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MessageEvent is the wire shape of a delivered message. It is immutable once
// published; handlers receive copies.
//
// ClientID echoes the correlation id the sending client attached to its
// request. It is empty for messages created without one.
type MessageEvent struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	ThreadID  string    `json:"threadId"`
	Sender    Sender    `json:"sender"`
	ClientID  string    `json:"clientId,omitempty"`
}

// Identity is an authenticated subscriber or sender.
type Identity struct {
	UserID   string
	Username string
}

// Sender converts the identity into the sender block of an event.
func (i Identity) Sender() Sender {
	return Sender{ID: i.UserID, Username: i.Username}
}
