// Package membership authorizes subscribe requests against thread
// membership.
//
// The check runs once, when a subscription is established. Membership is
// not re-evaluated per event: a subscriber added to a thread after
// subscribing to the global channel sees that thread's events only after it
// subscribes again.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/gochat-live/internal/events"
)

// ErrForbidden is returned when the subscriber may not receive a topic.
var ErrForbidden = errors.New("forbidden")

// Directory answers membership questions. store.Store satisfies it.
type Directory interface {
	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)
	ListParticipantThreadIDs(ctx context.Context, userID string) (map[string]struct{}, error)
}

// Grant is the result of a successful authorization.
type Grant struct {
	Topic events.Topic
	// Threads is the membership snapshot for the global topic and nil for a
	// thread topic.
	Threads map[string]struct{}
}

// Allows reports whether an event for threadID passes the grant's filter.
func (g Grant) Allows(threadID string) bool {
	if g.Threads == nil {
		return true
	}
	_, ok := g.Threads[threadID]
	return ok
}

// Gate performs the subscribe-time check.
type Gate struct {
	dir Directory
}

func NewGate(dir Directory) *Gate {
	return &Gate{dir: dir}
}

// Authorize checks who against topic. Lookup failures are returned wrapped
// and are not ErrForbidden.
func (g *Gate) Authorize(ctx context.Context, who events.Identity, topic events.Topic) (Grant, error) {
	if who.UserID == "" {
		return Grant{}, ErrForbidden
	}

	if topic.IsGlobal() {
		ids, err := g.dir.ListParticipantThreadIDs(ctx, who.UserID)
		if err != nil {
			return Grant{}, fmt.Errorf("list threads for %s: %w", who.UserID, err)
		}
		if ids == nil {
			ids = map[string]struct{}{}
		}
		return Grant{Topic: topic, Threads: ids}, nil
	}

	threadID, ok := topic.ThreadID()
	if !ok {
		return Grant{}, fmt.Errorf("%w: %q", events.ErrInvalidTopic, topic)
	}
	member, err := g.dir.IsParticipant(ctx, who.UserID, threadID)
	if err != nil {
		return Grant{}, fmt.Errorf("check participant %s in %s: %w", who.UserID, threadID, err)
	}
	if !member {
		return Grant{}, fmt.Errorf("%w: %s is not a participant of %s", ErrForbidden, who.UserID, threadID)
	}
	return Grant{Topic: topic}, nil
}
