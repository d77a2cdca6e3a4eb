package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/store"
)

func newDirectory(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, store.Seed(context.Background(), st,
		[]store.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}},
		[]store.ThreadSeed{
			{ID: "T1", Participants: []string{"u1", "u2"}},
			{ID: "T2", Participants: []string{"u1"}},
		},
	))
	return st
}

func TestAuthorizeThreadParticipant(t *testing.T) {
	g := NewGate(newDirectory(t))

	grant, err := g.Authorize(context.Background(), events.Identity{UserID: "u2"}, events.ThreadTopic("T1"))
	require.NoError(t, err)
	assert.Equal(t, events.ThreadTopic("T1"), grant.Topic)
	assert.Nil(t, grant.Threads)
	assert.True(t, grant.Allows("anything"))
}

func TestAuthorizeThreadNonParticipantIsForbidden(t *testing.T) {
	g := NewGate(newDirectory(t))

	_, err := g.Authorize(context.Background(), events.Identity{UserID: "u2"}, events.ThreadTopic("T2"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = g.Authorize(context.Background(), events.Identity{UserID: "u2"}, events.ThreadTopic("unknown"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = g.Authorize(context.Background(), events.Identity{}, events.ThreadTopic("T1"))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorizeGlobalSnapshotsMembership(t *testing.T) {
	dir := newDirectory(t)
	g := NewGate(dir)
	ctx := context.Background()

	grant, err := g.Authorize(ctx, events.Identity{UserID: "u2"}, events.GlobalTopic)
	require.NoError(t, err)
	assert.True(t, grant.Allows("T1"))
	assert.False(t, grant.Allows("T2"))

	// Joining later does not change an issued grant.
	require.NoError(t, dir.AddParticipant(ctx, "T2", "u2"))
	assert.False(t, grant.Allows("T2"))

	fresh, err := g.Authorize(ctx, events.Identity{UserID: "u2"}, events.GlobalTopic)
	require.NoError(t, err)
	assert.True(t, fresh.Allows("T2"))
}

func TestAuthorizeGlobalWithNoThreads(t *testing.T) {
	g := NewGate(newDirectory(t))

	grant, err := g.Authorize(context.Background(), events.Identity{UserID: "stranger"}, events.GlobalTopic)
	require.NoError(t, err)
	assert.NotNil(t, grant.Threads)
	assert.False(t, grant.Allows("T1"))
}

type failingDirectory struct{ err error }

func (f failingDirectory) IsParticipant(context.Context, string, string) (bool, error) {
	return false, f.err
}

func (f failingDirectory) ListParticipantThreadIDs(context.Context, string) (map[string]struct{}, error) {
	return nil, f.err
}

func TestAuthorizeLookupErrorIsNotForbidden(t *testing.T) {
	boom := errors.New("db down")
	g := NewGate(failingDirectory{err: boom})

	_, err := g.Authorize(context.Background(), events.Identity{UserID: "u1"}, events.ThreadTopic("T1"))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrForbidden)

	_, err = g.Authorize(context.Background(), events.Identity{UserID: "u1"}, events.GlobalTopic)
	assert.ErrorIs(t, err, boom)
}
