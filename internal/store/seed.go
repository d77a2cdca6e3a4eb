package store

import (
	"context"
	"fmt"
)

// ThreadSeed declares a thread and its participants.
type ThreadSeed struct {
	ID           string
	Participants []string
}

// Seed creates users and threads idempotently. Thread CRUD is not part of
// this system, so deployments describe their threads up front.
func Seed(ctx context.Context, st Store, users []User, threads []ThreadSeed) error {
	for _, u := range users {
		if err := st.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %q: %w", u.ID, err)
		}
	}
	for _, t := range threads {
		if err := st.PutThread(ctx, t.ID); err != nil {
			return fmt.Errorf("seed thread %q: %w", t.ID, err)
		}
		for _, uid := range t.Participants {
			if err := st.AddParticipant(ctx, t.ID, uid); err != nil {
				return fmt.Errorf("seed thread %q participant %q: %w", t.ID, uid, err)
			}
		}
	}
	return nil
}
