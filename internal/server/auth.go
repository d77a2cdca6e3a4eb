package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/store"
)

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves bearer tokens. store.Store implements it.
type Authenticator interface {
	UserByToken(ctx context.Context, token string) (events.Identity, error)
}

// requestToken returns the bearer token from the Authorization header, or
// the token query parameter when allowQuery is set. Browsers cannot set
// headers on a WebSocket handshake, so /ws accepts the query form.
func requestToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func (s *Server) authenticate(r *http.Request, allowQuery bool) (events.Identity, error) {
	token := requestToken(r, allowQuery)
	if token == "" {
		return events.Identity{}, errUnauthenticated
	}
	who, err := s.auth.UserByToken(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		return events.Identity{}, errUnauthenticated
	}
	if err != nil {
		return events.Identity{}, fmt.Errorf("resolve token: %w", err)
	}
	return who, nil
}
