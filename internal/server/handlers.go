// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the message send endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-live/internal/chat"
	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/membership"
)

// maxSendBody bounds the JSON body of a send request.
const maxSendBody = 64 << 10

// MessageSender is the persist-and-broadcast operation. *chat.Service
// implements it.
type MessageSender interface {
	Send(ctx context.Context, sender events.Identity, threadID, content, clientID string) (events.MessageEvent, error)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

type healthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "ok", Connections: s.hub.Count()})
}

// handleWebSocket authenticates the request, upgrades the connection and
// registers the client with the hub, which launches its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	who, err := s.authenticate(r, true)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, s.sessions, who, r.RemoteAddr, s.settings.current(), s.log)
	if !s.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// handleSend creates a message in the thread named by the path.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, events.CodeBadRequest, "send endpoint only accepts POST requests")
		return
	}

	who, err := s.authenticate(r, false)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	var req events.SendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, events.CodeBadRequest, "invalid JSON body")
		return
	}

	ev, err := s.chat.Send(r.Context(), who, r.PathValue("threadID"), req.Content, req.ClientID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, ev)
	case errors.Is(err, chat.ErrInvalidContent):
		writeError(w, http.StatusBadRequest, events.CodeBadRequest, err.Error())
	case errors.Is(err, membership.ErrForbidden):
		writeError(w, http.StatusForbidden, events.CodeForbidden, "not a participant of this thread")
	default:
		s.log.Error().Err(err).Str("user", who.UserID).Msg("Send failed")
		writeError(w, http.StatusInternalServerError, events.CodeInternal, "send failed")
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnauthenticated) {
		writeError(w, http.StatusUnauthorized, events.CodeUnauthorized, "missing or invalid token")
		return
	}
	s.log.Error().Err(err).Msg("Authentication failed")
	writeError(w, http.StatusInternalServerError, events.CodeInternal, "authentication failed")
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, events.ErrorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
