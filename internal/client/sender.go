package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/gochat-live/internal/events"
)

var (
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)

// SendRequest is one message submission.
type SendRequest struct {
	ThreadID string
	Content  string
	// ClientID is the correlation id echoed on the resulting event.
	ClientID string
}

// Sender delivers a message to the server and returns the stored event.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (events.MessageEvent, error)
}

// SendError is a request the server answered with an error status.
type SendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("send failed: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("send failed: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is maps the status onto the package sentinels.
func (e *SendError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// HTTPSender posts messages to the server's send endpoint.
type HTTPSender struct {
	ServerURL string
	// Token returns the bearer token for each request.
	Token  func() string
	Client *http.Client
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, req SendRequest) (events.MessageEvent, error) {
	var ev events.MessageEvent

	body, err := json.Marshal(events.SendRequest{Content: req.Content, ClientID: req.ClientID})
	if err != nil {
		return ev, err
	}
	target := strings.TrimSuffix(s.ServerURL, "/") + "/api/threads/" + url.PathEscape(req.ThreadID) + "/messages"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return ev, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if s.Token != nil {
		hreq.Header.Set("Authorization", "Bearer "+s.Token())
	}

	hc := s.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq)
	if err != nil {
		return ev, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var eb events.ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
		return ev, &SendError{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode send response: %w", err)
	}
	return ev, nil
}
