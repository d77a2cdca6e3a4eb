// Package client is the consumer side of the real-time channel: a connection
// manager that keeps one subscription transport alive with exponential
// backoff, and a send coordinator that shows optimistic placeholders until
// the server confirms them.
package client

import "errors"

var (
	// ErrClosed is returned by operations on a closed manager or coordinator.
	ErrClosed = errors.New("client closed")
	// ErrNoCredentials is returned by Connect before credentials are set.
	ErrNoCredentials = errors.New("no credentials")
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Credentials identify the user a connection is opened for.
type Credentials struct {
	UserID string
	Token  string
}

func (c *Credentials) valid() bool {
	return c != nil && c.Token != ""
}
