// Package server defines frame encoding helpers that are reused across client
// and hub logic.
package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/gochat-live/internal/events"
)

func encodeFrame(f events.ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}

func messageFrame(subID string, ev events.MessageEvent) events.ServerFrame {
	return events.ServerFrame{Type: events.FrameMessage, ID: subID, Event: &ev}
}

func errorFrame(subID, code, msg string) events.ServerFrame {
	return events.ServerFrame{Type: events.FrameError, ID: subID, Code: code, Message: msg}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
