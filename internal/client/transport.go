package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/events"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// ErrUnauthorized is returned when the server refuses the token.
var ErrUnauthorized = errors.New("unauthorized")

// WSTransport dials the server's WebSocket endpoint and subscribes to a
// fixed list of topics on every connection.
type WSTransport struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	// Origin is sent on the upgrade request when set.
	Origin    string
	Topics    []events.Topic
	Dialer    *websocket.Dialer

	// OnEvent receives every message frame with the subscription id it
	// arrived on.
	OnEvent func(subID string, ev events.MessageEvent)
	// OnError receives error frames, such as forbidden or slow_consumer.
	OnError func(f events.ServerFrame)

	Log zerolog.Logger
}

// Open implements Transport.
func (t *WSTransport) Open(ctx context.Context, creds Credentials) (Conn, error) {
	target, err := wsURL(t.ServerURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	if t.Origin != "" {
		header.Set("Origin", t.Origin)
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", target, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c := &wsConn{ws: ws, done: make(chan struct{}), t: t}
	if err := c.subscribe(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// subscribe sends one subscribe frame per topic and waits until each has been
// answered, so a connection is only reported once its subscriptions are
// live. A refused subscription is reported through OnError and does not
// fail the connection.
func (c *wsConn) subscribe(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	waiting := make(map[string]struct{}, len(c.t.Topics))
	for i, topic := range c.t.Topics {
		id := fmt.Sprintf("sub-%d", i+1)
		waiting[id] = struct{}{}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(events.ClientFrame{Type: events.FrameSubscribe, ID: id, Topic: topic.String()}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(writeWait))
	for len(waiting) > 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await subscription: %w", err)
		}
		c.handle(data, func(f events.ServerFrame) {
			if f.Type == events.FrameSubscribed || f.Type == events.FrameError {
				delete(waiting, f.ID)
			}
		})
	}
	return nil
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

type wsConn struct {
	ws        *websocket.Conn
	t         *WSTransport
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.done)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.t.Log.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		c.handle(data, nil)
	}
}

// handle dispatches every frame of one message. The server batches queued
// frames into a single message, newline separated.
func (c *wsConn) handle(data []byte, seen func(events.ServerFrame)) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var f events.ServerFrame
		if err := json.Unmarshal(line, &f); err != nil {
			c.t.Log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		c.dispatch(f)
		if seen != nil {
			seen(f)
		}
	}
}

func (c *wsConn) dispatch(f events.ServerFrame) {
	switch f.Type {
	case events.FrameMessage:
		if f.Event != nil && c.t.OnEvent != nil {
			c.t.OnEvent(f.ID, *f.Event)
		}
	case events.FrameError:
		c.t.Log.Warn().Str("sub", f.ID).Str("code", f.Code).Msg(f.Message)
		if c.t.OnError != nil {
			c.t.OnError(f)
		}
		// The server dropped the subscription. Closing hands the loss to the
		// connection manager, whose reconnect subscribes again.
		if f.Code == events.CodeSlowConsumer {
			go c.Close()
		}
	case events.FrameSubscribed, events.FrameUnsubscribed:
		c.t.Log.Debug().Str("sub", f.ID).Str("type", f.Type).Msg("Subscription update")
	default:
		c.t.Log.Debug().Str("type", f.Type).Msg("Ignoring unknown frame")
	}
}
