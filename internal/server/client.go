// Package server manages individual WebSocket clients, handling read/write
// pumps, subscription commands, rate limiting, and lifecycle control for
// each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/membership"
	"github.com/Tyrowin/gochat-live/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Subscriber opens subscription sessions. *session.Manager implements it.
type Subscriber interface {
	Open(ctx context.Context, who events.Identity, topic events.Topic) (*session.Session, error)
}

// Client represents one authenticated WebSocket connection. It owns the
// sessions opened through it and closes all of them when the connection
// ends.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	subscriber     Subscriber
	addr           string
	who            events.Identity
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subsMu   sync.Mutex
	subs     map[string]*session.Session
	subsDone bool
	forwards sync.WaitGroup
}

// NewClient creates a Client for an upgraded connection. The send channel is
// buffered to absorb bursts between write pump iterations.
func NewClient(conn *websocket.Conn, hub *Hub, sub Subscriber, who events.Identity, addr string, cfg Config, log zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		subscriber:     sub,
		addr:           addr,
		who:            who,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		log:            log.With().Str("remote", addr).Str("user", who.UserID).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		subs:           make(map[string]*session.Session),
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("Frame exceeded maximum size")
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Debug().Err(err).Msg("Client disconnected")
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("Client connection closed")
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn().Err(err).Msg("Unexpected WebSocket error")
		return true
	}

	c.log.Warn().Err(err).Msg("WebSocket read error")
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the command should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("Rate limit exceeded; discarding command")
		return false
	}
	return true
}

// queue encodes f and hands it to the hub. It returns false once the client
// has been dropped.
func (c *Client) queue(f events.ServerFrame) bool {
	payload, err := encodeFrame(f)
	if err != nil {
		c.log.Error().Err(err).Str("frame", f.Type).Msg("Error encoding frame")
		return true
	}
	return c.hub.deliver(c, payload)
}

// processMessage decodes and executes one client command.
func (c *Client) processMessage(rawMessage []byte) {
	var cmd events.ClientFrame
	if err := json.Unmarshal(rawMessage, &cmd); err != nil {
		c.log.Debug().Err(err).Msg("Invalid frame")
		c.queue(errorFrame("", events.CodeBadRequest, "invalid frame"))
		return
	}
	cmd.ID = strings.TrimSpace(cmd.ID)

	switch cmd.Type {
	case events.FrameSubscribe:
		c.subscribe(cmd)
	case events.FrameUnsubscribe:
		c.unsubscribe(cmd)
	default:
		c.queue(errorFrame(cmd.ID, events.CodeBadRequest, "unknown frame type"))
	}
}

func (c *Client) subscribe(cmd events.ClientFrame) {
	if cmd.ID == "" {
		c.queue(errorFrame("", events.CodeBadRequest, "subscription id is required"))
		return
	}
	topic, err := events.ParseTopic(cmd.Topic)
	if err != nil {
		c.queue(errorFrame(cmd.ID, events.CodeBadRequest, err.Error()))
		return
	}

	c.subsMu.Lock()
	_, taken := c.subs[cmd.ID]
	c.subsMu.Unlock()
	if taken {
		c.queue(errorFrame(cmd.ID, events.CodeBadRequest, "subscription id already in use"))
		return
	}

	sess, err := c.subscriber.Open(c.ctx, c.who, topic)
	if err != nil {
		if errors.Is(err, membership.ErrForbidden) {
			c.queue(errorFrame(cmd.ID, events.CodeForbidden, "not a participant"))
			return
		}
		c.log.Error().Err(err).Str("topic", topic.String()).Msg("Failed to open session")
		c.queue(errorFrame(cmd.ID, events.CodeInternal, "subscribe failed"))
		return
	}

	c.subsMu.Lock()
	if c.subsDone {
		c.subsMu.Unlock()
		sess.Close()
		return
	}
	c.subs[cmd.ID] = sess
	c.forwards.Add(1)
	c.subsMu.Unlock()

	// The ack is queued before the forwarder starts so it precedes every
	// message frame for this subscription.
	c.queue(events.ServerFrame{Type: events.FrameSubscribed, ID: cmd.ID})
	go c.forward(cmd.ID, sess)
}

func (c *Client) unsubscribe(cmd events.ClientFrame) {
	c.subsMu.Lock()
	sess, ok := c.subs[cmd.ID]
	delete(c.subs, cmd.ID)
	c.subsMu.Unlock()

	if !ok {
		c.queue(errorFrame(cmd.ID, events.CodeBadRequest, "unknown subscription"))
		return
	}
	sess.Close()
	c.queue(events.ServerFrame{Type: events.FrameUnsubscribed, ID: cmd.ID})
}

// forward copies session events into the send queue until the session ends.
func (c *Client) forward(subID string, sess *session.Session) {
	defer c.forwards.Done()

	for ev := range sess.Events() {
		select {
		case <-sess.Done():
			// Unsubscribed: drop whatever is still buffered.
			if sess.Err() == nil {
				return
			}
		default:
		}
		if !c.queue(messageFrame(subID, ev)) {
			// The hub dropped this client; readPump will tear down sessions.
			sess.Close()
			return
		}
	}

	if errors.Is(sess.Err(), session.ErrSlowConsumer) {
		c.subsMu.Lock()
		if c.subs[subID] == sess {
			delete(c.subs, subID)
		}
		c.subsMu.Unlock()
		c.queue(errorFrame(subID, events.CodeSlowConsumer, "subscription closed: consumer too slow"))
	}
}

// closeSessions ends every session the client owns. Later subscribes are
// refused.
func (c *Client) closeSessions() {
	c.cancel()

	c.subsMu.Lock()
	c.subsDone = true
	subs := c.subs
	c.subs = make(map[string]*session.Session)
	c.subsMu.Unlock()

	for _, sess := range subs {
		sess.Close()
	}
	c.forwards.Wait()
}

func (c *Client) readPump() {
	defer func() {
		c.closeSessions()
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Warn().Err(err).Msg("Error closing connection in readPump")
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			c.queue(errorFrame("", events.CodeRateLimited, "too many commands"))
			continue
		}

		c.processMessage(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error closing connection in writePump")
		}
	}
}

// handleMessage writes outgoing frames and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error writing close message")
		}
	}
	return false
}

// writeTextMessage writes a frame and any queued frames in one message
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Warn().Err(err).Msg("Error creating writer")
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.log.Warn().Err(err).Msg("Error writing frame")
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Error closing writer")
		return false
	}
	return true
}

// writeQueuedMessages appends frames already waiting in the queue, newline
// separated. A closed queue ends the batch early.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		next, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn().Err(err).Msg("Error writing newline")
			return false
		}
		if _, err := w.Write(next); err != nil {
			c.log.Warn().Err(err).Msg("Error writing queued frame")
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn().Err(err).Msg("Error writing ping message")
		return false
	}
	return true
}
