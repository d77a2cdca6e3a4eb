package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/bus"
	"github.com/Tyrowin/gochat-live/internal/chat"
	"github.com/Tyrowin/gochat-live/internal/config"
	"github.com/Tyrowin/gochat-live/internal/events"
	"github.com/Tyrowin/gochat-live/internal/membership"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/Tyrowin/gochat-live/internal/session"
	"github.com/Tyrowin/gochat-live/internal/store"
)

type testEnv struct {
	srv   *server.Server
	ts    *httptest.Server
	store *store.Memory
	bus   *bus.Memory
}

func newTestEnv(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	st := store.NewMemory()
	require.NoError(t, store.Seed(context.Background(), st,
		[]store.User{
			{ID: "u1", Username: "alice", Token: "tok-alice"},
			{ID: "u2", Username: "bob", Token: "tok-bob"},
		},
		[]store.ThreadSeed{
			{ID: "T1", Participants: []string{"u1", "u2"}},
			{ID: "T2", Participants: []string{"u1"}},
		},
	))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := bus.New(bus.WithMetrics(m))
	sessions := session.NewManager(membership.NewGate(st), b, session.WithMetrics(m))
	svc := chat.NewService(st, b, chat.WithMetrics(m))

	cfg := server.ConfigFrom(config.Default().Server)
	if customize != nil {
		customize(&cfg)
	}
	srv := server.New(cfg, server.Deps{
		Auth:     st,
		Sessions: sessions,
		Chat:     svc,
		Metrics:  m,
		Gatherer: reg,
		Log:      zerolog.Nop(),
	})
	srv.StartHub()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testEnv{srv: srv, ts: ts, store: st, bus: b}
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// frameConn reads newline-batched server frames one at a time.
type frameConn struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []events.ServerFrame
}

func (e *testEnv) dial(t *testing.T, token string) *frameConn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(token), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &frameConn{t: t, conn: conn}
}

func (c *frameConn) send(f events.ClientFrame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(f))
}

func (c *frameConn) next(timeout time.Duration) (events.ServerFrame, error) {
	for len(c.pending) == 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return events.ServerFrame{}, err
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return events.ServerFrame{}, err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var f events.ServerFrame
			if err := json.Unmarshal(line, &f); err != nil {
				return events.ServerFrame{}, err
			}
			c.pending = append(c.pending, f)
		}
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

func (c *frameConn) expect(frameType string) events.ServerFrame {
	c.t.Helper()
	f, err := c.next(2 * time.Second)
	require.NoError(c.t, err)
	require.Equal(c.t, frameType, f.Type, "frame: %+v", f)
	return f
}

// expectNone waits for a read timeout. The connection cannot be read again
// afterwards, so it must be the last read in a test.
func (c *frameConn) expectNone(timeout time.Duration) {
	c.t.Helper()
	f, err := c.next(timeout)
	if err == nil {
		c.t.Fatalf("Expected no frame, but received %+v", f)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	c.t.Fatalf("Unexpected error while waiting for absence of frame: %v", err)
}

func (c *frameConn) subscribe(id, topic string) {
	c.t.Helper()
	c.send(events.ClientFrame{Type: events.FrameSubscribe, ID: id, Topic: topic})
	f := c.expect(events.FrameSubscribed)
	require.Equal(c.t, id, f.ID)
}

func (e *testEnv) post(t *testing.T, token, threadID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/threads/"+threadID+"/messages", strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sendBody(content, clientID string) string {
	b, _ := json.Marshal(events.SendRequest{Content: content, ClientID: clientID})
	return string(b)
}

// TestHealthEndpoints tests the plain and JSON health checks.
// It verifies both respond 200 with the expected content types.
func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "GoChat server is running!", string(body))

	resp2, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Connections)
}

// TestWebSocketRequiresToken tests the handshake without or with a bad token.
// It verifies the upgrade is refused with 401.
func TestWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, token := range []string{"", "nope"} {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("tok-bob"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "http://localhost:8080")
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL("tok-bob"), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestWebSocketMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/ws", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestSubscribeAndReceive tests the end-to-end path from a send request to a
// pushed frame. It verifies the subscriber receives the created message with
// the sender's correlation id.
func TestSubscribeAndReceive(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")
	bob.subscribe("s1", "thread:T1")

	resp := env.post(t, "tok-alice", "T1", sendBody("hi", "c-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created events.MessageEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "hi", created.Content)
	assert.Equal(t, "c-1", created.ClientID)

	f := bob.expect(events.FrameMessage)
	assert.Equal(t, "s1", f.ID)
	require.NotNil(t, f.Event)
	assert.Equal(t, created.ID, f.Event.ID)
	assert.Equal(t, "T1", f.Event.ThreadID)
	assert.Equal(t, "alice", f.Event.Sender.Username)
	assert.Equal(t, "c-1", f.Event.ClientID)

	// A retried send is deduplicated and not pushed again.
	resp = env.post(t, "tok-alice", "T1", sendBody("hi", "c-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bob.expectNone(200 * time.Millisecond)
}

// TestSubscribeForbidden tests a subscribe to a thread the caller is not a
// participant of. It verifies a forbidden error frame and no later pushes.
func TestSubscribeForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")

	bob.send(events.ClientFrame{Type: events.FrameSubscribe, ID: "s1", Topic: "thread:T2"})
	f := bob.expect(events.FrameError)
	assert.Equal(t, "s1", f.ID)
	assert.Equal(t, events.CodeForbidden, f.Code)
	assert.Equal(t, 0, env.bus.Len(events.ThreadTopic("T2")))

	resp := env.post(t, "tok-alice", "T2", sendBody("secret", ""))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bob.expectNone(200 * time.Millisecond)
}

// TestGlobalSubscriptionFiltersThreads tests the global topic.
// It verifies each subscriber only receives threads it participates in.
func TestGlobalSubscriptionFiltersThreads(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "tok-alice")
	bob := env.dial(t, "tok-bob")
	alice.subscribe("all", "all-messages")
	bob.subscribe("all", "all-messages")

	require.Equal(t, http.StatusCreated, env.post(t, "tok-alice", "T2", sendBody("only alice", "")).StatusCode)
	require.Equal(t, http.StatusCreated, env.post(t, "tok-alice", "T1", sendBody("both", "")).StatusCode)

	f := alice.expect(events.FrameMessage)
	assert.Equal(t, "only alice", f.Event.Content)
	f = alice.expect(events.FrameMessage)
	assert.Equal(t, "both", f.Event.Content)

	f = bob.expect(events.FrameMessage)
	assert.Equal(t, "both", f.Event.Content)
	bob.expectNone(200 * time.Millisecond)
}

// TestGlobalSubscriptionKeepsMembershipSnapshot tests a participant added to
// a thread while subscribed. It verifies events for the new thread arrive
// only after re-subscribing.
func TestGlobalSubscriptionKeepsMembershipSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")
	bob.subscribe("all", "all-messages")

	require.NoError(t, env.store.AddParticipant(context.Background(), "T2", "u2"))
	require.Equal(t, http.StatusCreated, env.post(t, "tok-alice", "T2", sendBody("missed", "")).StatusCode)

	// A delivered "missed" would arrive ahead of this ack.
	bob.subscribe("all-2", "all-messages")
	require.Equal(t, http.StatusCreated, env.post(t, "tok-alice", "T2", sendBody("seen", "")).StatusCode)
	f := bob.expect(events.FrameMessage)
	assert.Equal(t, "all-2", f.ID)
	assert.Equal(t, "seen", f.Event.Content)
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")
	bob.subscribe("s1", "thread:T1")

	bob.send(events.ClientFrame{Type: events.FrameUnsubscribe, ID: "s1"})
	f := bob.expect(events.FrameUnsubscribed)
	assert.Equal(t, "s1", f.ID)
	assert.Equal(t, 0, env.bus.Len(events.ThreadTopic("T1")))

	require.Equal(t, http.StatusCreated, env.post(t, "tok-alice", "T1", sendBody("after", "")).StatusCode)

	// A delivered "after" would arrive ahead of this error.
	bob.send(events.ClientFrame{Type: events.FrameUnsubscribe, ID: "s1"})
	f = bob.expect(events.FrameError)
	assert.Equal(t, events.CodeBadRequest, f.Code)
}

func TestBadFrames(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 100
	})
	bob := env.dial(t, "tok-bob")

	require.NoError(t, bob.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, events.CodeBadRequest, bob.expect(events.FrameError).Code)

	bob.send(events.ClientFrame{Type: events.FrameSubscribe, ID: "s1", Topic: "lobby"})
	assert.Equal(t, events.CodeBadRequest, bob.expect(events.FrameError).Code)

	bob.send(events.ClientFrame{Type: events.FrameSubscribe, Topic: "thread:T1"})
	assert.Equal(t, events.CodeBadRequest, bob.expect(events.FrameError).Code)

	bob.send(events.ClientFrame{Type: "shout", ID: "s1"})
	assert.Equal(t, events.CodeBadRequest, bob.expect(events.FrameError).Code)

	bob.subscribe("s1", "thread:T1")
	bob.send(events.ClientFrame{Type: events.FrameSubscribe, ID: "s1", Topic: "thread:T1"})
	assert.Equal(t, events.CodeBadRequest, bob.expect(events.FrameError).Code)
	assert.Equal(t, 1, env.bus.Len(events.ThreadTopic("T1")))
}

func TestCommandRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 1, RefillInterval: time.Minute}
	})
	bob := env.dial(t, "tok-bob")

	bob.subscribe("s1", "thread:T1")
	bob.send(events.ClientFrame{Type: events.FrameSubscribe, ID: "s2", Topic: "thread:T1"})
	assert.Equal(t, events.CodeRateLimited, bob.expect(events.FrameError).Code)
}

// TestDisconnectClosesSessions tests an abrupt client disconnect.
// It verifies the client's sessions are removed from the bus and the hub
// forgets the connection.
func TestDisconnectClosesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")
	bob.subscribe("s1", "thread:T1")
	bob.subscribe("s2", "all-messages")
	require.Equal(t, 1, env.srv.Hub().Count())

	require.NoError(t, bob.conn.Close())

	assert.Eventually(t, func() bool {
		return env.bus.Len(events.ThreadTopic("T1")) == 0 &&
			env.bus.Len(events.GlobalTopic) == 0 &&
			env.srv.Hub().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")
	bob.subscribe("s1", "thread:T1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	_, err := bob.next(2 * time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, env.bus.Len(events.ThreadTopic("T1")))
}

// TestSendEndpointErrors tests the failure statuses of the send endpoint.
func TestSendEndpointErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		token  string
		thread string
		body   string
		status int
		code   string
	}{
		{"no token", "", "T1", sendBody("hi", ""), http.StatusUnauthorized, events.CodeUnauthorized},
		{"unknown token", "nope", "T1", sendBody("hi", ""), http.StatusUnauthorized, events.CodeUnauthorized},
		{"not participant", "tok-bob", "T2", sendBody("hi", ""), http.StatusForbidden, events.CodeForbidden},
		{"unknown thread", "tok-bob", "T9", sendBody("hi", ""), http.StatusForbidden, events.CodeForbidden},
		{"empty content", "tok-bob", "T1", sendBody("  ", ""), http.StatusBadRequest, events.CodeBadRequest},
		{"bad json", "tok-bob", "T1", "{", http.StatusBadRequest, events.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, tt.token, tt.thread, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body events.ErrorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Code)
		})
	}

	resp, err := http.Get(env.ts.URL + "/api/threads/T1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "tok-bob")
	bob.subscribe("s1", "thread:T1")

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "gochat_ws_connections 1")
	assert.Contains(t, string(body), "gochat_sessions_active 1")
}

// TestFrameSizeLimit tests that a frame above the configured size closes the
// offending connection.
func TestFrameSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.MaxMessageSize = 64 })
	bob := env.dial(t, "tok-bob")

	oversized := `{"type":"subscribe","id":"` + strings.Repeat("x", 100) + `","topic":"thread:T1"}`
	err := bob.conn.WriteMessage(websocket.TextMessage, []byte(oversized))
	if err != nil && !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("Unexpected error writing oversized frame: %v", err)
	}

	_, err = bob.next(2 * time.Second)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return env.srv.Hub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestManySubscribersReceiveEachMessage tests fan-out to several connections.
// It verifies every subscriber of a thread gets every message once and in
// publish order.
func TestManySubscribersReceiveEachMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	const numClients = 5
	conns := make([]*frameConn, 0, numClients)
	for i := 0; i < numClients; i++ {
		token := "tok-alice"
		if i%2 == 1 {
			token = "tok-bob"
		}
		c := env.dial(t, token)
		c.subscribe("s1", "thread:T1")
		conns = append(conns, c)
	}

	contents := []string{"one", "two", "three"}
	for _, content := range contents {
		resp := env.post(t, "tok-alice", "T1", sendBody(content, ""))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	for i, c := range conns {
		for _, want := range contents {
			f := c.expect(events.FrameMessage)
			require.NotNil(t, f.Event, "client %d", i)
			assert.Equal(t, want, f.Event.Content, "client %d", i)
			assert.Equal(t, "s1", f.ID)
		}
	}
}

func TestConcurrentShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dial(t, "tok-bob").subscribe("s1", "thread:T1")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs <- env.srv.Shutdown(ctx)
		}()
	}
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 0, env.srv.Hub().Count())
}
