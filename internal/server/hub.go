// Package server coordinates client registration, frame delivery, and
// connection cleanup for the gochat WebSocket system via the Hub type.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/metrics"
)

// Hub manages all WebSocket client connections. It owns the client registry,
// starts each client's pumps, and drops clients whose send buffer is full.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates and initializes a new Hub instance. The returned Hub is
// ready to manage WebSocket connections once Run is started.
func NewHub(log zerolog.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
}

// Register hands client to the hub, which starts its pumps. It returns false
// if the hub has shut down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes client and closes its send queue. It is a no-op for
// clients that are already gone.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Count reports the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// safeSend queues a frame for client without blocking. It returns false when
// the client is gone or its buffer is full.
func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered from panic in safeSend")
		}
	}()

	// Hold the lock during the entire send operation so the channel cannot be
	// closed underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// deliver queues message for client and drops the client if it cannot keep
// up. It reports whether the frame was queued.
func (h *Hub) deliver(client *Client, message []byte) bool {
	if h.safeSend(client, message) {
		return true
	}
	h.removeFailedClients([]*Client{client})
	return false
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It should be called in a separate goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.metrics.SetConnections(clientCount)
			h.log.Info().
				Str("remote", client.addr).
				Str("user", client.who.UserID).
				Int("clients", clientCount).
				Msg("Client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				// Close the channel after releasing the lock
				close(client.send)
				h.metrics.SetConnections(clientCount)
				h.log.Info().
					Str("remote", client.addr).
					Int("clients", clientCount).
					Msg("Client unregistered")
			} else {
				h.mutex.Unlock()
			}
		}
	}
}

// removeFailedClients removes clients that could not accept a frame and
// closes their send queues, which makes their write pumps hang up.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.log.Warn().Str("remote", client.addr).Msg("Client removed due to full send buffer")
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.metrics.SetConnections(clientCount)

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes every registered connection and its send queue.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		client.closed = true
	}
	h.mutex.Unlock()
	h.metrics.SetConnections(0)

	for _, client := range clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.log.Warn().Err(err).Str("remote", client.addr).Msg("Error closing client connection")
				}
			}
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
