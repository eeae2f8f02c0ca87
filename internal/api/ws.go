// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/watchflow/pkg/events"
)

const (
	// heartbeatInterval is the period between heartbeat frames.
	heartbeatInterval = 30 * time.Second

	// clientBuffer bounds per-client outbound queues. Slow clients that
	// fall behind are disconnected rather than backpressuring the bus.
	clientBuffer = 64

	writeTimeout = 10 * time.Second
)

// envelope is the wire shape for every outbound frame.
type envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub fans bus events out to connected WebSocket clients.
type Hub struct {
	bus    *events.Bus
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool

	unsubscribe func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

type client struct {
	conn *websocket.Conn
	send chan envelope
}

// NewHub creates the fan-out hub.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		logger: logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Start subscribes to the bus and begins the heartbeat loop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	h.unsubscribe = h.bus.SubscribeAll(func(ctx context.Context, e events.Event) {
		// Integration events carry a live callback; they are internal
		// plumbing, not client-facing lifecycle.
		if e.Type == events.IntegrationExecute {
			return
		}
		h.broadcast(envelope{Type: string(e.Type), Data: e.Data, Timestamp: e.Timestamp})
	})

	go h.heartbeatLoop()
}

// Stop detaches from the bus and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	<-h.doneCh
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) heartbeatLoop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			h.broadcast(envelope{Type: "heartbeat", Timestamp: now})
		}
	}
}

func (h *Hub) broadcast(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			// The client stopped draining; drop it.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// handleConnection upgrades the request and serves the client until it
// disconnects. Every client receives a connected greeting first.
func (h *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan envelope, clientBuffer)}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	// The greeting goes out under the lock so Stop cannot close the send
	// channel between registration and the first frame.
	c.send <- envelope{Type: "connected", Timestamp: time.Now()}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()

	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(env); err != nil {
			h.drop(c)
			return
		}
	}
}

// readLoop consumes client frames. A {type: "ping"} frame is answered with
// {type: "pong"}; anything else is ignored.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)

	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "ping" {
			h.mu.Lock()
			if h.clients[c] {
				select {
				case c.send <- envelope{Type: "pong", Timestamp: time.Now()}:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.conn.Close()
}
