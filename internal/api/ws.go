// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/ackwatch/internal/health"
	"grimm.is/ackwatch/internal/logging"
	"grimm.is/ackwatch/internal/sentinel"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second

	// Per-client send buffer. Slow consumers are dropped when it fills.
	wsClientBuffer = 64
)

// WSManager fans security events out to websocket subscribers.
type WSManager struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	events chan sentinel.Event
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan sentinel.Event
}

// NewWSManager creates the manager and subscribes it to the service's
// event stream. Events arriving before Start are dropped.
func NewWSManager(svc *sentinel.Service) *WSManager {
	m := &WSManager{
		logger: logging.WithComponent("api.ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*wsClient]struct{}),
		events:  make(chan sentinel.Event, 256),
		stopCh:  make(chan struct{}),
	}
	svc.Subscribe(func(ev sentinel.Event) {
		select {
		case m.events <- ev:
		default:
			// Backpressure: drop rather than stall the pipeline.
		}
	})
	return m
}

// Start launches the broadcast loop.
func (m *WSManager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case ev := <-m.events:
				m.broadcast(ev)
			}
		}
	}()
}

// Stop closes all client connections and halts the broadcast loop. Clients
// are torn down first so their pump goroutines can exit before the wait.
func (m *WSManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	for c := range m.clients {
		close(c.send)
		c.conn.Close()
		delete(m.clients, c)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *WSManager) broadcast(ev sentinel.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- ev:
		default:
			close(c.send)
			delete(m.clients, c)
		}
	}
}

// HandleEvents upgrades the request and streams events until the client
// disconnects.
func (m *WSManager) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan sentinel.Event, wsClientBuffer),
	}

	m.mu.Lock()
	m.clients[client] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(2)
	go m.writePump(client)
	go m.readPump(client)
}

func (m *WSManager) writePump(c *wsClient) {
	defer m.wg.Done()
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is pong handling and detecting
// disconnects.
func (m *WSManager) readPump(c *wsClient) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if _, ok := m.clients[c]; ok {
			close(c.send)
			delete(m.clients, c)
		}
		m.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *WSManager) healthCheck(ctx context.Context) health.Check {
	m.mu.Lock()
	n := len(m.clients)
	m.mu.Unlock()
	return health.Check{
		Status:  health.StatusHealthy,
		Message: fmt.Sprintf("%d subscribers connected", n),
	}
}
