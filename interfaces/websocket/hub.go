// Package websocket is the realtime transport for editors connected
// directly to this process. Each connection owns one edit session.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub tracks live connections. One user can have several.
type Hub struct {
	connections map[string]map[*Client]struct{} // userID -> clients
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// closes in flight; a graceful close may wait on store commits
	closers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

// NewHub creates a hub; call Run to start it
func NewHub(logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connections: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run processes registrations until Stop
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("Hub shutting down")
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

// Stop closes every connection and waits for Run and pending closes to return
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

func (h *Hub) add(c *Client) {
	if c.closed() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[c.userID] == nil {
		h.connections[c.userID] = make(map[*Client]struct{})
	}
	h.connections[c.userID][c] = struct{}{}

	h.logger.Info("Client registered",
		zap.String("userID", c.userID),
		zap.String("connectionID", c.id),
		zap.Int("userConnections", len(h.connections[c.userID])),
	)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	clients, ok := h.connections[c.userID]
	if ok {
		if _, ok = clients[c]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.connections, c.userID)
			}
		}
	}
	h.mu.Unlock()

	h.shutdown(c)
	if !ok {
		return
	}
	h.logger.Info("Client unregistered",
		zap.String("userID", c.userID),
		zap.String("connectionID", c.id),
	)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Client
	for userID, clients := range h.connections {
		for c := range clients {
			all = append(all, c)
		}
		delete(h.connections, userID)
	}
	h.mu.Unlock()

	for _, c := range all {
		h.shutdown(c)
	}
	h.closers.Wait()
	h.logger.Info("All connections closed", zap.Int("count", len(all)))
}

// shutdown closes c off the Run loop so registrations keep flowing
func (h *Hub) shutdown(c *Client) {
	h.closers.Add(1)
	go func() {
		defer h.closers.Done()
		c.shutdown(true)
	}()
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.connections {
		n += len(clients)
	}
	return n
}

// UserConnections returns the number of live connections of one user
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}
