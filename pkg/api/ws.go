package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned by Send for nodes without a live connection.
var ErrNotConnected = errors.New("node not connected")

type agentConn struct {
	network string
	conn    *websocket.Conn
	mu      sync.Mutex // serializes writes
}

func (c *agentConn) write(msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// WSHub maintains agent connections keyed by node ID.
type WSHub struct {
	// OnConnect runs after a node connects, before its messages are read.
	OnConnect func(nodeID string)
	// OnMessage receives every message read from an agent.
	OnMessage func(nodeID string, msg model.Message)

	upgrader websocket.Upgrader
	log      *slog.Logger
	mu       sync.RWMutex
	agents   map[string]*agentConn
}

func NewWSHub(log *slog.Logger) *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    log,
		agents: map[string]*agentConn{},
	}
}

// HandleAgentWS upgrades and stores the connection for a node; expects
// ?nodeId=xxx&network=yyy.
func (h *WSHub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId required", http.StatusBadRequest)
		return
	}
	network := r.URL.Query().Get("network")
	if network == "" {
		network = DefaultNetwork
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "node", nodeID, logger.Err(err))
		return
	}
	ac := &agentConn{network: network, conn: c}
	h.mu.Lock()
	if old, ok := h.agents[nodeID]; ok {
		_ = old.conn.Close()
	}
	h.agents[nodeID] = ac
	h.mu.Unlock()
	h.log.Info("agent ws connected", "node", nodeID, "network", network)
	if h.OnConnect != nil {
		h.OnConnect(nodeID)
	}
	go h.readLoop(nodeID, ac)
}

// Send sends a message to a node if connected.
func (h *WSHub) Send(nodeID string, msg model.Message) error {
	h.mu.RLock()
	c := h.agents[nodeID]
	h.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.write(msg); err != nil {
		return err
	}
	h.log.Debug("ws send", "node", nodeID, "type", msg.Type)
	return nil
}

// Connected returns the sorted IDs of connected nodes in network, or of all
// nodes when network is empty.
func (h *WSHub) Connected(network string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.agents))
	for id, c := range h.agents {
		if network == "" || c.network == network {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Close drops every agent connection.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.agents {
		_ = c.conn.Close()
		delete(h.agents, id)
	}
}

func (h *WSHub) readLoop(nodeID string, c *agentConn) {
	defer func() {
		_ = c.conn.Close()
		h.mu.Lock()
		if h.agents[nodeID] == c {
			delete(h.agents, nodeID)
		}
		h.mu.Unlock()
		h.log.Info("agent ws disconnected", "node", nodeID)
	}()
	for {
		var msg model.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.log.Debug("ws recv", "node", nodeID, "type", msg.Type)
		if h.OnMessage != nil {
			h.OnMessage(nodeID, msg)
		}
	}
}
