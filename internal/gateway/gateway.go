// Package gateway pushes application events to connected editor surfaces
// over WebSocket: auth state changes, per-document sync status and
// workspace file events.
package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marksync/internal/auth"
	"marksync/internal/store"
	syncpkg "marksync/internal/sync"
	"marksync/internal/watcher"
)

// Event is the wire envelope for every pushed message.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type wsConnection struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Gateway is a broadcast hub. It implements the sync surface interface and
// subscribes to auth changes, so registering it wires the UI event stream.
type Gateway struct {
	mu       sync.RWMutex
	conns    []*wsConnection
	upgrader websocket.Upgrader
	server   *http.Server
	port     int
}

func New() *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Loopback-only server; the listener enforces the boundary.
				return true
			},
		},
	}
}

// Start binds a loopback listener for editor surfaces. Port 0 picks an
// ephemeral port; Port() reports the bound one.
func (g *Gateway) Start(port int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", g.handleWebSocket)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	g.port = listener.Addr().(*net.TCPAddr).Port

	g.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[GATEWAY] Server error: %v", err)
		}
	}(g.server)

	log.Printf("[GATEWAY] Event gateway listening on 127.0.0.1:%d", g.port)
	return nil
}

// Port returns the bound port, or 0 when not started.
func (g *Gateway) Port() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.port
}

// Close drops every connection and stops the listener.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.conns {
		c.conn.Close()
	}
	g.conns = nil

	if g.server != nil {
		err := g.server.Close()
		g.server = nil
		g.port = 0
		return err
	}
	return nil
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[GATEWAY] Upgrade error: %v", err)
		return
	}

	wsConn := &wsConnection{conn: conn}
	g.register(wsConn)
	defer g.unregister(wsConn)

	log.Printf("[GATEWAY] Surface connected from %s", r.RemoteAddr)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	go g.pingLoop(wsConn)

	// Inbound traffic is drained but otherwise ignored; commands flow
	// through the HTTP API, events flow back through here.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[GATEWAY] Read error: %v", err)
			}
			return
		}
	}
}

func (g *Gateway) pingLoop(c *wsConnection) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (g *Gateway) register(c *wsConnection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns = append(g.conns, c)
}

func (g *Gateway) unregister(c *wsConnection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.conns {
		if existing == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			break
		}
	}
	c.conn.Close()
}

// Broadcast sends one event to every connected surface.
func (g *Gateway) Broadcast(eventType string, data interface{}) {
	event := Event{Type: eventType, Data: data, Timestamp: time.Now()}

	raw, err := json.Marshal(event)
	if err != nil {
		log.Printf("[GATEWAY] Failed to serialize %s event: %v", eventType, err)
		return
	}

	g.mu.RLock()
	conns := make([]*wsConnection, len(g.conns))
	copy(conns, g.conns)
	g.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			log.Printf("[GATEWAY] Write error: %v", err)
		}
		c.mu.Unlock()
	}
}

// SyncStatusChanged implements the sync surface contract.
func (g *Gateway) SyncStatusChanged(doc *store.Document, status syncpkg.Status) {
	info := status.Info()
	g.Broadcast("sync_status", map[string]interface{}{
		"docId":   doc.ID,
		"title":   doc.Title,
		"status":  status,
		"icon":    info.Icon,
		"tooltip": info.Tooltip,
	})
}

// AuthStateChanged is registered as a session observer.
func (g *Gateway) AuthStateChanged(identity *auth.Identity) {
	data := map[string]interface{}{"authenticated": identity != nil}
	if identity != nil {
		data["provider"] = identity.Provider
		data["user"] = identity.User
	}
	g.Broadcast("auth_changed", data)
}

// WorkspaceFileChanged forwards debounced workspace file events.
func (g *Gateway) WorkspaceFileChanged(ev watcher.FileEvent) {
	g.Broadcast("workspace_file", ev)
}
