package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const wsActionTimeout = 10 * time.Second

// WSMessage represents a game action sent by the client
type WSMessage struct {
	Action       string `json:"action"` // kill | task | sabotage | meeting
	TargetID     string `json:"target_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Completed    bool   `json:"completed,omitempty"`
	SabotageType string `json:"sabotage_type,omitempty"`
}

// ChangeHint tells clients which document changed so they can refetch it.
// Document contents are never pushed.
type ChangeHint struct {
	Event string `json:"event"` // always "change"
	Path  string `json:"path"`
	Op    string `json:"op"`
}

// ActionReply answers a WSMessage on the connection that sent it
type ActionReply struct {
	Event  string `json:"event"` // always "result"
	Action string `json:"action"`
	Result any    `json:"result"`
}

// Client represents a websocket connection with player info
type Client struct {
	conn     *websocket.Conn
	playerID string
	limiter  *rate.Limiter
	writeMu  sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

// WebSocket hub for pushing change hints to all connected clients
type Hub struct {
	engine      *Engine
	clients     map[*websocket.Conn]*Client
	broadcast   chan []byte
	register    chan *Client
	unregister  chan *websocket.Conn
	mu          sync.RWMutex
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	limit       rate.Limit
	burst       int
	unsubscribe func()
}

func newHub(engine *Engine, limit rate.Limit, burst int) *Hub {
	h := &Hub{
		engine:     engine,
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
		limit:      limit,
		burst:      burst,
	}
	h.unsubscribe = engine.store.Subscribe("", h.onChange)
	return h
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	h.shutdown()
	h.wg.Wait()
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		h.unsubscribe()
		close(h.done)
	})
}

// onChange runs on the writer's goroutine, so it must never block
func (h *Hub) onChange(c Change) {
	if strings.HasPrefix(c.Path, pathSessions+"/") {
		return
	}
	data, err := json.Marshal(ChangeHint{Event: "change", Path: c.Path, Op: c.Op})
	if err != nil {
		logError("hub.onChange", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("WebSocket broadcast queue full, dropping change hint for %s", c.Path)
	}
}

func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendToPlayer(playerID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.playerID == playerID {
			LogWSMessage("OUT", playerID, string(message))
			if err := client.write(message); err != nil {
				log.Printf("WebSocket write error to player %s: %v", playerID, err)
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// setPresence marks a player online or offline without touching eliminated players
func (h *Hub) setPresence(playerID string, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()
	err := h.engine.SetStatus(ctx, playerID, status)
	if err != nil && !errors.Is(err, ErrPlayerEliminated) {
		logError("hub.setPresence", err)
	}
}

func (h *Hub) run(ctx context.Context) error {
	h.wg.Add(1)
	defer h.wg.Done()
	defer h.closeAll()
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-h.done:
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (player %s). Total: %d", client.playerID, total)
			h.setPresence(client.playerID, StatusOnline)

		case conn := <-h.unregister:
			var offlinePlayerID string
			h.mu.Lock()
			client, ok := h.clients[conn]
			if ok {
				delete(h.clients, conn)
				conn.Close()

				// Check if player has any remaining connections
				hasOtherConn := false
				for _, c := range h.clients {
					if c.playerID == client.playerID {
						hasOtherConn = true
						break
					}
				}
				if !hasOtherConn {
					offlinePlayerID = client.playerID
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)
			// SetStatus publishes a change, which only queues on h.broadcast
			if offlinePlayerID != "" {
				DebugLog("hub.unregister", "Player %s has no more connections", offlinePlayerID)
				h.setPresence(offlinePlayerID, StatusOffline)
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn, client := range h.clients {
				if err := client.write(message); err != nil {
					log.Printf("WebSocket write error: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	playerID, ok := sessionFromRequest(r.Context(), h.engine, r)
	if !ok {
		DebugLog("handleWebSocket", "Rejected WebSocket connection - not logged in")
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for player %s: %v", playerID, err)
		return
	}

	DebugLog("handleWebSocket", "WebSocket upgraded for player %s", playerID)
	client := &Client{conn: conn, playerID: playerID, limiter: rate.NewLimiter(h.limit, h.burst)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Handle messages and disconnection
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
				conn.Close()
			}
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			h.handleWSMessage(client, message)
		}
	}()
}

func (h *Hub) handleWSMessage(client *Client, message []byte) {
	LogWSMessage("IN", client.playerID, string(message))

	if !client.limiter.Allow() {
		h.sendErrorToast(client.playerID, "Too many actions, slow down")
		return
	}

	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("Invalid WebSocket message from player %s: %v", client.playerID, err)
		h.sendErrorToast(client.playerID, "Invalid message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()

	var result any
	var err error
	switch msg.Action {
	case "kill":
		result, err = h.engine.PerformKill(ctx, client.playerID, msg.TargetID)
	case "task":
		result, err = h.engine.RecordTaskOutcome(ctx, client.playerID, msg.TaskID, msg.Completed)
	case "sabotage":
		result, err = h.engine.TriggerSabotage(ctx, client.playerID, msg.SabotageType)
	case "meeting":
		result, err = h.engine.CallMeeting(ctx, client.playerID)
	default:
		log.Printf("Unknown WebSocket action from player %s: %s", client.playerID, msg.Action)
		h.sendErrorToast(client.playerID, "Unknown action")
		return
	}
	if err != nil {
		logError("handleWSMessage: "+msg.Action, err)
		h.sendErrorToast(client.playerID, "Server unavailable, try again")
		return
	}

	data, err := json.Marshal(ActionReply{Event: "result", Action: msg.Action, Result: result})
	if err != nil {
		logError("handleWSMessage: encode reply", err)
		return
	}
	h.sendToPlayer(client.playerID, data)
}
