package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/middleware"
	"github.com/frikords/calls/internal/models"
	"github.com/frikords/calls/internal/signalstore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub tracks the websocket connection of each online user. A user holds at
// most one socket; a fresh connect replaces the previous one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient is one user's push channel. Signals are never written to the
// socket directly: the client drains the shared mailbox whenever woken, so a
// signal reaches exactly one consumer even if the user polls over HTTP at
// the same time.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*wsClient)}
}

// Wake nudges the user's socket, if any, to drain their mailbox.
func (h *Hub) Wake(userID string) {
	h.mu.RLock()
	client := h.clients[userID]
	h.mu.RUnlock()

	if client == nil {
		return
	}

	select {
	case client.wake <- struct{}{}:
	default:
		// A drain is already pending.
	}
}

func (h *Hub) add(client *wsClient) {
	h.mu.Lock()
	prev := h.clients[client.userID]
	h.clients[client.userID] = client
	h.mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if h.clients[client.userID] == client {
		delete(h.clients, client.userID)
	}
	h.mu.Unlock()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// HandleSignalSocket upgrades GET /ws/signals to a websocket push channel.
// Browsers cannot set headers on websocket requests, so the JWT arrives as a
// query parameter.
func HandleSignalSocket(api *SignalAPI, hub *Hub, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
			return
		}

		userID, err := middleware.ParseUserID(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Errorf("failed to upgrade connection: %v", err)
			return
		}

		client := &wsClient{
			userID: userID,
			conn:   conn,
			wake:   make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
		hub.add(client)

		logging.Infof("user %s connected to signal socket", userID)

		// Flush anything queued while the user was offline.
		hub.Wake(userID)

		go client.writePump(api.store, hub)
		go client.readPump(api, hub)
	}
}

func (c *wsClient) readPump(api *SignalAPI, hub *Hub) {
	defer func() {
		hub.remove(c)
		c.close()
		logging.Infof("user %s disconnected from signal socket", c.userID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warnf("websocket error: %v", err)
			}
			return
		}

		var req models.SendSignalRequest
		if err := json.Unmarshal(message, &req); err != nil {
			logging.Warnf("failed to parse signal frame from %s: %v", c.userID, err)
			continue
		}

		// Inbound frames are routed exactly like POSTed sends.
		if err := api.deliver(context.Background(), c.userID, req); err != nil {
			logging.Debugf("drop signal frame from %s: %v", c.userID, err)
		}
	}
}

func (c *wsClient) writePump(store signalstore.Store, hub *Hub) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.wake:
			sigs, err := store.Drain(context.Background(), c.userID)
			if err != nil {
				logging.Errorf("drain signals for %s: %v", c.userID, err)
				continue
			}
			for _, sig := range sigs {
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.conn.WriteJSON(sig); err != nil {
					logging.Warnf("failed to push signal to %s: %v", c.userID, err)
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
