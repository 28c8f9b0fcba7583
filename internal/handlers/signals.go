package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
	"github.com/frikords/calls/internal/signalstore"
)

// SignalAPI serves the call-signal exchange endpoints. Sends append to the
// recipient's mailbox; polls drain it. When the recipient holds a websocket,
// the hub is woken so queued signals are pushed immediately instead of
// waiting for the next poll.
type SignalAPI struct {
	store signalstore.Store
	hub   *Hub
}

func NewSignalAPI(store signalstore.Store, hub *Hub) *SignalAPI {
	return &SignalAPI{store: store, hub: hub}
}

// Send handles POST /api/calls/signal
func (a *SignalAPI) Send(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.deliver(c, userID.(string), req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

// Poll handles GET /api/calls/signal. Every signal is returned at most once:
// the mailbox is cleared as part of the read.
func (a *SignalAPI) Poll(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	sigs, err := a.store.Drain(c, userID.(string))
	if err != nil {
		logging.Errorf("drain signals for %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch signals"})
		return
	}

	if sigs == nil {
		sigs = []models.Signal{}
	}

	c.JSON(http.StatusOK, models.PollSignalsResponse{Signals: sigs})
}

func (a *SignalAPI) deliver(ctx context.Context, from string, req models.SendSignalRequest) error {
	if !models.ValidSignalType(req.Type) {
		return errUnknownSignalType
	}
	if req.To == from {
		return errSelfSignal
	}

	sig, err := a.store.Append(ctx, from, req.To, req.Type, req.Payload)
	if err != nil {
		logging.Errorf("queue signal %s -> %s: %v", from, req.To, err)
		return errStoreSignal
	}

	logging.Debugf("signal %d: %s -> %s [%s]", sig.ID, from, req.To, req.Type)

	if a.hub != nil {
		a.hub.Wake(req.To)
	}

	return nil
}
