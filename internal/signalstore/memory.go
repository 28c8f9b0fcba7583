package signalstore

import (
	"context"
	"sync"

	"github.com/frikords/calls/internal/models"
)

// Memory is an in-process Store used by tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	boxes  map[string][]models.Signal
}

func NewMemory() *Memory {
	return &Memory{boxes: make(map[string][]models.Signal)}
}

func (m *Memory) Append(_ context.Context, from, to string, typ models.SignalType, payload string) (models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sig := models.Signal{
		ID:      m.nextID,
		From:    from,
		To:      to,
		Type:    typ,
		Payload: payload,
	}
	m.boxes[to] = append(m.boxes[to], sig)

	return sig, nil
}

func (m *Memory) Drain(_ context.Context, userID string) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sigs := m.boxes[userID]
	delete(m.boxes, userID)

	return sigs, nil
}
