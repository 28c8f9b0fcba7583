package signalstore

import (
	"context"

	"github.com/frikords/calls/internal/models"
)

// Store holds per-user signal mailboxes. Signals are immutable once appended
// and are handed out exactly once: Drain returns everything currently queued
// for a user and clears the mailbox in the same step, so delivery doubles as
// acknowledgement.
type Store interface {
	// Append assigns the next ascending id and queues the signal for the
	// recipient. The returned Signal carries the assigned id.
	Append(ctx context.Context, from, to string, typ models.SignalType, payload string) (models.Signal, error)

	// Drain returns all signals queued for userID, oldest first, and removes
	// them from the mailbox.
	Drain(ctx context.Context, userID string) ([]models.Signal, error)
}
