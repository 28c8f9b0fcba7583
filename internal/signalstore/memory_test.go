package signalstore

import (
	"context"
	"testing"

	"github.com/frikords/calls/internal/models"
)

func TestMemoryAppendAssignsAscendingIDs(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	first, err := store.Append(ctx, "alice", "bob", models.SignalTypeCall, "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := store.Append(ctx, "alice", "bob", models.SignalTypeOffer, "sdp")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if second.ID <= first.ID {
		t.Errorf("ids must ascend: %d then %d", first.ID, second.ID)
	}
}

func TestMemoryDrainClearsMailbox(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.Append(ctx, "alice", "bob", models.SignalTypeCall, "")
	store.Append(ctx, "alice", "bob", models.SignalTypeOffer, "sdp")
	store.Append(ctx, "alice", "carol", models.SignalTypeCall, "")

	sigs, err := store.Drain(ctx, "bob")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signals for bob, got %d", len(sigs))
	}
	if sigs[0].Type != models.SignalTypeCall || sigs[1].Payload != "sdp" {
		t.Errorf("unexpected order %+v", sigs)
	}

	// Delivery is acknowledgement: a second drain finds nothing.
	again, err := store.Drain(ctx, "bob")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("mailbox not cleared, got %+v", again)
	}

	// Carol's mailbox is untouched.
	carol, _ := store.Drain(ctx, "carol")
	if len(carol) != 1 {
		t.Errorf("expected 1 signal for carol, got %d", len(carol))
	}
}

func TestMemoryDrainEmptyMailbox(t *testing.T) {
	store := NewMemory()

	sigs, err := store.Drain(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(sigs) != 0 {
		t.Errorf("expected no signals, got %+v", sigs)
	}
}
