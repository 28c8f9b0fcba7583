package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/frikords/calls/internal/models"
)

func testConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		ConnectTimeout:  80 * time.Millisecond,
		DisconnectGrace: 40 * time.Millisecond,
		DismissDelay:    10 * time.Millisecond,
		durationTick:    10 * time.Millisecond,
	}
}

// fakeTransport records sends and serves queued poll batches.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []models.Signal
	batches [][]models.Signal
}

func (f *fakeTransport) Send(_ context.Context, to string, typ models.SignalType, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, models.Signal{To: to, Type: typ, Payload: payload})
	return nil
}

func (f *fakeTransport) Poll(_ context.Context) ([]models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeTransport) queue(batch []models.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *fakeTransport) sentTo(to string, typ models.SignalType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, sig := range f.sent {
		if sig.To == to && sig.Type == typ {
			count++
		}
	}
	return count
}

// fakeNegotiation records the operations a session drives it through.
type fakeNegotiation struct {
	mu        sync.Mutex
	ops       []string
	answerErr error
	acceptErr error
	closed    int
}

func (f *fakeNegotiation) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeNegotiation) Offer() error {
	f.record("offer")
	return nil
}

func (f *fakeNegotiation) Answer(payload string) error {
	if f.answerErr != nil {
		return f.answerErr
	}
	f.record("answer:" + payload)
	return nil
}

func (f *fakeNegotiation) AcceptAnswer(payload string) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.record("accept:" + payload)
	return nil
}

func (f *fakeNegotiation) AddRemote(payload string) error {
	f.record("candidate:" + payload)
	return nil
}

func (f *fakeNegotiation) RestartICE() error {
	f.record("restart")
	return nil
}

func (f *fakeNegotiation) SetMuted(muted bool) {
	f.record(fmt.Sprintf("mute:%v", muted))
}

func (f *fakeNegotiation) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeNegotiation) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeNegotiation) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
