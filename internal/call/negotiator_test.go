package call

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/frikords/calls/internal/models"
)

// signalRecorder captures the signals a negotiator pushes out.
type signalRecorder struct {
	mu      sync.Mutex
	byType  map[models.SignalType][]string
	ordered []models.SignalType
}

func newSignalRecorder() *signalRecorder {
	return &signalRecorder{byType: map[models.SignalType][]string{}}
}

func (r *signalRecorder) send(typ models.SignalType, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = append(r.byType[typ], payload)
	r.ordered = append(r.ordered, typ)
}

func (r *signalRecorder) last(typ models.SignalType) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payloads := r.byType[typ]
	if len(payloads) == 0 {
		return "", false
	}
	return payloads[len(payloads)-1], true
}

// testICE keeps the peer connection offline: no STUN, no TURN, the empty
// non-nil list suppresses the default server fallback.
func testICE() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{}}
}

func newTestNegotiator(t *testing.T, rec *signalRecorder) *Negotiator {
	t.Helper()

	n, err := NewNegotiator(testICE(), SilenceSource{}, "", rec.send, nil)
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	t.Cleanup(n.Close)

	return n
}

func TestNegotiatorOfferAnswerExchange(t *testing.T) {
	callerRec := newSignalRecorder()
	calleeRec := newSignalRecorder()
	caller := newTestNegotiator(t, callerRec)
	callee := newTestNegotiator(t, calleeRec)

	if err := caller.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	offer, ok := callerRec.last(models.SignalTypeOffer)
	if !ok {
		t.Fatal("caller did not send an offer")
	}

	if err := callee.Answer(offer); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	answer, ok := calleeRec.last(models.SignalTypeAnswer)
	if !ok {
		t.Fatal("callee did not send an answer")
	}

	if err := caller.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
}

func TestNegotiatorRejectsStaleOffer(t *testing.T) {
	callerRec := newSignalRecorder()
	caller := newTestNegotiator(t, callerRec)

	if err := caller.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	offer, _ := callerRec.last(models.SignalTypeOffer)

	// With a local offer outstanding the caller must not answer a crossed
	// offer from the peer.
	if err := caller.Answer(offer); !errors.Is(err, ErrStaleOffer) {
		t.Errorf("expected ErrStaleOffer, got %v", err)
	}
}

func TestNegotiatorRejectsAnswerWithoutOffer(t *testing.T) {
	rec := newSignalRecorder()
	n := newTestNegotiator(t, rec)

	if err := n.AcceptAnswer(`{"type":"answer","sdp":""}`); !errors.Is(err, ErrStaleOffer) {
		t.Errorf("expected ErrStaleOffer, got %v", err)
	}
}

func TestNegotiatorQueuesCandidatesUntilDescription(t *testing.T) {
	callerRec := newSignalRecorder()
	calleeRec := newSignalRecorder()
	caller := newTestNegotiator(t, callerRec)
	callee := newTestNegotiator(t, calleeRec)

	candidate := `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host","sdpMLineIndex":0}`

	// Before any remote description the candidate must be queued, not fail.
	if err := callee.AddRemote(candidate); err != nil {
		t.Fatalf("AddRemote before description: %v", err)
	}
	callee.mu.Lock()
	queued := len(callee.pending)
	callee.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued candidate, got %d", queued)
	}

	if err := caller.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	offer, _ := callerRec.last(models.SignalTypeOffer)
	if err := callee.Answer(offer); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// The queue flushes exactly once when the description lands.
	callee.mu.Lock()
	queued = len(callee.pending)
	callee.mu.Unlock()
	if queued != 0 {
		t.Errorf("expected queue flushed, %d candidates remain", queued)
	}

	// Late candidates now apply directly.
	if err := callee.AddRemote(candidate); err != nil {
		t.Errorf("AddRemote after description: %v", err)
	}
}

func TestNegotiatorRejectsMalformedPayloads(t *testing.T) {
	rec := newSignalRecorder()
	n := newTestNegotiator(t, rec)

	if err := n.Answer("not json"); err == nil || errors.Is(err, ErrStaleOffer) {
		t.Errorf("expected a decode error, got %v", err)
	}
	if err := n.AddRemote("not json"); err == nil {
		t.Error("expected a decode error for a malformed candidate")
	}
}

func TestNegotiatorMuteTogglesCapture(t *testing.T) {
	rec := newSignalRecorder()
	n := newTestNegotiator(t, rec)

	if !n.audio.Enabled() {
		t.Fatal("capture must start enabled")
	}
	n.SetMuted(true)
	if n.audio.Enabled() {
		t.Error("expected capture disabled while muted")
	}
	n.SetMuted(false)
	if !n.audio.Enabled() {
		t.Error("expected capture re-enabled after unmute")
	}
}

func TestNegotiatorCloseIsIdempotent(t *testing.T) {
	rec := newSignalRecorder()
	n, err := NewNegotiator(testICE(), SilenceSource{}, "", rec.send, nil)
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}

	n.Close()
	n.Close()
}

func TestNegotiatorPropagatesCaptureFailure(t *testing.T) {
	rec := newSignalRecorder()

	_, err := NewNegotiator(testICE(), OggSource{Path: "testdata/does-not-exist.ogg"}, "", rec.send, nil)
	if !errors.Is(err, ErrMediaAccess) {
		t.Errorf("expected ErrMediaAccess, got %v", err)
	}
}
