package call

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
)

// Connectivity is the distilled health of the peer link, merged from pion's
// ICE and peer-connection state callbacks.
type Connectivity int

const (
	ConnectivityNew Connectivity = iota
	ConnectivityConnected
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

// ICEConfig selects the STUN/TURN servers used for connection establishment.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// DefaultICEServers mirrors the set the web client ships with.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun.relay.metered.ca:80"}},
	{URLs: []string{"turn:global.relay.metered.ca:80"}, Username: "openrelayproject", Credential: "openrelayproject"},
	{URLs: []string{"turn:global.relay.metered.ca:443"}, Username: "openrelayproject", Credential: "openrelayproject"},
}

// sendFunc pushes one signal to the session peer, best effort.
type sendFunc func(typ models.SignalType, payload string)

// Negotiator owns exactly one peer connection and the local audio capture for
// the lifetime of a call session. It translates call intents into the
// offer/answer/ICE exchange and buffers remote candidates that arrive before
// the remote description is set.
type Negotiator struct {
	mu sync.Mutex

	pc    *webrtc.PeerConnection
	audio *LocalAudio

	send           sendFunc
	onConnectivity func(Connectivity)

	// Remote candidates received before the remote description. Flushed in
	// arrival order exactly once, immediately after the description is set.
	pending   []webrtc.ICECandidateInit
	hasRemote bool

	closeOnce sync.Once
}

// NewNegotiator acquires the audio capture and constructs a fresh peer
// connection with the capture attached. A capture failure returns an error
// matching ErrMediaAccess and leaves nothing to tear down.
func NewNegotiator(cfg ICEConfig, source MediaSource, deviceID string, send sendFunc, onConnectivity func(Connectivity)) (*Negotiator, error) {
	audio, err := source.Capture(deviceID)
	if err != nil {
		return nil, err
	}

	servers := cfg.Servers
	if servers == nil {
		servers = DefaultICEServers
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		audio.Close()
		return nil, errors.Wrap(err, "peer connection")
	}

	if _, err := pc.AddTrack(audio.Track()); err != nil {
		audio.Close()
		pc.Close()
		return nil, errors.Wrap(err, "attach local audio")
	}

	n := &Negotiator{
		pc:             pc,
		audio:          audio,
		send:           send,
		onConnectivity: onConnectivity,
	}

	pc.OnICECandidate(n.onICECandidate)
	pc.OnICEConnectionStateChange(n.onICEState)
	pc.OnConnectionStateChange(n.onConnState)

	return n, nil
}

// OnRemoteTrack registers a handler for the peer's incoming audio. Must be
// called before the remote description is applied.
func (n *Negotiator) OnRemoteTrack(h func(*webrtc.TrackRemote)) {
	if h == nil {
		return
	}
	n.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h(track)
	})
}

// Offer produces the local session description and sends it to the peer.
func (n *Negotiator) Offer() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local offer")
	}

	n.sendDescription(offer)

	return nil
}

// Answer applies a remote offer, flushes queued candidates and responds with
// a local answer. Offers arriving while negotiation is already in progress
// are rejected with ErrStaleOffer and must be dropped by the caller.
func (n *Negotiator) Answer(payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		return ErrStaleOffer
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &offer); err != nil {
		return errors.Wrap(err, "decode offer")
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return errors.Wrap(err, "set remote offer")
	}
	n.hasRemote = true
	n.flushPendingLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local answer")
	}

	n.sendDescription(answer)

	return nil
}

// AcceptAnswer applies the peer's answer to an outstanding local offer and
// flushes queued candidates. Answers with no offer outstanding are rejected
// with ErrStaleOffer.
func (n *Negotiator) AcceptAnswer(payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrStaleOffer
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &answer); err != nil {
		return errors.Wrap(err, "decode answer")
	}

	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return errors.Wrap(err, "set remote answer")
	}
	n.hasRemote = true
	n.flushPendingLocked()

	return nil
}

// AddRemote applies a remote ICE candidate, or queues it if the remote
// description is not set yet. Queued candidates are never reordered.
func (n *Negotiator) AddRemote(payload string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &candidate); err != nil {
		return errors.Wrap(err, "decode candidate")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.hasRemote {
		n.pending = append(n.pending, candidate)
		return nil
	}

	return errors.Wrap(n.pc.AddICECandidate(candidate), "add candidate")
}

// RestartICE renegotiates connectivity on the existing session by sending a
// fresh offer with the restart flag set.
func (n *Negotiator) RestartICE() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	offer, err := n.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return errors.Wrap(err, "create restart offer")
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set restart offer")
	}

	n.sendDescription(offer)

	return nil
}

// SetMuted toggles the local feed without touching negotiation.
func (n *Negotiator) SetMuted(muted bool) {
	n.audio.SetEnabled(!muted)
}

// Close stops the capture and closes the peer connection. Idempotent.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.audio.Close()
		if err := n.pc.Close(); err != nil {
			logging.Debugf("close peer connection: %v", err)
		}
	})
}

func (n *Negotiator) flushPendingLocked() {
	for _, candidate := range n.pending {
		if err := n.pc.AddICECandidate(candidate); err != nil {
			logging.Debugf("apply queued candidate: %v", err)
		}
	}
	n.pending = nil
}

func (n *Negotiator) sendDescription(desc webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		logging.Errorf("marshal %s: %v", desc.Type, err)
		return
	}

	typ := models.SignalTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		typ = models.SignalTypeAnswer
	}

	n.send(typ, string(payload))
}

func (n *Negotiator) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	if n.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return
	}

	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		logging.Errorf("marshal candidate: %v", err)
		return
	}

	n.send(models.SignalTypeICE, string(payload))
}

func (n *Negotiator) onICEState(state webrtc.ICEConnectionState) {
	logging.Debugf("ice connection state: %s", state)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.notify(ConnectivityConnected)
	case webrtc.ICEConnectionStateDisconnected:
		n.notify(ConnectivityDisconnected)
	case webrtc.ICEConnectionStateFailed:
		n.notify(ConnectivityFailed)
	case webrtc.ICEConnectionStateClosed:
		n.notify(ConnectivityClosed)
	}
}

func (n *Negotiator) onConnState(state webrtc.PeerConnectionState) {
	logging.Debugf("peer connection state: %s", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.notify(ConnectivityConnected)
	case webrtc.PeerConnectionStateFailed:
		n.notify(ConnectivityFailed)
	case webrtc.PeerConnectionStateClosed:
		n.notify(ConnectivityClosed)
	}
}

func (n *Negotiator) notify(c Connectivity) {
	if n.onConnectivity != nil {
		n.onConnectivity(c)
	}
}
