package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
)

// State is the lifecycle phase of a call session.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Config carries the tunables of a call session. Zero values fall back to
// the defaults the web client shipped with.
type Config struct {
	ICE      ICEConfig
	DeviceID string

	PollInterval    time.Duration
	ConnectTimeout  time.Duration
	DisconnectGrace time.Duration
	DismissDelay    time.Duration

	durationTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 800 * time.Millisecond
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 45 * time.Second
	}
	if c.DisconnectGrace == 0 {
		c.DisconnectGrace = 5 * time.Second
	}
	if c.DismissDelay == 0 {
		c.DismissDelay = 1500 * time.Millisecond
	}
	if c.durationTick == 0 {
		c.durationTick = time.Second
	}
	return c
}

// Snapshot is the observable surface of a session, safe to hand to a UI.
type Snapshot struct {
	SessionID       string
	PeerID          string
	PeerName        string
	State           State
	Muted           bool
	DurationSeconds int
	Reason          string
}

// negotiation is the slice of the Negotiator a session drives.
type negotiation interface {
	Offer() error
	Answer(payload string) error
	AcceptAnswer(payload string) error
	AddRemote(payload string) error
	RestartICE() error
	SetMuted(bool)
	Close()
}

// Session is one call attempt between the local user and a single peer. All
// mutable state lives here and changes only under the session lock; async
// completions arriving after the session ended check the ended flag and
// release whatever they acquired.
type Session struct {
	id       string
	peerID   string
	peerName string

	cfg       Config
	transport Transport
	media     MediaSource

	// negotiate overrides real negotiator construction in tests.
	negotiate func() (negotiation, error)

	onChange    func(Snapshot)
	onDismiss   func()
	remoteTrack func(*webrtc.TrackRemote)

	mu               sync.Mutex
	state            State
	muted            bool
	duration         int
	reason           string
	ended            bool
	restarted        bool
	lastConnectivity Connectivity
	neg              negotiation
	// Candidates that arrived before the peer connection existed (callee
	// side, before the offer). Replayed into the negotiator's queue as soon
	// as it is created.
	earlyCandidates []string

	dispatcher   *dispatcher
	poll         *poller
	connectTimer *time.Timer
	graceTimer   *time.Timer
	durationStop chan struct{}
}

type sessionParams struct {
	cfg       Config
	transport Transport
	media     MediaSource
	peerID    string
	peerName  string
	onChange  func(Snapshot)
	onDismiss func()
	negotiate func() (negotiation, error)
}

func newSession(p sessionParams) *Session {
	s := &Session{
		id:        uuid.New().String(),
		peerID:    p.peerID,
		peerName:  p.peerName,
		cfg:       p.cfg.withDefaults(),
		transport: p.transport,
		media:     p.media,
		negotiate: p.negotiate,
		onChange:  p.onChange,
		onDismiss: p.onDismiss,
		state:     StateIdle,
	}
	s.dispatcher = newDispatcher(p.peerID, s, s.busyReply)
	return s
}

// placeCall runs the outbound leg: capture first, so a denied microphone
// never produces a half-open call, then ring, offer and start polling for
// the peer's response.
func (s *Session) placeCall() error {
	neg, err := s.createNegotiator()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.neg = neg
	s.state = StateCalling
	s.mu.Unlock()
	s.notify()

	s.sendSignal(models.SignalTypeCall, "")

	if err := neg.Offer(); err != nil {
		s.end("negotiation failed")
		return err
	}

	s.armConnectTimeout()
	s.startPolling()

	logging.Infof("session %s: calling %s", s.id, s.peerID)

	return nil
}

// ring runs the inbound leg: the session rings locally and polls for the
// caller's offer while the user decides. No media is captured until accept.
func (s *Session) ring() {
	s.mu.Lock()
	s.state = StateIncoming
	s.mu.Unlock()
	s.notify()

	s.startPolling()

	logging.Infof("session %s: incoming call from %s", s.id, s.peerID)
}

// Accept answers an incoming call. The immediate poll picks up an offer that
// may already be waiting in the mailbox.
func (s *Session) Accept() {
	s.mu.Lock()
	if s.state != StateIncoming || s.ended {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	poll := s.poll
	s.mu.Unlock()
	s.notify()

	if poll != nil {
		poll.PollNow()
	}
}

// Reject declines an incoming call.
func (s *Session) Reject() {
	s.mu.Lock()
	if s.state != StateIncoming || s.ended {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendSignal(models.SignalTypeReject, "")
	s.end("call declined")
}

// HangUp ends the call from the local side, in any state.
func (s *Session) HangUp() {
	s.sendSignal(models.SignalTypeHangup, "")
	s.end("call ended")
}

// ToggleMute flips the local feed while the call is active. It never changes
// the session state and never triggers renegotiation.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	if s.state != StateActive || s.ended {
		s.mu.Unlock()
		return
	}
	s.muted = !s.muted
	muted := s.muted
	neg := s.neg
	s.mu.Unlock()

	if neg != nil {
		neg.SetMuted(muted)
	}
	s.notify()
}

// Deliver routes an externally fetched signal batch into the session. The
// session's own polling loop uses the same entry point.
func (s *Session) Deliver(batch []models.Signal) {
	s.dispatcher.Dispatch(batch)
}

// OnRemoteTrack registers a handler for the peer's audio. Must be set before
// negotiation starts to take effect.
func (s *Session) OnRemoteTrack(h func(*webrtc.TrackRemote)) {
	s.remoteTrack = h
}

func (s *Session) SessionID() string { return s.id }
func (s *Session) PeerID() string    { return s.peerID }
func (s *Session) PeerName() string  { return s.peerName }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:       s.id,
		PeerID:          s.peerID,
		PeerName:        s.peerName,
		State:           s.state,
		Muted:           s.muted,
		DurationSeconds: s.duration,
		Reason:          s.reason,
	}
}

// --- signal sink (called by the dispatcher, one batch at a time) ---

func (s *Session) handleOffer(payload string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateIncoming, StateCalling, StateConnecting, StateActive:
	default:
		s.mu.Unlock()
		return
	}
	neg := s.neg
	early := s.earlyCandidates
	s.earlyCandidates = nil
	s.mu.Unlock()

	if neg == nil {
		created, err := s.createNegotiator()
		if err != nil {
			if errors.Is(err, ErrMediaAccess) {
				s.end("microphone unavailable")
			} else {
				s.end("connection setup failed")
			}
			return
		}

		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			// The user hung up while the capture was being acquired;
			// release it again.
			created.Close()
			return
		}
		s.neg = created
		s.mu.Unlock()
		neg = created

		// Candidates that outran the offer go through the negotiator's
		// queue so they apply after the description, in arrival order.
		for _, candidate := range early {
			if err := neg.AddRemote(candidate); err != nil {
				logging.Debugf("session %s: early candidate: %v", s.id, err)
			}
		}
	}

	if err := neg.Answer(payload); err != nil {
		if errors.Is(err, ErrStaleOffer) {
			logging.Debugf("session %s: stale offer from %s ignored", s.id, s.peerID)
			return
		}
		logging.Errorf("session %s: answer offer: %v", s.id, err)
		return
	}

	s.armConnectTimeout()
}

func (s *Session) handleAnswer(payload string) {
	s.mu.Lock()
	neg := s.neg
	ended := s.ended
	s.mu.Unlock()

	if ended || neg == nil {
		return
	}

	if err := neg.AcceptAnswer(payload); err != nil {
		if errors.Is(err, ErrStaleOffer) {
			logging.Debugf("session %s: stale answer from %s ignored", s.id, s.peerID)
			return
		}
		logging.Errorf("session %s: apply answer: %v", s.id, err)
	}
}

func (s *Session) handleCandidate(payload string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	if neg == nil {
		// No peer connection yet; hold the candidate for replay once the
		// offer arrives.
		s.earlyCandidates = append(s.earlyCandidates, payload)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := neg.AddRemote(payload); err != nil {
		logging.Debugf("session %s: add candidate: %v", s.id, err)
	}
}

func (s *Session) handleEnd(typ models.SignalType) {
	switch typ {
	case models.SignalTypeReject:
		s.end("call declined")
	case models.SignalTypeBusy:
		s.end("line busy")
	default:
		s.end("call ended")
	}
}

// --- connectivity (called by the negotiator) ---

func (s *Session) handleConnectivity(c Connectivity) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.lastConnectivity = c

	switch c {
	case ConnectivityConnected:
		s.cancelConnectTimeoutLocked()
		s.cancelGraceLocked()
		// A successful (re)connect earns back the one restart attempt.
		s.restarted = false
		if s.state != StateActive {
			s.state = StateActive
			s.startDurationLocked()
		}
		s.mu.Unlock()
		s.notify()

	case ConnectivityFailed:
		if s.restarted {
			s.mu.Unlock()
			s.end("connection failed")
			return
		}
		s.restarted = true
		neg := s.neg
		s.mu.Unlock()

		logging.Infof("session %s: connectivity failed, restarting ICE", s.id)
		if neg != nil {
			if err := neg.RestartICE(); err != nil {
				logging.Errorf("session %s: ice restart: %v", s.id, err)
				s.end("connection failed")
			}
		}

	case ConnectivityDisconnected:
		s.armGraceLocked()
		s.mu.Unlock()

	case ConnectivityClosed:
		s.mu.Unlock()
		s.end("connection closed")

	default:
		s.mu.Unlock()
	}
}

// --- plumbing ---

func (s *Session) createNegotiator() (negotiation, error) {
	if s.negotiate != nil {
		return s.negotiate()
	}

	n, err := NewNegotiator(s.cfg.ICE, s.media, s.cfg.DeviceID, s.sendSignal, s.handleConnectivity)
	if err != nil {
		return nil, err
	}
	n.OnRemoteTrack(s.remoteTrack)

	return n, nil
}

func (s *Session) startPolling() {
	s.mu.Lock()
	if s.ended || s.poll != nil {
		s.mu.Unlock()
		return
	}
	s.poll = newPoller(s.transport, s.cfg.PollInterval, s.Deliver)
	s.mu.Unlock()
}

func (s *Session) sendSignal(typ models.SignalType, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Best effort: lost signals are compensated by the connect timeout and
	// ICE restart, not by transport retries.
	if err := s.transport.Send(ctx, s.peerID, typ, payload); err != nil {
		logging.Debugf("session %s: send %s: %v", s.id, typ, err)
	}
}

// busyReply tells a third-party caller the line is taken. It deliberately
// touches nothing on the session itself.
func (s *Session) busyReply(to string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.transport.Send(ctx, to, models.SignalTypeBusy, ""); err != nil {
		logging.Debugf("session %s: busy reply to %s: %v", s.id, to, err)
	}
}

func (s *Session) armConnectTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.cancelConnectTimeoutLocked()
	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.end("no connection established")
	})
}

func (s *Session) cancelConnectTimeoutLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) armGraceLocked() {
	if s.graceTimer != nil {
		return
	}
	s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.mu.Lock()
		s.graceTimer = nil
		lost := !s.ended && s.lastConnectivity == ConnectivityDisconnected
		s.mu.Unlock()

		if lost {
			s.end("connection lost")
		}
	})
}

func (s *Session) cancelGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) startDurationLocked() {
	if s.durationStop != nil {
		return
	}
	stop := make(chan struct{})
	s.durationStop = stop

	tick := s.cfg.durationTick
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.ended {
					s.mu.Unlock()
					return
				}
				s.duration++
				s.mu.Unlock()
				s.notify()
			}
		}
	}()
}

// end moves the session to its terminal state exactly once: timers and the
// polling loop stop, media and the peer connection are released, and only
// then is the host told to dismiss the call.
func (s *Session) end(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.reason = reason
	s.state = StateEnded
	s.cancelConnectTimeoutLocked()
	s.cancelGraceLocked()
	if s.durationStop != nil {
		close(s.durationStop)
		s.durationStop = nil
	}
	neg := s.neg
	poll := s.poll
	s.mu.Unlock()

	if poll != nil {
		poll.Stop()
	}
	if neg != nil {
		neg.Close()
	}

	logging.Infof("session %s: ended (%s)", s.id, reason)
	s.notify()

	if s.onDismiss != nil {
		time.AfterFunc(s.cfg.DismissDelay, s.onDismiss)
	}
}

func (s *Session) notify() {
	if s.onChange == nil {
		return
	}
	s.onChange(s.Snapshot())
}
