package call

import (
	"sort"
	"sync"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
)

// Manager owns at most one call session for the local user and is the entry
// point the app/UI talks to. Signals for a live session are routed into it;
// a call signal with no session rings a new incoming one; callers who ring
// while the line is taken get a busy reply from the session's dispatcher.
type Manager struct {
	cfg       Config
	transport Transport
	media     MediaSource

	// negotiate overrides real negotiator construction in tests.
	negotiate func() (negotiation, error)

	mu         sync.Mutex
	session    *Session
	onIncoming func(*Session)
	onChange   func(Snapshot)
	onDismiss  func()
}

func NewManager(cfg Config, transport Transport, media MediaSource) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		transport: transport,
		media:     media,
	}
}

// OnIncoming registers a handler fired when a call signal rings a new
// session. The session is in the incoming state; the handler decides whether
// to Accept or Reject.
func (m *Manager) OnIncoming(h func(*Session)) {
	m.mu.Lock()
	m.onIncoming = h
	m.mu.Unlock()
}

// OnChange registers a handler for session snapshots, fired on every state
// transition, mute flip and duration tick.
func (m *Manager) OnChange(h func(Snapshot)) {
	m.mu.Lock()
	m.onChange = h
	m.mu.Unlock()
}

// OnDismiss registers a handler fired shortly after a session ends, once its
// resources are already released.
func (m *Manager) OnDismiss(h func()) {
	m.mu.Lock()
	m.onDismiss = h
	m.mu.Unlock()
}

// Active returns the current session, or nil when the line is free.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// StartCall places an outbound call. It fails with ErrSessionActive when a
// session already holds the line and with ErrMediaAccess when the microphone
// cannot be opened; in both cases no session is created.
func (m *Manager) StartCall(peerID, peerName string) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := m.buildSession(peerID, peerName)
	m.session = s
	m.mu.Unlock()

	if err := s.placeCall(); err != nil {
		m.mu.Lock()
		if m.session == s {
			m.session = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	return s, nil
}

// Deliver routes a signal batch fetched by some other poll (the app-level
// multiplexer) into the right place. With a live session the batch goes to
// its dispatcher; otherwise a call signal rings a new session and the rest
// of the batch follows it in.
func (m *Manager) Deliver(batch []models.Signal) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s != nil {
		s.Deliver(batch)
		return
	}

	if len(batch) == 0 {
		return
	}

	sigs := make([]models.Signal, len(batch))
	copy(sigs, batch)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].ID < sigs[j].ID })

	for _, sig := range sigs {
		if sig.Type != models.SignalTypeCall {
			// A stray non-call signal with no session to receive it is
			// left over from a dead call attempt.
			logging.Debugf("dropping stray signal %d [%s] from %s", sig.ID, sig.Type, sig.From)
			continue
		}

		incoming := m.ringFrom(sig.From)
		if incoming != nil {
			// The dispatcher filters and dedups, so replaying the whole
			// batch is safe: trailing signals from the caller apply, a
			// second caller in the same batch gets a busy reply.
			incoming.Deliver(sigs)
		}
		return
	}
}

// Close hangs up whatever session is live. Used on app shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s != nil {
		s.HangUp()
	}
}

func (m *Manager) ringFrom(peerID string) *Session {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil
	}
	s := m.buildSession(peerID, peerID)
	m.session = s
	handler := m.onIncoming
	m.mu.Unlock()

	s.ring()
	if handler != nil {
		handler(s)
	}

	return s
}

func (m *Manager) buildSession(peerID, peerName string) *Session {
	var s *Session
	s = newSession(sessionParams{
		cfg:       m.cfg,
		transport: m.transport,
		media:     m.media,
		peerID:    peerID,
		peerName:  peerName,
		negotiate: m.negotiate,
		onChange: func(snap Snapshot) {
			m.mu.Lock()
			h := m.onChange
			m.mu.Unlock()
			if h != nil {
				h(snap)
			}
		},
		onDismiss: func() {
			m.clear(s)
		},
	})
	return s
}

func (m *Manager) clear(s *Session) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	h := m.onDismiss
	m.mu.Unlock()

	if h != nil {
		h()
	}
}
