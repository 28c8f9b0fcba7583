package call

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frikords/calls/internal/handlers"
	"github.com/frikords/calls/internal/signalstore"
)

// testPeer is one user talking to the signaling server through a real
// HTTPTransport, with the WebRTC layer faked out.
type testPeer struct {
	manager   *Manager
	transport Transport
	neg       *fakeNegotiation
}

func newTestPeer(t *testing.T, serverURL, userID string) *testPeer {
	t.Helper()

	// No offers flow through the faked negotiations, so the connect timeout
	// must outlive the test instead of ending the sessions mid-flight.
	cfg := testConfig()
	cfg.ConnectTimeout = 10 * time.Second

	p := &testPeer{neg: &fakeNegotiation{}}
	// The test auth middleware takes the bearer token as the user id.
	p.transport = NewHTTPTransport(serverURL, userID)
	p.manager = NewManager(cfg, p.transport, SilenceSource{})
	p.manager.negotiate = func() (negotiation, error) { return p.neg, nil }
	t.Cleanup(func() {
		if s := p.manager.Active(); s != nil {
			s.end("test cleanup")
		}
	})

	return p
}

// deliverIdle mimics the app loop that watches for a ring while no session
// holds the line.
func (p *testPeer) deliverIdle(t *testing.T) {
	t.Helper()

	if p.manager.Active() != nil {
		return
	}
	sigs, err := p.transport.Poll(context.Background())
	if err != nil {
		t.Fatalf("idle poll: %v", err)
	}
	p.manager.Deliver(sigs)
}

func newSignalServer(t *testing.T) *httptest.Server {
	t.Helper()

	gin.SetMode(gin.TestMode)
	api := handlers.NewSignalAPI(signalstore.NewMemory(), nil)

	router := gin.New()
	auth := func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		c.Set("user_id", token)
	}
	router.POST("/api/calls/signal", auth, api.Send)
	router.GET("/api/calls/signal", auth, api.Poll)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestCallFlowOverRealServer(t *testing.T) {
	srv := newSignalServer(t)
	alice := newTestPeer(t, srv.URL, "alice")
	bob := newTestPeer(t, srv.URL, "bob")
	carol := newTestPeer(t, srv.URL, "carol")

	bob.manager.OnIncoming(func(s *Session) { s.Accept() })

	// Alice rings Bob; his idle loop picks up the call signal.
	if _, err := alice.manager.StartCall("bob", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "bob to ring", func() bool {
		bob.deliverIdle(t)
		s := bob.manager.Active()
		return s != nil && s.State() == StateConnecting
	})

	// Carol rings a taken line and is turned away without disturbing it.
	if _, err := carol.manager.StartCall("bob", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "carol to hear busy", func() bool {
		s := carol.manager.Active()
		return s == nil || s.State() == StateEnded
	})
	if s := bob.manager.Active(); s == nil || s.PeerID() != "alice" {
		t.Fatal("busy handling disturbed the live session")
	}

	// Alice hangs up; the signal reaches Bob through his session's poller.
	alice.manager.Active().HangUp()
	waitFor(t, "bob's session to end", func() bool {
		s := bob.manager.Active()
		return s == nil || s.State() == StateEnded
	})
}
