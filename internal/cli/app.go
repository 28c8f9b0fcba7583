package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/frikords/calls/internal/call"
	"github.com/frikords/calls/internal/logging"
)

// App is the callctl command: a terminal client that logs into the signaling
// server and places or receives one voice call.
type App struct {
	server      string
	username    string
	password    string
	peer        string
	audioFile   string
	useSocket   bool
	autoAccept  bool
	stunServers []string

	token     string
	transport call.Transport
	manager   *call.Manager
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup() error {
	a.parseCmdline()

	if a.username == "" {
		return errors.New("--user is required")
	}
	if a.peer == "" && !a.autoAccept {
		logging.Info("no --peer given, waiting for incoming calls (use --accept to auto-answer)")
	}

	return nil
}

func (a *App) parseCmdline() {
	pflag.StringVarP(&a.server, "server", "s", "http://localhost:8080", "Base URL of the signaling server")
	pflag.StringVarP(&a.username, "user", "u", "", "Username to log in as")
	pflag.StringVarP(&a.password, "pass", "p", "frikords", "Password for login")
	pflag.StringVarP(&a.peer, "peer", "c", "", "User id to call; leave empty to wait for an incoming call")
	pflag.StringVarP(&a.audioFile, "audio", "a", "", "Opus-in-Ogg file streamed as the local audio feed (silence when empty)")
	pflag.BoolVarP(&a.useSocket, "socket", "w", false, "Use the websocket push channel instead of HTTP polling")
	pflag.BoolVarP(&a.autoAccept, "accept", "y", false, "Automatically accept incoming calls")
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", nil, "STUN servers to use instead of the defaults")

	pflag.Parse()
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	logging.Infof("Starting callctl as %q against %s", a.username, a.server)
	defer logging.Info("Ending callctl")

	a.listenOS(cancel)

	if err := a.login(ctx); err != nil {
		return errors.Wrap(err, "login")
	}

	if err := a.setupTransport(ctx); err != nil {
		return errors.Wrap(err, "transport")
	}

	a.setupManager(cancel)

	if a.peer != "" {
		if _, err := a.manager.StartCall(a.peer, a.peer); err != nil {
			return errors.Wrap(err, "start call")
		}
	}

	// A session polls for itself; this loop only watches for the call
	// signal that rings a new one.
	ringTicker := time.NewTicker(2 * time.Second)
	defer ringTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.manager.Close()
			return nil
		case <-ringTicker.C:
			if a.manager.Active() != nil {
				continue
			}
			sigs, err := a.transport.Poll(ctx)
			if err != nil {
				logging.Debugf("idle poll: %v", err)
				continue
			}
			a.manager.Deliver(sigs)
		}
	}
}

func (a *App) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": a.username,
		"password": a.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.server+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	a.token = out.Token
	logging.Infof("logged in as %s", out.UserID)

	return nil
}

func (a *App) setupTransport(ctx context.Context) (err error) {
	if a.useSocket {
		a.transport, err = call.DialSocket(ctx, a.server, a.token)
		return err
	}

	a.transport = call.NewHTTPTransport(a.server, a.token)
	return nil
}

func (a *App) setupManager(cancel context.CancelFunc) {
	var media call.MediaSource = call.SilenceSource{}
	if a.audioFile != "" {
		media = call.OggSource{Path: a.audioFile, Loop: true}
	}

	cfg := call.Config{ICE: call.ICEConfig{Servers: a.iceServers()}}

	a.manager = call.NewManager(cfg, a.transport, media)

	a.manager.OnChange(func(snap call.Snapshot) {
		if snap.State == call.StateActive {
			logging.Infof("call with %s: %s (%ds)%s", snap.PeerID, snap.State, snap.DurationSeconds, mutedSuffix(snap.Muted))
			return
		}
		logging.Infof("call with %s: %s %s", snap.PeerID, snap.State, snap.Reason)
	})

	a.manager.OnIncoming(func(s *call.Session) {
		logging.Infof("incoming call from %s", s.PeerID())
		if a.autoAccept {
			s.Accept()
		}
	})

	// One call per invocation: exit once the session is dismissed.
	a.manager.OnDismiss(func() {
		cancel()
	})
}

func (a *App) iceServers() []webrtc.ICEServer {
	if len(a.stunServers) == 0 {
		return nil
	}

	servers := make([]webrtc.ICEServer, len(a.stunServers))
	for i, stun := range a.stunServers {
		servers[i] = webrtc.ICEServer{URLs: []string{"stun:" + stun}}
	}
	return servers
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}

func mutedSuffix(muted bool) string {
	if muted {
		return " [muted]"
	}
	return ""
}
