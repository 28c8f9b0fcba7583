package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
)

// Transport exchanges call signals with the signaling server. Send is best
// effort: the protocol recovers from lost signals via timeouts and ICE
// restart, not transport retries. Poll returns every signal addressed to the
// local user at most once across the life of the transport.
type Transport interface {
	Send(ctx context.Context, to string, typ models.SignalType, payload string) error
	Poll(ctx context.Context) ([]models.Signal, error)
}

const signalPath = "/api/calls/signal"

// HTTPTransport talks to the polling endpoints with a bearer token.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, to string, typ models.SignalType, payload string) error {
	body, err := json.Marshal(models.SendSignalRequest{To: to, Type: typ, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "marshal signal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+signalPath, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build send request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send signal")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("send signal: unexpected status %d", resp.StatusCode)
	}

	return nil
}

func (t *HTTPTransport) Poll(ctx context.Context) ([]models.Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+signalPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build poll request")
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "poll signals")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll signals: unexpected status %d", resp.StatusCode)
	}

	var out models.PollSignalsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode poll response")
	}

	return out.Signals, nil
}

// poller drives a session's polling loop at a fixed cadence. The periodic
// tick and PollNow both execute on the same goroutine, so every fetched batch
// passes through the dispatcher exactly once regardless of which call site
// asked for it.
type poller struct {
	transport Transport
	interval  time.Duration
	deliver   func([]models.Signal)

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newPoller(transport Transport, interval time.Duration, deliver func([]models.Signal)) *poller {
	p := &poller{
		transport: transport,
		interval:  interval,
		deliver:   deliver,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *poller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.kick:
		case <-ticker.C:
		}
		p.pollOnce()
	}
}

func (p *poller) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sigs, err := p.transport.Poll(ctx)
	if err != nil {
		logging.Debugf("poll failed: %v", err)
		return
	}
	if len(sigs) > 0 {
		p.deliver(sigs)
	}
}

// PollNow schedules an immediate poll, coalescing with any already pending.
func (p *poller) PollNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stop halts the loop. No deliveries happen after Stop returns unless a poll
// was already in flight.
func (p *poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
