package call

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
)

// SocketTransport implements Transport over the server's websocket push
// channel. Sends are written as frames; inbound signals accumulate in an
// inbox that Poll drains, so the Negotiator/Dispatcher contracts are
// unchanged relative to the polling transport.
type SocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	inbox   chan models.Signal

	done      chan struct{}
	closeOnce sync.Once
}

// DialSocket connects to baseURL's /ws/signals endpoint. baseURL uses the
// http/https scheme; it is rewritten to ws/wss.
func DialSocket(ctx context.Context, baseURL, token string) (*SocketTransport, error) {
	wsURL := baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/ws/signals?token=" + token

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial signal socket")
	}
	if resp != nil {
		resp.Body.Close()
	}

	t := &SocketTransport{
		conn:  conn,
		inbox: make(chan models.Signal, 64),
		done:  make(chan struct{}),
	}
	go t.readLoop()

	return t, nil
}

func (t *SocketTransport) Send(_ context.Context, to string, typ models.SignalType, payload string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	err := t.conn.WriteJSON(models.SendSignalRequest{To: to, Type: typ, Payload: payload})
	return errors.Wrap(err, "write signal frame")
}

// Poll returns everything the socket has delivered since the last call. It
// never blocks waiting for new signals.
func (t *SocketTransport) Poll(_ context.Context) ([]models.Signal, error) {
	var sigs []models.Signal
	for {
		select {
		case sig := <-t.inbox:
			sigs = append(sigs, sig)
		default:
			return sigs, nil
		}
	}
}

func (t *SocketTransport) readLoop() {
	defer t.Close()

	for {
		var sig models.Signal
		if err := t.conn.ReadJSON(&sig); err != nil {
			select {
			case <-t.done:
			default:
				logging.Debugf("signal socket closed: %v", err)
			}
			return
		}

		select {
		case t.inbox <- sig:
		default:
			// Inbox full means nobody is consuming; drop rather than
			// block the read loop. The protocol recovers like it does
			// from any lost signal.
			logging.Warnf("signal inbox full, dropping signal %d", sig.ID)
		}
	}
}

func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}
