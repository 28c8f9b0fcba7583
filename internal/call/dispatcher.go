package call

import (
	"sort"
	"sync"

	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/models"
)

// signalSink receives routed signals for one call session.
type signalSink interface {
	handleOffer(payload string)
	handleAnswer(payload string)
	handleCandidate(payload string)
	handleEnd(typ models.SignalType)
}

// dispatcher routes inbound signal batches into a session. Batches may come
// from the session's own polling loop or be supplied externally by whatever
// component multiplexes signals for the whole app; both paths funnel through
// Dispatch, which dedups on signal id so a signal fetched twice is applied
// once.
type dispatcher struct {
	mu sync.Mutex

	peerID string
	sink   signalSink

	// busy replies to a call signal from anyone who is not the session
	// peer. The session itself stays untouched.
	busy func(to string)

	seen map[int64]struct{}
}

func newDispatcher(peerID string, sink signalSink, busy func(to string)) *dispatcher {
	return &dispatcher{
		peerID: peerID,
		sink:   sink,
		busy:   busy,
		seen:   make(map[int64]struct{}),
	}
}

// Dispatch routes one batch. Signals are processed in ascending id order so
// an offer and its trailing candidates fetched together apply in the order
// they were produced, whatever order the network returned them in.
func (d *dispatcher) Dispatch(batch []models.Signal) {
	if len(batch) == 0 {
		return
	}

	sigs := make([]models.Signal, len(batch))
	copy(sigs, batch)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].ID < sigs[j].ID })

	// One batch at a time: description application must stay serialized
	// relative to candidate application.
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sig := range sigs {
		if _, dup := d.seen[sig.ID]; dup {
			logging.Debugf("duplicate signal %d dropped", sig.ID)
			continue
		}
		d.seen[sig.ID] = struct{}{}

		if sig.From != d.peerID {
			if sig.Type == models.SignalTypeCall && d.busy != nil {
				d.busy(sig.From)
			}
			continue
		}

		switch sig.Type {
		case models.SignalTypeCall:
			// Repeat ring from the current peer; the session already
			// exists.
		case models.SignalTypeOffer:
			d.sink.handleOffer(sig.Payload)
		case models.SignalTypeAnswer:
			d.sink.handleAnswer(sig.Payload)
		case models.SignalTypeICE:
			d.sink.handleCandidate(sig.Payload)
		case models.SignalTypeHangup, models.SignalTypeReject, models.SignalTypeBusy:
			d.sink.handleEnd(sig.Type)
		default:
			logging.Debugf("unknown signal type %q dropped", sig.Type)
		}
	}
}
