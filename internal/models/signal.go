package models

// SignalType identifies the kind of call signal exchanged between two users.
type SignalType string

const (
	SignalTypeCall   SignalType = "call"
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	SignalTypeICE    SignalType = "ice"
	SignalTypeHangup SignalType = "hangup"
	SignalTypeReject SignalType = "reject"
	SignalTypeBusy   SignalType = "busy"
)

// ValidSignalType reports whether t is one of the known signal types.
func ValidSignalType(t SignalType) bool {
	switch t {
	case SignalTypeCall, SignalTypeOffer, SignalTypeAnswer, SignalTypeICE,
		SignalTypeHangup, SignalTypeReject, SignalTypeBusy:
		return true
	}
	return false
}

// Signal is one immutable message addressed to a single recipient. IDs are
// assigned by the store in ascending order and are the dedup key on the
// receiving side. Payload carries a serialized session description or ICE
// candidate; it is empty for control types.
type Signal struct {
	ID      int64      `json:"id"`
	From    string     `json:"from_user_id"`
	To      string     `json:"-"`
	Type    SignalType `json:"type"`
	Payload string     `json:"payload"`
}

// SendSignalRequest is the body of POST /api/calls/signal and of a websocket
// send frame.
type SendSignalRequest struct {
	To      string     `json:"to" binding:"required"`
	Type    SignalType `json:"type" binding:"required"`
	Payload string     `json:"payload"`
}

// PollSignalsResponse is the body of GET /api/calls/signal. Each signal is
// returned at most once: the poll drains the caller's mailbox.
type PollSignalsResponse struct {
	Signals []Signal `json:"signals"`
}
