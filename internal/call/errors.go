package call

import (
	"github.com/pkg/errors"
)

var (
	// ErrMediaAccess is returned when the microphone (or configured audio
	// source) cannot be opened. Surfaced to the user, never retried.
	ErrMediaAccess = errors.New("microphone access denied or unavailable")

	// ErrStaleOffer is returned when a description arrives in a signaling
	// state that cannot accept it. Such descriptions are dropped so they do
	// not corrupt an in-progress negotiation.
	ErrStaleOffer = errors.New("description received in incompatible signaling state")

	// ErrSessionActive is returned by StartCall while another session holds
	// the line.
	ErrSessionActive = errors.New("another call session is already active")
)
