package handlers

import "github.com/pkg/errors"

var (
	errUnknownSignalType = errors.New("unknown signal type")
	errSelfSignal        = errors.New("cannot signal yourself")
	errStoreSignal       = errors.New("failed to queue signal")
)
