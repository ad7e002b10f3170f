package pubsub

import "errors"

var (
	// ErrNoShutdownSignal is returned by New when no signal is configured to
	// stop the broker.
	ErrNoShutdownSignal = errors.New("pubsub: no shutdown signal configured")

	// ErrNoListeners is returned by New when neither port could be bound.
	ErrNoListeners = errors.New("pubsub: no listener could be started")

	// ErrAlreadyRan is returned by Run on every call after the first.
	ErrAlreadyRan = errors.New("pubsub: broker already ran")
)
