package pubsub

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/casualjim/pubsub/wire"
	"github.com/fogfish/opts"
)

const (
	DefaultPublisherAddress  = ":7070"
	DefaultSubscriberAddress = ":7071"
	DefaultPollInterval      = 300 * time.Millisecond
)

// DefaultSignals stop the broker unless Signals overrides them.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Option configures a Broker.
type Option = opts.Option[Broker]

// Mirror receives a copy of every routed message. internal/mirror provides
// the NATS implementation.
type Mirror interface {
	Forward(wire.Message) error
	Close() error
}

var (
	// PublisherAddress sets the host:port publishers connect to. Port 0 picks
	// a free port; see Broker.PublisherAddr.
	PublisherAddress = opts.ForName[Broker, string]("pubAddress")
	// SubscriberAddress sets the host:port subscribers connect to.
	SubscriberAddress = opts.ForName[Broker, string]("subAddress")
	// PollInterval bounds how long a handler goes without checking whether it
	// should stop.
	PollInterval = opts.ForName[Broker, time.Duration]("poll")
	// StrictListeners makes New fail when either port cannot be bound.
	StrictListeners = opts.ForName[Broker, bool]("strict")
	// Logger sets the parent logger for the broker and everything it starts.
	Logger = opts.ForName[Broker, *slog.Logger]("logger")
)

// Signals replaces the process signals that terminate the broker. Calling it
// with no signals makes New fail with ErrNoShutdownSignal.
func Signals(sigs ...os.Signal) Option {
	return opts.Type[Broker](func(b *Broker) error {
		b.signals = sigs
		return nil
	})
}

// WithMirror forwards a copy of every published message to m. The broker
// closes m during shutdown.
func WithMirror(m Mirror) Option {
	return opts.Type[Broker](func(b *Broker) error {
		if m == nil {
			return errors.New("pubsub: mirror must not be nil")
		}
		b.mirror = m
		return nil
	})
}
