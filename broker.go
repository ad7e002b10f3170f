package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/pubsub/internal/events"
	"github.com/casualjim/pubsub/internal/listener"
	"github.com/casualjim/pubsub/internal/publisher"
	"github.com/casualjim/pubsub/internal/queue"
	"github.com/casualjim/pubsub/internal/registry"
	"github.com/casualjim/pubsub/internal/routing"
	"github.com/casualjim/pubsub/internal/subscriber"
	"github.com/casualjim/pubsub/pkg/slogx"
	"github.com/casualjim/pubsub/pkg/uuidx"
	"github.com/casualjim/pubsub/wire"
	"github.com/fogfish/opts"
	"github.com/google/uuid"
)

// Broker accepts publishers and subscribers on two TCP ports and routes
// every published message to the subscribers of its topic.
//
// All routing state is owned by the goroutine running Run. Everything else
// talks to it by pushing events onto one unbounded queue.
type Broker struct {
	pubAddress string
	subAddress string
	poll       time.Duration
	strict     bool
	signals    []os.Signal
	logger     *slog.Logger
	mirror     Mirror

	events      *queue.Unbounded[events.Event]
	pubListener *listener.Listener
	subListener *listener.Listener
	interrupts  *interrupts

	publishers  registry.Registry[*publisher.Handler]
	subscribers registry.Registry[*subscriber.Handler]
	routes      *routing.Table

	ran   atomic.Bool
	stats counters
}

// Stats is a point-in-time view of the broker, safe to read from any
// goroutine.
type Stats struct {
	Publishers    int
	Subscribers   int
	Topics        int
	Subscriptions int64
	Routed        int64
	Dropped       int64
}

type counters struct {
	publishers    atomic.Int64
	subscribers   atomic.Int64
	topics        atomic.Int64
	subscriptions atomic.Int64
	routed        atomic.Int64
	dropped       atomic.Int64
}

// New installs the shutdown signal handlers and binds both ports. A port
// that fails to bind is logged and skipped unless StrictListeners is set;
// New fails when neither binds.
func New(options ...Option) (*Broker, error) {
	b := &Broker{
		pubAddress: DefaultPublisherAddress,
		subAddress: DefaultSubscriberAddress,
		poll:       DefaultPollInterval,
		signals:    DefaultSignals,
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.poll <= 0 {
		return nil, fmt.Errorf("pubsub: poll interval must be positive, got %s", b.poll)
	}
	if len(b.signals) == 0 {
		return nil, ErrNoShutdownSignal
	}

	parent := b.logger
	b.logger = parent.With(slogx.LoggerName("pubsub.broker"))
	b.events = queue.New[events.Event]()
	b.publishers = registry.New[*publisher.Handler]()
	b.subscribers = registry.New[*subscriber.Handler]()
	b.routes = routing.New()

	in, err := watchSignals(b.events, b.logger, b.signals...)
	if err != nil {
		return nil, err
	}
	b.interrupts = in

	var bindErrs []error
	b.pubListener, err = listener.Start(b.pubAddress, events.Publisher, b.events, parent)
	if err != nil {
		b.logger.Error("failed starting listener", slogx.Role(events.Publisher), slog.String("addr", b.pubAddress), slogx.Error(err))
		bindErrs = append(bindErrs, err)
	}
	if err == nil || !b.strict {
		b.subListener, err = listener.Start(b.subAddress, events.Subscriber, b.events, parent)
		if err != nil {
			b.logger.Error("failed starting listener", slogx.Role(events.Subscriber), slog.String("addr", b.subAddress), slogx.Error(err))
			bindErrs = append(bindErrs, err)
		}
	}

	switch {
	case b.strict && len(bindErrs) > 0:
		b.abort()
		return nil, errors.Join(bindErrs...)
	case b.pubListener == nil && b.subListener == nil:
		b.abort()
		return nil, errors.Join(append([]error{ErrNoListeners}, bindErrs...)...)
	}
	return b, nil
}

// abort releases what New acquired before it failed.
func (b *Broker) abort() {
	b.events.Close()
	b.closeListeners()
	b.interrupts.Close()
}

// PublisherAddr returns the bound publisher address, or nil when that port
// failed to bind.
func (b *Broker) PublisherAddr() net.Addr {
	if b.pubListener == nil {
		return nil
	}
	return b.pubListener.Addr()
}

// SubscriberAddr returns the bound subscriber address, or nil when that port
// failed to bind.
func (b *Broker) SubscriberAddr() net.Addr {
	if b.subListener == nil {
		return nil
	}
	return b.subListener.Addr()
}

// Stats returns the counters last published by the event loop.
func (b *Broker) Stats() Stats {
	return Stats{
		Publishers:    int(b.stats.publishers.Load()),
		Subscribers:   int(b.stats.subscribers.Load()),
		Topics:        int(b.stats.topics.Load()),
		Subscriptions: b.stats.subscriptions.Load(),
		Routed:        b.stats.routed.Load(),
		Dropped:       b.stats.dropped.Load(),
	}
}

// Close releases the ports, signal handlers and mirror of a broker that will
// not be run. Run returns ErrAlreadyRan afterwards. Once Run has been called
// the broker cleans up after itself and Close does nothing.
func (b *Broker) Close() error {
	if !b.ran.CompareAndSwap(false, true) {
		return nil
	}
	b.abort()
	b.closePending()
	b.logger.Info("broker closed without running")
	return b.closeMirror()
}

// Terminate asks a running broker to stop. It is safe to call from any
// goroutine and has no effect once shutdown has begun.
func (b *Broker) Terminate(reason string) {
	if err := b.events.Push(events.Termination{Reason: reason}); err != nil {
		b.logger.Debug("broker already stopping", slogx.Error(err))
	}
}

// Run processes events until a Termination arrives (from a signal, from
// Terminate or from ctx being done), then shuts everything down. It returns
// once every goroutine the broker started has exited.
func (b *Broker) Run(ctx context.Context) error {
	if !b.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}

	watchDone := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		select {
		case <-ctx.Done():
			b.Terminate("context: " + context.Cause(ctx).Error())
		case <-watchDone:
		}
	}()

	b.logger.Info("broker running",
		slog.Any("publisher_addr", b.PublisherAddr()),
		slog.Any("subscriber_addr", b.SubscriberAddr()),
	)

	for {
		ev, err := b.events.Pop(context.Background())
		if err != nil {
			b.logger.Error("event queue closed unexpectedly", slogx.Error(err))
			break
		}
		if !b.dispatch(ev) {
			break
		}
	}

	close(watchDone)
	watcher.Wait()
	b.shutdown()
	return nil
}

// dispatch handles one event and reports whether the loop should continue.
func (b *Broker) dispatch(ev events.Event) bool {
	defer b.publishStats()

	switch ev := ev.(type) {
	case events.Connection:
		b.accept(ev)
	case events.Publish:
		b.route(ev.Message)
	case events.SubscriptionRequest:
		b.subscribe(ev)
	case events.Disconnected:
		b.prune(ev)
	case events.Termination:
		b.logger.Info("terminating", slog.String("reason", ev.Reason))
		return false
	default:
		b.logger.Warn("ignoring unknown event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
	return true
}

func (b *Broker) accept(ev events.Connection) {
	if ev.Err != nil {
		b.logger.Error("failed accepting connection", slogx.Role(ev.Kind), slogx.Error(ev.Err))
		return
	}

	var id uuid.UUID
	switch ev.Kind {
	case events.Publisher:
		h := publisher.Start(uuidx.New(), ev.Conn, b.events, b.poll, b.logger)
		id = h.ID()
		b.publishers.Add(id, h)
	case events.Subscriber:
		h := subscriber.Start(uuidx.New(), ev.Conn, b.events, b.poll, b.logger)
		id = h.ID()
		b.subscribers.Add(id, h)
	default:
		b.logger.Error("closing connection of unknown kind", slogx.Role(ev.Kind))
		_ = ev.Conn.Close()
		return
	}
	b.logger.Info("connection accepted", slogx.Role(ev.Kind), slogx.ID(id), slogx.Addr(ev.Conn.RemoteAddr()))
}

func (b *Broker) route(msg wire.Message) {
	if b.mirror != nil {
		if err := b.mirror.Forward(msg.Clone()); err != nil {
			b.logger.Warn("failed mirroring message", slogx.Topic(msg.Topic), slogx.Error(err))
		}
	}

	ids, ok := b.routes.Subscribers(msg.Topic)
	if !ok {
		b.logger.Debug("no subscribers for topic, dropping message", slogx.Topic(msg.Topic))
		b.stats.dropped.Add(1)
		return
	}

	for _, id := range ids {
		sub, ok := b.subscribers.Get(id)
		if !ok {
			b.logger.Warn("routing table references unknown subscriber", slogx.Topic(msg.Topic), slogx.ID(id))
			continue
		}
		// Its Disconnected event is still queued behind this one.
		select {
		case <-sub.Done():
			b.logger.Debug("skipping exited subscriber", slogx.Topic(msg.Topic), slogx.ID(id))
			continue
		default:
		}
		if err := sub.Publish(msg.Clone()); err != nil {
			b.logger.Warn("failed queueing message", slogx.Topic(msg.Topic), slogx.ID(id), slogx.Error(err))
			continue
		}
		b.stats.routed.Add(1)
	}
}

func (b *Broker) subscribe(ev events.SubscriptionRequest) {
	if _, ok := b.subscribers.Get(ev.SubscriberID); !ok {
		b.logger.Debug("ignoring subscription from departed subscriber", slogx.ID(ev.SubscriberID))
		return
	}
	b.routes.Subscribe(ev.SubscriberID, ev.Request.Topics)
	b.stats.subscriptions.Add(1)
	b.logger.Info("subscriber registered", slogx.ID(ev.SubscriberID), slog.Any("topics", ev.Request.Topics))
}

func (b *Broker) prune(ev events.Disconnected) {
	logger := b.logger.With(slogx.Role(ev.Kind), slogx.ID(ev.ID))
	if ev.Err != nil {
		logger = logger.With(slogx.Error(ev.Err))
	}

	switch ev.Kind {
	case events.Publisher:
		if h, ok := b.publishers.Del(ev.ID); ok {
			h.Close()
		}
	case events.Subscriber:
		removed := b.routes.Remove(ev.ID)
		if h, ok := b.subscribers.Del(ev.ID); ok {
			h.Close()
		}
		logger = logger.With(slog.Int("subscriptions", removed))
	}
	logger.Info("connection closed")
}

func (b *Broker) publishStats() {
	b.stats.publishers.Store(int64(b.publishers.Len()))
	b.stats.subscribers.Store(int64(b.subscribers.Len()))
	b.stats.topics.Store(int64(b.routes.Len()))
}

// shutdown stops producers before consumers: no new events, no new
// connections, then every handler, then signal delivery and the mirror.
func (b *Broker) shutdown() {
	b.events.Close()
	b.closeListeners()

	var wg sync.WaitGroup
	for _, h := range b.publishers.Clear() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Close()
		}()
	}
	for _, h := range b.subscribers.Clear() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Close()
		}()
	}
	wg.Wait()

	b.closePending()
	b.interrupts.Close()
	if err := b.closeMirror(); err != nil {
		b.logger.Warn("failed closing mirror", slogx.Error(err))
	}
	b.publishStats()
	b.logger.Info("broker stopped")
}

// closePending closes connections that were accepted but never handed to a
// handler.
func (b *Broker) closePending() {
	for _, ev := range b.events.Drain() {
		if conn, ok := ev.(events.Connection); ok && conn.Conn != nil {
			_ = conn.Conn.Close()
		}
	}
}

func (b *Broker) closeMirror() error {
	if b.mirror == nil {
		return nil
	}
	return b.mirror.Close()
}

func (b *Broker) closeListeners() {
	for _, l := range []*listener.Listener{b.pubListener, b.subListener} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			b.logger.Warn("failed closing listener", slogx.Role(l.Kind()), slogx.Error(err))
		}
	}
}
