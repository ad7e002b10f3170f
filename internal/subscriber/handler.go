// Package subscriber runs one subscriber connection. The worker first reads a
// single SubscriptionRequest frame and reports it to the broker, then writes
// every message the broker queues for it, in queue order.
package subscriber

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/pubsub/internal/events"
	"github.com/casualjim/pubsub/internal/queue"
	"github.com/casualjim/pubsub/pkg/slogx"
	"github.com/casualjim/pubsub/wire"
	"github.com/google/uuid"
)

// DefaultPollInterval bounds how long the worker waits on an empty outbound
// queue before it rechecks the stop flag.
const DefaultPollInterval = 300 * time.Millisecond

// Handler owns a subscriber connection, its outbound queue and the worker
// goroutine draining it.
type Handler struct {
	id       uuid.UUID
	conn     net.Conn
	sink     events.Sink
	outbound *queue.Unbounded[wire.Message]
	logger   *slog.Logger
	poll     time.Duration

	stop      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Start takes ownership of conn and starts the worker. A non-positive poll
// uses DefaultPollInterval.
func Start(id uuid.UUID, conn net.Conn, sink events.Sink, poll time.Duration, logger *slog.Logger) *Handler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		id:       id,
		conn:     conn,
		sink:     sink,
		outbound: queue.New[wire.Message](),
		poll:     poll,
		logger: logger.With(
			slogx.LoggerName("pubsub.subscriber"),
			slogx.ID(id),
			slogx.Addr(conn.RemoteAddr()),
		),
		done: make(chan struct{}),
	}
	go h.run()
	return h
}

// ID returns the identifier the broker assigned to this connection.
func (h *Handler) ID() uuid.UUID {
	return h.id
}

// Done is closed once the worker has exited.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Publish queues msg for delivery. It never blocks. Once the worker has
// exited it returns queue.ErrClosed.
func (h *Handler) Publish(msg wire.Message) error {
	return h.outbound.Push(msg)
}

// Pending reports how many messages are queued and not yet written.
func (h *Handler) Pending() int {
	return h.outbound.Len()
}

func (h *Handler) run() {
	defer close(h.done)

	h.logger.Info("handling subscriber")
	err := h.serve()

	h.outbound.Close()
	if dropped := len(h.outbound.Drain()); dropped > 0 {
		h.logger.Warn("discarding undelivered messages", slog.Int("count", dropped))
	}
	_ = h.conn.Close()

	switch {
	case err == nil:
		h.logger.Debug("subscriber handler stopped")
	case errors.Is(err, io.EOF):
		h.logger.Info("subscriber disconnected before subscribing")
		err = nil
	default:
		h.logger.Error("subscriber connection failed", slogx.Error(err))
	}

	if perr := h.sink.Push(events.Disconnected{Kind: events.Subscriber, ID: h.id, Err: err}); perr != nil {
		h.logger.Debug("broker no longer accepting events", slogx.Error(perr))
	}
}

// serve returns nil only when asked to stop.
func (h *Handler) serve() error {
	req, err := wire.ReadSubscriptionRequest(h.conn)
	if err != nil {
		if h.stop.Load() {
			return nil
		}
		return err
	}
	h.logger.Info("subscription received", slog.Any("topics", req.Topics))

	if err := h.sink.Push(events.SubscriptionRequest{SubscriberID: h.id, Request: req}); err != nil {
		h.logger.Error("failed sending subscription event", slogx.Error(err))
		return nil
	}

	for !h.stop.Load() {
		msg, ok, err := h.outbound.PopTimeout(h.poll)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if err := wire.WriteMessage(h.conn, msg); err != nil {
			if h.stop.Load() {
				return nil
			}
			return err
		}
		h.logger.Debug("message delivered", slogx.Topic(msg.Topic))
	}
	return nil
}

// Close stops the worker and waits for it to exit. A worker blocked reading
// the subscription request or writing to a slow peer is interrupted by moving
// the connection deadlines into the past. Close is safe to call more than
// once.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.stop.Store(true)
		_ = h.conn.SetDeadline(time.Now())
		<-h.done
	})
}
