// Package publisher runs one publisher connection: it decodes the stream of
// Message frames the peer sends and forwards each as an events.Publish.
package publisher

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/pubsub/internal/events"
	"github.com/casualjim/pubsub/pkg/slogx"
	"github.com/casualjim/pubsub/wire"
	"github.com/google/uuid"
)

// DefaultPollInterval bounds how long the worker waits for data before it
// rechecks the stop flag.
const DefaultPollInterval = 300 * time.Millisecond

// Handler owns a publisher connection and the worker goroutine reading it.
type Handler struct {
	id     uuid.UUID
	conn   net.Conn
	sink   events.Sink
	logger *slog.Logger
	poll   time.Duration

	stop      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Start takes ownership of conn and starts reading Message frames from it.
// A non-positive poll uses DefaultPollInterval.
func Start(id uuid.UUID, conn net.Conn, sink events.Sink, poll time.Duration, logger *slog.Logger) *Handler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		id:   id,
		conn: conn,
		sink: sink,
		poll: poll,
		logger: logger.With(
			slogx.LoggerName("pubsub.publisher"),
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

func (h *Handler) run() {
	defer close(h.done)

	h.logger.Info("handling publisher")
	err := h.receive()
	_ = h.conn.Close()

	switch {
	case err == nil:
		h.logger.Debug("publisher handler stopped")
	case errors.Is(err, io.EOF):
		h.logger.Info("publisher disconnected")
		err = nil
	default:
		h.logger.Error("error receiving message", slogx.Error(err))
	}

	if perr := h.sink.Push(events.Disconnected{Kind: events.Publisher, ID: h.id, Err: err}); perr != nil {
		h.logger.Debug("broker no longer accepting events", slogx.Error(perr))
	}
}

// receive loops until the stop flag is raised or the connection fails. It
// returns nil only when asked to stop.
func (h *Handler) receive() error {
	r := bufio.NewReader(h.conn)

	for !h.stop.Load() {
		ready, err := h.waitReadable(r)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}

		msg, err := wire.ReadMessage(r)
		if err != nil {
			if h.stop.Load() {
				return nil
			}
			return err
		}

		if err := h.sink.Push(events.Publish{Message: msg}); err != nil {
			h.logger.Error("failed sending publish event", slogx.Error(err), slogx.Topic(msg.Topic))
			return nil
		}
	}
	return nil
}

// waitReadable blocks for at most one poll interval until at least one byte
// can be read. It reports false when the interval elapsed without data.
func (h *Handler) waitReadable(r *bufio.Reader) (bool, error) {
	if r.Buffered() > 0 {
		return true, nil
	}

	if err := h.conn.SetReadDeadline(time.Now().Add(h.poll)); err != nil {
		return false, err
	}
	// Close may have forced its deadline just before ours replaced it.
	if h.stop.Load() {
		return false, nil
	}
	_, err := r.Peek(1)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// A frame that has started arriving is read without a deadline; Close
	// forces one when it needs the worker back.
	if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
		return false, err
	}
	return !h.stop.Load(), nil
}

// Close stops the worker and waits for it to exit. A read blocked in the
// middle of a frame is interrupted by moving the read deadline into the past.
// Close is safe to call more than once.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.stop.Store(true)
		_ = h.conn.SetReadDeadline(time.Now())
		<-h.done
	})
}
