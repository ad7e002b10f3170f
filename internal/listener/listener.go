// Package listener accepts TCP connections on one port and forwards each one
// to the broker as an events.Connection.
//
// The accept loop runs on its own goroutine. Shutdown is cooperative: Close
// raises a stop flag and then wakes the goroutine parked in Accept by dialing
// the listener's own address. The loop sees the flag, discards the wake-up
// connection and returns. If the dial fails the listening socket is closed,
// which also makes Accept return.
package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/pubsub/internal/events"
	"github.com/casualjim/pubsub/pkg/slogx"
)

// ErrBind marks failures to open the listening socket.
var ErrBind = errors.New("listener: bind failed")

const (
	wakeDialTimeout = time.Second

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener owns one listening socket and its accept goroutine.
type Listener struct {
	kind   events.ConnectionKind
	ln     net.Listener
	sink   events.Sink
	logger *slog.Logger

	stop      atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Start binds address and starts accepting connections in the background.
// Accepted connections (and accept failures) are pushed to sink as
// events.Connection values tagged with kind.
func Start(address string, kind events.ConnectionKind, sink events.Sink, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slogx.LoggerName("pubsub.listener"), slogx.Role(kind))

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s connections on %s: %w", ErrBind, kind, address, err)
	}
	return serve(ln, kind, sink, logger), nil
}

func serve(ln net.Listener, kind events.ConnectionKind, sink events.Sink, logger *slog.Logger) *Listener {
	l := &Listener{
		kind:   kind,
		ln:     ln,
		sink:   sink,
		logger: logger.With(slogx.Addr(ln.Addr())),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.logger.Info("listening for connections")

	go l.acceptLoop()
	return l
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Kind returns the role of connections accepted by this listener.
func (l *Listener) Kind() events.ConnectionKind {
	return l.kind
}

func (l *Listener) acceptLoop() {
	defer close(l.done)

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if l.stop.Load() {
			if conn != nil {
				_ = conn.Close()
			}
			l.logger.Debug("accept loop stopped")
			return
		}

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.logger.Error("listening socket closed unexpectedly", slogx.Error(err))
				return
			}
			l.logger.Error("failed accepting connection", slogx.Error(err))
			l.forward(events.Connection{Kind: l.kind, Err: err})

			// Back off on repeated failures such as file descriptor exhaustion.
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			if !l.pause(backoff) {
				l.logger.Debug("accept loop stopped during backoff")
				return
			}
			continue
		}
		backoff = 0

		if !l.forward(events.Connection{Kind: l.kind, Conn: conn}) {
			_ = conn.Close()
		}
	}
}

// pause waits for d and reports false if Close interrupted it.
func (l *Listener) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.quit:
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) forward(ev events.Connection) bool {
	if err := l.sink.Push(ev); err != nil {
		l.logger.Error("failed sending connection event", slogx.Error(err))
		return false
	}
	return true
}

// Close stops the accept loop and waits for it to exit. It is safe to call
// more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.stop.Store(true)
		close(l.quit)

		if werr := l.wake(); werr != nil {
			l.logger.Debug("self-dial failed, closing socket to wake accept", slogx.Error(werr))
		}
		err = l.ln.Close()
		<-l.done
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// wake unblocks Accept by connecting to the listener's own address. Closing
// the socket afterwards covers the case where the dial fails.
func (l *Listener) wake() error {
	conn, err := net.DialTimeout("tcp", dialable(l.ln.Addr()), wakeDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// dialable rewrites wildcard bind addresses to loopback. Wildcard TCP
// listeners are dual-stack, so IPv4 loopback reaches them either way.
func dialable(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
