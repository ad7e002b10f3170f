package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/pubsub/internal/events"
	"github.com/casualjim/pubsub/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func popEvent(t *testing.T, q *queue.Unbounded[events.Event]) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := q.Pop(ctx)
	require.NoError(t, err)
	return ev
}

func TestListener(t *testing.T) {
	t.Run("forwards accepted connections", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		q := queue.New[events.Event]()
		l, err := Start("127.0.0.1:0", events.Subscriber, q, quietLogger())
		require.NoError(t, err)
		defer l.Close()

		client, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		defer client.Close()

		ev := popEvent(t, q)
		conn, ok := ev.(events.Connection)
		require.True(t, ok, "unexpected event %T", ev)
		assert.Equal(t, events.Subscriber, conn.Kind)
		assert.NoError(t, conn.Err)
		require.NotNil(t, conn.Conn)
		assert.Equal(t, client.LocalAddr().String(), conn.Conn.RemoteAddr().String())
		require.NoError(t, conn.Conn.Close())
		require.NoError(t, l.Close())
	})

	t.Run("close wakes a parked accept", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		q := queue.New[events.Event]()
		l, err := Start("127.0.0.1:0", events.Publisher, q, quietLogger())
		require.NoError(t, err)

		// Give the accept goroutine time to park.
		time.Sleep(20 * time.Millisecond)

		done := make(chan error, 1)
		go func() { done <- l.Close() }()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Close did not return")
		}

		assert.Zero(t, q.Len(), "the wake-up connection must not be forwarded")
		assert.NoError(t, l.Close(), "second Close is a no-op")
	})

	t.Run("wildcard address", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		q := queue.New[events.Event]()
		l, err := Start(":0", events.Publisher, q, quietLogger())
		require.NoError(t, err)
		require.NoError(t, l.Close())
		assert.Zero(t, q.Len())
	})

	t.Run("bind failure", func(t *testing.T) {
		q := queue.New[events.Event]()
		first, err := Start("127.0.0.1:0", events.Publisher, q, quietLogger())
		require.NoError(t, err)
		defer first.Close()

		_, err = Start(first.Addr().String(), events.Subscriber, q, quietLogger())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBind)
		assert.Contains(t, err.Error(), "subscriber")
	})

	t.Run("closed sink drops the connection", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		q := queue.New[events.Event]()
		l, err := Start("127.0.0.1:0", events.Publisher, q, quietLogger())
		require.NoError(t, err)
		defer l.Close()
		q.Close()

		client, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err = client.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF, "listener must close connections it cannot hand over")
		require.NoError(t, l.Close())
	})
}

type unreachableAddr struct{}

func (unreachableAddr) Network() string { return "tcp" }
func (unreachableAddr) String() string  { return "unreachable" }

// failingListener fails every Accept until it is closed.
type failingListener struct {
	accepts   atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func (f *failingListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	default:
	}
	f.accepts.Add(1)
	return nil, errors.New("accept: too many open files")
}

func (f *failingListener) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *failingListener) Addr() net.Addr { return unreachableAddr{} }

func TestListenerAcceptBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := queue.New[events.Event]()
	fl := &failingListener{closed: make(chan struct{})}
	l := serve(fl, events.Publisher, q, quietLogger())

	ev := popEvent(t, q)
	conn, ok := ev.(events.Connection)
	require.True(t, ok, "unexpected event %T", ev)
	assert.Error(t, conn.Err)
	assert.Nil(t, conn.Conn)

	// The eighth failure starts a 640ms pause.
	require.Eventually(t, func() bool { return fl.accepts.Load() >= 8 }, 5*time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Close())
	assert.Less(t, time.Since(start), 200*time.Millisecond, "Close waited out the accept backoff")
}

func TestDialable(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{name: "ipv4 wildcard", addr: &net.TCPAddr{IP: net.IPv4zero, Port: 80}, want: "127.0.0.1:80"},
		{name: "ipv6 wildcard", addr: &net.TCPAddr{IP: net.IPv6unspecified, Port: 81}, want: "127.0.0.1:81"},
		{name: "nil ip", addr: &net.TCPAddr{Port: 82}, want: "127.0.0.1:82"},
		{name: "concrete ip", addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 83}, want: "10.0.0.1:83"},
		{name: "ipv6 loopback", addr: &net.TCPAddr{IP: net.IPv6loopback, Port: 84}, want: "[::1]:84"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dialable(tt.addr))
		})
	}
}
