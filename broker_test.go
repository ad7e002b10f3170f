package pubsub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/pubsub/internal/listener"
	"github.com/casualjim/pubsub/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testPoll = 20 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type running struct {
	*Broker
	result chan error
}

// startBroker runs a broker on loopback ephemeral ports until the test ends.
func startBroker(t *testing.T, options ...Option) *running {
	t.Helper()
	base := []Option{
		PublisherAddress("127.0.0.1:0"),
		SubscriberAddress("127.0.0.1:0"),
		PollInterval(testPoll),
		Logger(quietLogger()),
	}
	b, err := New(append(base, options...)...)
	require.NoError(t, err)

	r := &running{Broker: b, result: make(chan error, 1)}
	go func() { r.result <- b.Run(context.Background()) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

// stop terminates the broker and waits for Run. It may be called more than
// once.
func (r *running) stop(t *testing.T) {
	t.Helper()
	r.Terminate("test finished")
	select {
	case err, ok := <-r.result:
		if ok {
			assert.NoError(t, err)
			close(r.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Terminate")
	}
}

func (r *running) dialPublisher(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.PublisherAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// subscribe connects a subscriber and waits until the broker has registered
// its request.
func (r *running) subscribe(t *testing.T, topics ...string) net.Conn {
	t.Helper()
	before := r.Stats().Subscriptions

	conn, err := net.Dial("tcp", r.SubscriberAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, wire.WriteSubscriptionRequest(conn, wire.NewSubscriptionRequest(topics...)))
	require.Eventually(t, func() bool {
		return r.Stats().Subscriptions > before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func publish(t *testing.T, conn net.Conn, topic, payload string) {
	t.Helper()
	require.NoError(t, wire.WriteMessage(conn, wire.NewMessage(topic, []byte(payload))))
}

func receive(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	return msg
}

func assertSilent(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*testPoll)))
	_, err := wire.ReadMessage(conn)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded, "expected no further messages")
}

func TestBrokerRouting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := startBroker(t)

	ab := b.subscribe(t, "a", "b")
	c := b.subscribe(t, "c")
	pub := b.dialPublisher(t)

	publish(t, pub, "a", "first")
	publish(t, pub, "c", "second")
	publish(t, pub, "b", "third")

	got := receive(t, ab)
	assert.Equal(t, "a", got.Topic)
	assert.Equal(t, "first", string(got.Payload))
	got = receive(t, ab)
	assert.Equal(t, "b", got.Topic)
	assert.Equal(t, "third", string(got.Payload))

	got = receive(t, c)
	assert.Equal(t, "c", got.Topic)
	assert.Equal(t, "second", string(got.Payload))

	assertSilent(t, ab)
	assertSilent(t, c)
	b.stop(t)
}

func TestBrokerFanOutOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := startBroker(t)

	first := b.subscribe(t, "news")
	second := b.subscribe(t, "news")
	pub := b.dialPublisher(t)

	payloads := []string{"one", "two", "three", "four"}
	for _, p := range payloads {
		publish(t, pub, "news", p)
	}

	for _, sub := range []net.Conn{first, second} {
		for _, want := range payloads {
			got := receive(t, sub)
			assert.Equal(t, "news", got.Topic)
			assert.Equal(t, want, string(got.Payload))
		}
	}
	require.Eventually(t, func() bool { return b.Stats().Routed == 8 }, time.Second, 5*time.Millisecond)
	b.stop(t)
}

func TestBrokerDropsUnroutedMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := startBroker(t)

	sub := b.subscribe(t, "watched")
	pub := b.dialPublisher(t)

	publish(t, pub, "nobody-listens", "lost")
	require.Eventually(t, func() bool { return b.Stats().Dropped == 1 }, 2*time.Second, 5*time.Millisecond)

	publish(t, pub, "watched", "kept")
	got := receive(t, sub)
	assert.Equal(t, "kept", string(got.Payload))
	b.stop(t)
}

func TestBrokerDuplicateTopics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := startBroker(t)

	sub := b.subscribe(t, "a", "a")
	pub := b.dialPublisher(t)
	publish(t, pub, "a", "twice")

	for range 2 {
		got := receive(t, sub)
		assert.Equal(t, "twice", string(got.Payload))
	}
	assertSilent(t, sub)
	b.stop(t)
}

func TestBrokerPrunesDisconnectedSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := startBroker(t)

	gone := b.subscribe(t, "a")
	stays := b.subscribe(t, "b")
	pub := b.dialPublisher(t)
	require.Eventually(t, func() bool { return b.Stats().Topics == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, gone.Close())

	// The handler only notices a vanished peer when a write fails.
	require.Eventually(t, func() bool {
		_ = wire.WriteMessage(pub, wire.NewMessage("a", []byte("ping")))
		return b.Stats().Subscribers == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().Topics == 1 }, time.Second, 5*time.Millisecond)

	// The pruned topic no longer routes anywhere.
	dropped := b.Stats().Dropped
	publish(t, pub, "a", "nobody")
	require.Eventually(t, func() bool { return b.Stats().Dropped > dropped }, time.Second, 5*time.Millisecond)

	publish(t, pub, "b", "still here")
	got := receive(t, stays)
	assert.Equal(t, "still here", string(got.Payload))
	b.stop(t)
}

func TestBrokerPrunesDisconnectedPublishers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := startBroker(t)

	pub := b.dialPublisher(t)
	require.Eventually(t, func() bool { return b.Stats().Publishers == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pub.Close())
	require.Eventually(t, func() bool { return b.Stats().Publishers == 0 }, 2*time.Second, 5*time.Millisecond)
	b.stop(t)
}

func TestBrokerShutdown(t *testing.T) {
	t.Run("with idle and half-open connections", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		b := startBroker(t)

		b.subscribe(t, "a")
		pub := b.dialPublisher(t)

		// A subscriber that never sends its request.
		silent, err := net.Dial("tcp", b.SubscriberAddr().String())
		require.NoError(t, err)
		defer silent.Close()

		// A publisher stuck in the middle of a frame.
		_, err = pub.Write([]byte{0x00, 0x00, 0x00, 0x08, 'h', 'a'})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			s := b.Stats()
			return s.Publishers == 1 && s.Subscribers == 2
		}, 2*time.Second, 5*time.Millisecond)

		b.stop(t)
		stats := b.Stats()
		assert.Zero(t, stats.Publishers)
		assert.Zero(t, stats.Subscribers)

		// Both ports are closed.
		_, err = net.DialTimeout("tcp", b.PublisherAddr().String(), 200*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("context cancellation", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		b, err := New(
			PublisherAddress("127.0.0.1:0"),
			SubscriberAddress("127.0.0.1:0"),
			PollInterval(testPoll),
			Logger(quietLogger()),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)
		go func() { result <- b.Run(ctx) }()
		cancel()

		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run ignored context cancellation")
		}
		assert.ErrorIs(t, b.Run(context.Background()), ErrAlreadyRan)
	})

	t.Run("terminate before run", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		b, err := New(
			PublisherAddress("127.0.0.1:0"),
			SubscriberAddress("127.0.0.1:0"),
			Logger(quietLogger()),
		)
		require.NoError(t, err)

		b.Terminate("early")
		require.NoError(t, b.Run(context.Background()))
		b.Terminate("after shutdown is a no-op")
	})
}

func TestNew(t *testing.T) {
	t.Run("no shutdown signal", func(t *testing.T) {
		_, err := New(
			PublisherAddress("127.0.0.1:0"),
			SubscriberAddress("127.0.0.1:0"),
			Signals(),
			Logger(quietLogger()),
		)
		assert.ErrorIs(t, err, ErrNoShutdownSignal)
	})

	t.Run("invalid poll interval", func(t *testing.T) {
		_, err := New(PollInterval(0), Logger(quietLogger()))
		assert.Error(t, err)
	})

	t.Run("nil mirror", func(t *testing.T) {
		_, err := New(WithMirror(nil), Logger(quietLogger()))
		assert.Error(t, err)
	})

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	t.Run("one port unavailable", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		b, err := New(
			PublisherAddress(taken.Addr().String()),
			SubscriberAddress("127.0.0.1:0"),
			Logger(quietLogger()),
		)
		require.NoError(t, err)
		assert.Nil(t, b.PublisherAddr())
		assert.NotNil(t, b.SubscriberAddr())

		b.Terminate("done")
		require.NoError(t, b.Run(context.Background()))
	})

	t.Run("one port unavailable in strict mode", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		_, err := New(
			PublisherAddress("127.0.0.1:0"),
			SubscriberAddress(taken.Addr().String()),
			StrictListeners(true),
			Logger(quietLogger()),
		)
		require.Error(t, err)
		assert.ErrorIs(t, err, listener.ErrBind)
	})

	t.Run("both ports unavailable", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		_, err := New(
			PublisherAddress(taken.Addr().String()),
			SubscriberAddress(taken.Addr().String()),
			Logger(quietLogger()),
		)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoListeners)
		assert.ErrorIs(t, err, listener.ErrBind)
	})
}

func TestBrokerClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mirror := &recordingMirror{}
	b, err := New(
		PublisherAddress("127.0.0.1:0"),
		SubscriberAddress("127.0.0.1:0"),
		PollInterval(testPoll),
		WithMirror(mirror),
		Logger(quietLogger()),
	)
	require.NoError(t, err)
	pubAddr := b.PublisherAddr().String()
	subAddr := b.SubscriberAddr().String()

	// Accepted before Close but never handled.
	pending, err := net.Dial("tcp", pubAddr)
	require.NoError(t, err)
	defer pending.Close()
	require.Eventually(t, func() bool { return b.events.Len() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, closed := mirror.snapshot()
	assert.True(t, closed)
	assert.ErrorIs(t, b.Run(context.Background()), ErrAlreadyRan)

	require.NoError(t, pending.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = pending.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "pending connection must be closed")

	for _, addr := range []string{pubAddr, subAddr} {
		ln, err := net.Listen("tcp", addr)
		require.NoError(t, err, "port %s still held", addr)
		require.NoError(t, ln.Close())
	}

	t.Run("after run is a no-op", func(t *testing.T) {
		r := startBroker(t)
		r.stop(t)
		assert.NoError(t, r.Close())
	})
}

type recordingMirror struct {
	mu      sync.Mutex
	topics  []string
	closed  bool
	failing bool
}

func (m *recordingMirror) Forward(msg wire.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("mirror unavailable")
	}
	m.topics = append(m.topics, msg.Topic)
	return nil
}

func (m *recordingMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *recordingMirror) snapshot() ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.topics...), m.closed
}

func TestBrokerMirror(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mirror := &recordingMirror{}
	b := startBroker(t, WithMirror(mirror))

	sub := b.subscribe(t, "routed")
	pub := b.dialPublisher(t)
	publish(t, pub, "unrouted", "x")
	publish(t, pub, "routed", "y")
	receive(t, sub)

	b.stop(t)
	topics, closed := mirror.snapshot()
	assert.Equal(t, []string{"unrouted", "routed"}, topics, "every message is mirrored, routed or not")
	assert.True(t, closed)
}
