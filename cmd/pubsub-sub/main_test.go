package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/pubsub/internal/msgfmt"
	"github.com/casualjim/pubsub/wire"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{name: "default topic", args: []string{"7071"}, want: options{port: 7071, topics: []string{"test"}, format: "console"}},
		{name: "topics", args: []string{"7071", "a", "b", "a"}, want: options{port: 7071, topics: []string{"a", "b", "a"}, format: "console"}},
		{name: "format", args: []string{"-format", "json", "1"}, want: options{port: 1, topics: []string{"test"}, format: "json"}},
		{name: "missing port", wantErr: true},
		{name: "bad port", args: []string{"-1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args, io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// syncBuffer guards a bytes.Buffer written by run and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// fakeBroker accepts one subscriber, records its request, sends msgs and
// then either closes the connection or holds it open until the test ends.
func fakeBroker(t *testing.T, hold bool, msgs ...wire.Message) (string, <-chan wire.SubscriptionRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	requests := make(chan wire.SubscriptionRequest, 1)
	release := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		_ = ln.Close()
		<-done
	})

	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := wire.ReadSubscriptionRequest(conn)
		if err != nil {
			return
		}
		requests <- req
		for _, msg := range msgs {
			if err := wire.WriteMessage(conn, msg); err != nil {
				return
			}
		}
		if hold {
			<-release
		}
	}()
	return ln.Addr().String(), requests
}

func TestRun(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	t.Run("prints until the broker hangs up", func(t *testing.T) {
		addr, requests := fakeBroker(t, false,
			wire.NewMessage("a", []byte("one")),
			wire.NewMessage("b", []byte("two")),
		)
		f, err := msgfmt.New(msgfmt.JSON)
		require.NoError(t, err)

		var out syncBuffer
		require.NoError(t, run(context.Background(), addr, []string{"a", "b"}, f, &out))
		assert.Equal(t, []string{"a", "b"}, (<-requests).Topics)

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "one", gjson.Get(lines[0], "text").String())
		assert.Equal(t, "b", gjson.Get(lines[1], "topic").String())
		assert.True(t, gjson.Get(lines[1], "received_at").Exists())
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		addr, requests := fakeBroker(t, true, wire.NewMessage("test", []byte("hello, world")))
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		f, err := msgfmt.New(msgfmt.Console)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var out syncBuffer
		result := make(chan error, 1)
		go func() { result <- run(ctx, addr, []string{"test"}, f, &out) }()

		<-requests
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "test: hello, world")
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("run ignored cancellation")
		}
	})
}
