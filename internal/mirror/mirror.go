// Package mirror copies every message the broker routes onto a NATS subject.
//
// Forward only enqueues; a dedicated worker drains the queue into NATS, so a
// slow or disconnected NATS server never stalls the broker's event loop.
// Messages map to subject "<prefix>.<topic>" with the raw payload as data.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/casualjim/pubsub/internal/queue"
	"github.com/casualjim/pubsub/pkg/slogx"
	"github.com/casualjim/pubsub/pkg/uuidx"
	"github.com/casualjim/pubsub/wire"
	"github.com/fogfish/opts"
	"github.com/nats-io/nats.go"
)

// TopicHeader carries the original broker topic, since subject mapping is
// lossy.
const TopicHeader = "Pubsub-Topic"

// Publisher is the part of *nats.Conn the mirror needs.
type Publisher interface {
	PublishMsg(*nats.Msg) error
	FlushTimeout(time.Duration) error
}

// Mirror forwards messages to NATS from its own goroutine.
type Mirror struct {
	conn         Publisher
	prefix       string
	flushTimeout time.Duration
	logger       *slog.Logger

	pending   *queue.Unbounded[wire.Message]
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var (
	// Prefix sets the first subject token. Defaults to "pubsub".
	Prefix = opts.ForName[Mirror, string]("prefix")
	// FlushTimeout bounds the final flush in Close. Defaults to 2s.
	FlushTimeout = opts.ForName[Mirror, time.Duration]("flushTimeout")
	// Logger sets the parent logger. Defaults to slog.Default().
	Logger = opts.ForName[Mirror, *slog.Logger]("logger")
)

// New starts a mirror publishing through conn.
func New(conn Publisher, options ...opts.Option[Mirror]) (*Mirror, error) {
	if conn == nil {
		return nil, errors.New("mirror: a NATS connection is required")
	}

	m := &Mirror{
		conn:         conn,
		prefix:       "pubsub",
		flushTimeout: 2 * time.Second,
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.prefix = strings.Trim(sanitize(m.prefix), ".")
	m.logger = m.logger.With(slogx.LoggerName("pubsub.mirror"), slog.String("prefix", m.prefix))
	m.pending = queue.New[wire.Message]()
	m.done = make(chan struct{})

	go m.run()
	return m, nil
}

// Forward enqueues msg for publication. It never blocks and fails only after
// Close.
func (m *Mirror) Forward(msg wire.Message) error {
	return m.pending.Push(msg)
}

// Pending reports how many messages are waiting for the worker.
func (m *Mirror) Pending() int {
	return m.pending.Len()
}

// Subject returns the NATS subject a topic is published on.
func (m *Mirror) Subject(topic string) string {
	if m.prefix == "" {
		return subjectTokens(topic)
	}
	return m.prefix + "." + subjectTokens(topic)
}

func (m *Mirror) run() {
	defer close(m.done)

	for {
		msg, err := m.pending.Pop(context.Background())
		if err != nil {
			return
		}

		nmsg := nats.NewMsg(m.Subject(msg.Topic))
		nmsg.Data = msg.Payload
		nmsg.Header.Set(nats.MsgIdHdr, uuidx.NewOrdered().String())
		nmsg.Header.Set(TopicHeader, msg.Topic)

		if err := m.conn.PublishMsg(nmsg); err != nil {
			m.logger.Error("failed mirroring message", slogx.Error(err), slogx.Topic(msg.Topic))
		}
	}
}

// Close stops accepting messages, publishes what is already queued and
// flushes the connection. It does not close the NATS connection.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() {
		m.pending.Close()
		<-m.done
		if err := m.conn.FlushTimeout(m.flushTimeout); err != nil {
			m.logger.Warn("failed flushing mirror", slogx.Error(err))
			m.closeErr = err
		}
	})
	return m.closeErr
}

// subjectTokens turns a topic into one or more valid subject tokens. Dots keep
// their hierarchical meaning; empty tokens become "_".
func subjectTokens(topic string) string {
	tokens := strings.Split(sanitize(topic), ".")
	for i, tok := range tokens {
		if tok == "" {
			tokens[i] = "_"
		}
	}
	return strings.Join(tokens, ".")
}

// sanitize replaces whitespace and wildcard characters, none of which may
// appear in a published subject.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, s)
}
