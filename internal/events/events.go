// Package events defines the closed set of messages that flow from listeners,
// connection handlers and the interrupt producer into the broker's event loop.
//
// Every event is produced on some other goroutine and consumed only by the
// broker. Handlers never read broker state; anything they need the broker to
// know travels as one of these values.
//
//	Event
//	 ├── Connection           a listener accepted (or failed to accept) a connection
//	 ├── Publish              a publisher sent a message
//	 ├── SubscriptionRequest  a subscriber declared its topics
//	 ├── Disconnected         a handler's worker exited
//	 └── Termination          shut the broker down
package events

import (
	"fmt"
	"net"

	"github.com/casualjim/pubsub/wire"
	"github.com/google/uuid"
)

// Event is implemented by every value the broker consumes.
type Event interface {
	brokerEvent()
}

// ConnectionKind tags which port a connection arrived on.
type ConnectionKind int

const (
	Publisher ConnectionKind = iota
	Subscriber
)

func (k ConnectionKind) String() string {
	switch k {
	case Publisher:
		return "publisher"
	case Subscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("ConnectionKind(%d)", int(k))
	}
}

// Connection reports the outcome of one Accept call. Exactly one of Conn and
// Err is set.
type Connection struct {
	Kind ConnectionKind
	Conn net.Conn
	Err  error
}

func (Connection) brokerEvent() {}

// Publish carries one message decoded from a publisher connection.
type Publish struct {
	Message wire.Message
}

func (Publish) brokerEvent() {}

// SubscriptionRequest carries the topics a subscriber asked for.
type SubscriptionRequest struct {
	SubscriberID uuid.UUID
	Request      wire.SubscriptionRequest
}

func (SubscriptionRequest) brokerEvent() {}

// Disconnected is sent by a handler when its worker stops, whatever the
// reason. Err is nil when the worker was asked to stop or the peer closed the
// connection cleanly.
type Disconnected struct {
	Kind ConnectionKind
	ID   uuid.UUID
	Err  error
}

func (Disconnected) brokerEvent() {}

// Termination stops the event loop. It is the only event that does.
type Termination struct {
	Reason string
}

func (Termination) brokerEvent() {}

// Sink is the producer side of the broker's event queue.
type Sink interface {
	Push(Event) error
}
