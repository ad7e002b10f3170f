/*
Package pubsub implements a topic-based publish/subscribe broker reachable over
two plain TCP ports.

Publishers connect to one port and write a stream of Message frames.
Subscribers connect to the other, write a single SubscriptionRequest frame
naming the topics they want, and then read every message published to any of
those topics for as long as they stay connected. The frame formats live in
package wire.

# Usage

	broker, err := pubsub.New(
		pubsub.PublisherAddress(":7070"),
		pubsub.SubscriberAddress(":7071"),
	)
	if err != nil {
		return err
	}
	return broker.Run(ctx)

Run blocks until the process receives SIGINT or SIGTERM, ctx is done, or
Terminate is called.

# Architecture

Each listener, each connection and the signal watcher runs on its own
goroutine and reports to the broker by pushing events onto a single unbounded
queue. The goroutine calling Run is the only consumer of that queue and the
only code that touches the routing table, so routing needs no locks.

	listener (publisher port)  ─┐
	listener (subscriber port) ─┤
	publisher handlers         ─┼─> event queue ─> Run ─> subscriber outbound queues
	subscriber handlers        ─┤
	signal watcher             ─┘

Delivery to a subscriber goes through that subscriber's own unbounded queue,
drained by its handler goroutine, so a slow subscriber never blocks routing.
The cost is memory: a subscriber that stops reading grows its queue without
limit.

Delivery is best effort. Nothing is persisted or acknowledged, topics match
exactly, and a message published to a topic nobody subscribes to is dropped.

# Shutdown

Every blocking call the broker owns can be interrupted. Listeners are woken
by dialing their own address, handlers by moving the socket deadlines into
the past. Run returns only after all of them have exited.
*/
package pubsub
