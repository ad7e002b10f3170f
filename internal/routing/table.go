// Package routing maps topics to the subscribers that asked for them.
//
// A Table is not safe for concurrent use. The broker's event loop is its only
// reader and writer.
package routing

import (
	"slices"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Table maps a topic to subscriber ids in the order they subscribed. Topics
// iterate in the order they were first subscribed to.
type Table struct {
	topics *orderedmap.OrderedMap[string, []uuid.UUID]
}

func New() *Table {
	return &Table{topics: orderedmap.New[string, []uuid.UUID]()}
}

// Subscribe appends id to each topic's list, in the given order. A topic that
// appears twice gets id appended twice, so the subscriber receives every
// message on it twice.
func (t *Table) Subscribe(id uuid.UUID, topics []string) {
	for _, topic := range topics {
		ids, _ := t.topics.Get(topic)
		t.topics.Set(topic, append(ids, id))
	}
}

// Subscribers returns the ids registered for topic. The slice is owned by
// the table; callers must not modify it or keep it across mutations.
func (t *Table) Subscribers(topic string) ([]uuid.UUID, bool) {
	return t.topics.Get(topic)
}

// Remove deletes every entry for id and drops topics left without
// subscribers. It returns the number of entries removed.
func (t *Table) Remove(id uuid.UUID) int {
	var removed int
	var empty []string
	for pair := t.topics.Oldest(); pair != nil; pair = pair.Next() {
		before := len(pair.Value)
		kept := slices.DeleteFunc(slices.Clone(pair.Value), func(v uuid.UUID) bool { return v == id })
		if len(kept) == before {
			continue
		}
		removed += before - len(kept)
		if len(kept) == 0 {
			empty = append(empty, pair.Key)
			continue
		}
		t.topics.Set(pair.Key, kept)
	}
	for _, topic := range empty {
		t.topics.Delete(topic)
	}
	return removed
}

// Len returns the number of topics with at least one subscriber.
func (t *Table) Len() int {
	return t.topics.Len()
}
