// Package registry holds live connection handlers keyed by their identifier.
package registry

import (
	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
)

// Registry maps connection identifiers to handlers.
type Registry[T any] interface {
	Get(id uuid.UUID) (T, bool)
	Add(id uuid.UUID, value T)
	Del(id uuid.UUID) (T, bool)
	Len() int
	// Clear removes and returns every entry.
	Clear() []T
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(id uuid.UUID) (T, bool) {
	return r.values.Get(id.String())
}

func (r *registry[T]) Add(id uuid.UUID, value T) {
	r.values.Set(id.String(), value)
}

func (r *registry[T]) Del(id uuid.UUID) (T, bool) {
	key := id.String()
	v, ok := r.values.Get(key)
	if ok {
		r.values.Del(key)
	}
	return v, ok
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}

func (r *registry[T]) Clear() []T {
	var keys []string
	var out []T
	r.values.ForEach(func(key string, v T) bool {
		keys = append(keys, key)
		out = append(out, v)
		return true
	})
	if len(keys) > 0 {
		r.values.Del(keys...)
	}
	return out
}
