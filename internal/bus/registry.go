// Package bus fans events out to application listeners.
//
// Three independent registries carry inbound messages, connection state
// changes and unread notifications. Handlers run synchronously on the
// publishing goroutine, in registration order. A handler that panics is
// logged and skipped; the remaining handlers still run.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Unsubscribe removes a handler. It is safe to call more than once and from
// inside a handler; the removed handler receives no event published after
// the call returns.
type Unsubscribe func()

type entry[T any] struct {
	id      uint64
	fn      func(T)
	removed atomic.Bool
}

// Registry is an ordered, concurrency-safe list of handlers for events of
// type T.
type Registry[T any] struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	entries []*entry[T]
}

// NewRegistry creates an empty registry. name appears in panic logs.
func NewRegistry[T any](name string, logger *zap.Logger) *Registry[T] {
	return &Registry[T]{name: name, logger: logger}
}

// Register appends fn and returns its Unsubscribe.
func (r *Registry[T]) Register(fn func(T)) Unsubscribe {
	r.mu.Lock()
	r.nextID++
	e := &entry[T]{id: r.nextID, fn: fn}
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(e) })
	}
}

func (r *Registry[T]) remove(e *entry[T]) {
	e.removed.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.entries {
		if cur.id == e.id {
			// Copy rather than splice in place: a Dispatch in progress may be
			// iterating the old slice.
			next := make([]*entry[T], 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			r.entries = append(next, r.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dispatch delivers v to every handler registered when Dispatch started.
// Handlers added during dispatch see the next event; handlers removed during
// dispatch are skipped if they have not run yet.
func (r *Registry[T]) Dispatch(v T) {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		r.call(e, v)
	}
}

func (r *Registry[T]) call(e *entry[T], v T) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("listener panicked",
				zap.String("registry", r.name),
				zap.Uint64("listener_id", e.id),
				zap.String("panic", fmt.Sprint(p)),
				zap.Stack("stack"),
			)
		}
	}()
	e.fn(v)
}
