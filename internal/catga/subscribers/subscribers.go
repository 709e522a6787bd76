// Package subscribers implements the in-process transport for Events: a
// per-event-type immutable-snapshot subscriber list behind an atomically
// swapped pointer. Writers synchronize through a single mutex; readers
// never take a lock, loading the current snapshot pointer atomically and
// iterating it without holding anything. This is the pattern spec §4.6
// mandates and the only one it permits — a plain slice behind a
// lock-on-write/unlocked-read discipline is explicitly disallowed there
// because readers could observe a append in progress.
//
// Grounded on the CAS-swap idioms used throughout the teacher for atomic
// state (running atomic.Bool in router/pool/pool.go, isPrimary in
// common/leader/election.go), generalized here to a full list swap.
package subscribers

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler is the callback invoked for each published event.
type Handler[TEvent any] func(ctx context.Context, evt TEvent)

// Subscribers holds the handler list for a single event type T. The zero
// value is ready to use.
type Subscribers[TEvent any] struct {
	writeMu sync.Mutex // serializes writers only; readers never take this
	list    atomic.Pointer[[]Handler[TEvent]]
}

// Add appends h to the subscriber list. Under writeMu it builds a new
// slice (old + h) and atomically stores the pointer; writers are
// serialized by writeMu, so no retry is needed. Readers never observe a
// torn intermediate state because they only ever see one fully-built slice or another.
func (s *Subscribers[TEvent]) Add(h Handler[TEvent]) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.list.Load()
	var oldSlice []Handler[TEvent]
	if old != nil {
		oldSlice = *old
	}
	newSlice := make([]Handler[TEvent], len(oldSlice)+1)
	copy(newSlice, oldSlice)
	newSlice[len(oldSlice)] = h
	s.list.Store(&newSlice)
}

// Snapshot returns the current subscriber list. The returned slice is
// never mutated in place — callers may iterate it freely without
// synchronization, even while a concurrent Add is in flight (that Add
// builds and swaps in a brand new slice rather than touching this one).
func (s *Subscribers[TEvent]) Snapshot() []Handler[TEvent] {
	p := s.list.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len reports the current subscriber count.
func (s *Subscribers[TEvent]) Len() int {
	return len(s.Snapshot())
}
