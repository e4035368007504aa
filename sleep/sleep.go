// Package sleep provides the synchronization primitive used to implement
// relaynet's single-threaded cooperative event loop: a Sleeper blocks on one
// or more Wakers and wakes as soon as any of them is asserted, without
// allocating per wait.
package sleep

import (
	"sync"
	"sync/atomic"
)

// Waker is a source of wake-up notifications consumed by a Sleeper. A Waker
// is associated with exactly one Sleeper via AddWaker.
type Waker struct {
	asserted int32

	mu      sync.Mutex
	sleeper *Sleeper
	id      int
}

// Assert marks the waker as asserted and notifies its associated sleeper, if
// any. Asserting an already-asserted waker is a no-op.
func (w *Waker) Assert() {
	if !atomic.CompareAndSwapInt32(&w.asserted, 0, 1) {
		return
	}

	w.mu.Lock()
	s := w.sleeper
	w.mu.Unlock()
	if s != nil {
		s.notify()
	}
}

// Clear removes the asserted state from the waker without consuming a Fetch.
func (w *Waker) Clear() {
	atomic.StoreInt32(&w.asserted, 0)
}

// IsAsserted reports whether the waker is currently asserted.
func (w *Waker) IsAsserted() bool {
	return atomic.LoadInt32(&w.asserted) == 1
}

// Sleeper waits on a set of Wakers, returning the id of one that has been
// asserted as soon as one becomes available.
type Sleeper struct {
	mu     sync.Mutex
	wakers []*Waker
	ch     chan struct{}
}

// AddWaker associates w with s under the given id. A single waker must only
// be added to one sleeper at a time.
func (s *Sleeper) AddWaker(w *Waker, id int) {
	s.mu.Lock()
	if s.ch == nil {
		s.ch = make(chan struct{}, 1)
	}
	s.wakers = append(s.wakers, w)
	s.mu.Unlock()

	w.mu.Lock()
	w.sleeper = s
	w.id = id
	w.mu.Unlock()

	if w.IsAsserted() {
		s.notify()
	}
}

func (s *Sleeper) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Fetch returns the id of an asserted waker, consuming its assertion. If
// block is true, Fetch waits until a waker is asserted; otherwise it returns
// immediately with ok == false if none is.
func (s *Sleeper) Fetch(block bool) (int, bool) {
	for {
		s.mu.Lock()
		wakers := s.wakers
		s.mu.Unlock()

		for _, w := range wakers {
			if atomic.CompareAndSwapInt32(&w.asserted, 1, 0) {
				return w.id, true
			}
		}

		if !block {
			return 0, false
		}

		<-s.ch
	}
}

// Done disassociates all wakers from the sleeper. It must not be called
// concurrently with Assert on any associated waker.
func (s *Sleeper) Done() {
	s.mu.Lock()
	wakers := s.wakers
	s.wakers = nil
	s.mu.Unlock()

	for _, w := range wakers {
		w.mu.Lock()
		w.sleeper = nil
		w.mu.Unlock()
	}
}
