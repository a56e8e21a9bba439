// Package correlation bridges an asynchronous reply callback to a caller that
// blocks for it.
//
// A Synchronizer is created per in-flight call, keyed by correlation id,
// before the request is sent. The transport's delivery goroutine calls
// Manager.Release when a reply arrives; the caller blocks in Await until that
// happens or its deadline passes.
//
//	caller:      Create(id) ── send ── Await ─────────────┬─→ payload | Timeout
//	I/O thread:                         Release(id, p) ───┘
//
// Each synchronizer leaves Waiting exactly once, by compare-and-swap, either to
// Released (a reply won) or to TimedOut (the deadline won). Whatever loses the
// race is a no-op, which makes late and duplicate replies harmless.
package correlation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	rpcerr "msg-rpc/errors"
)

// State of a synchronizer.
type State int32

const (
	Waiting State = iota
	Released
	TimedOut
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Released:
		return "released"
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

// ErrDuplicateID is returned by Create when the id is already in flight.
var ErrDuplicateID = errors.New("correlation id already registered")

// Synchronizer is a single-use wait/release slot for one call.
type Synchronizer[T any] struct {
	id       string
	timeout  time.Duration
	deadline time.Time
	state    atomic.Int32
	done     chan struct{} // closed when the synchronizer leaves Waiting
	payload  T
	mgr      *Manager[T]
}

func (s *Synchronizer[T]) ID() string {
	return s.id
}

func (s *Synchronizer[T]) State() State {
	return State(s.state.Load())
}

// release stores payload if s is still waiting.
func (s *Synchronizer[T]) release(payload T) bool {
	if !s.state.CompareAndSwap(int32(Waiting), int32(Released)) {
		return false
	}
	s.payload = payload
	close(s.done)
	return true
}

// expire moves s to TimedOut if nothing released it yet.
func (s *Synchronizer[T]) expire() bool {
	if !s.state.CompareAndSwap(int32(Waiting), int32(TimedOut)) {
		return false
	}
	close(s.done)
	return true
}

// Close abandons s: a pending waiter wakes up timed out and s leaves its
// manager. Closing a released synchronizer only removes it.
func (s *Synchronizer[T]) Close() {
	s.expire()
	s.mgr.remove(s)
}

// Await blocks until the synchronizer is released, its deadline (Create time
// plus timeout) passes or ctx is done. The synchronizer is removed from its
// manager on every path.
func (s *Synchronizer[T]) Await(ctx context.Context) (T, error) {
	defer s.mgr.remove(s)

	timer := time.NewTimer(time.Until(s.deadline))
	defer timer.Stop()

	var cause error
	select {
	case <-s.done:
	case <-timer.C:
		s.expire()
		cause = rpcerr.Newf(rpcerr.Timeout, "no reply for %s within %s", s.id, s.timeout)
	case <-ctx.Done():
		s.expire()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = rpcerr.Wrap(rpcerr.Timeout, ctx.Err(), "waiting for "+s.id)
		} else {
			cause = errors.Wrapf(ctx.Err(), "waiting for %s", s.id)
		}
	}
	// Whichever transition won has closed done.
	<-s.done

	var zero T
	if s.State() == Released {
		return s.payload, nil
	}
	if cause == nil {
		cause = rpcerr.Newf(rpcerr.Timeout, "%s expired after %s", s.id, s.timeout)
	}
	return zero, cause
}

// Manager owns the in-flight synchronizers of a client. It is safe for
// concurrent use.
type Manager[T any] struct {
	mu      sync.Mutex
	waiters map[string]*Synchronizer[T]
}

func NewManager[T any]() *Manager[T] {
	return &Manager[T]{waiters: make(map[string]*Synchronizer[T])}
}

// Create registers a waiting synchronizer under id. Registering an id that is
// still in flight is a programming error and fails with ErrDuplicateID.
func (m *Manager[T]) Create(id string, timeout time.Duration) (*Synchronizer[T], error) {
	if timeout <= 0 {
		return nil, rpcerr.Newf(rpcerr.Configuration, "timeout for %s must be positive, got %s", id, timeout)
	}
	s := &Synchronizer[T]{
		id:       id,
		timeout:  timeout,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
		mgr:      m,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waiters[id]; ok {
		return nil, errors.Wrap(ErrDuplicateID, id)
	}
	m.waiters[id] = s
	return s, nil
}

// Release hands payload to the caller waiting on id. It returns false, and
// changes nothing, if id is unknown, already released or timed out.
func (m *Manager[T]) Release(id string, payload T) bool {
	m.mu.Lock()
	s, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return s.release(payload)
}

// Remove drops id from the manager. A waiter still blocked on it wakes up
// with a timeout error and later releases for id return false.
func (m *Manager[T]) Remove(id string) {
	m.mu.Lock()
	s, ok := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()
	if ok {
		s.expire()
	}
}

// remove drops s only if it is still the entry for its id, so a stale
// synchronizer never evicts a newer one that reused the id.
func (m *Manager[T]) remove(s *Synchronizer[T]) {
	m.mu.Lock()
	if cur, ok := m.waiters[s.id]; ok && cur == s {
		delete(m.waiters, s.id)
	}
	m.mu.Unlock()
}

// Sweep times out and removes synchronizers whose deadline has passed. It
// reaps entries whose callers never awaited them and returns how many it
// removed.
func (m *Manager[T]) Sweep() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.waiters {
		if now.Before(s.deadline) {
			continue
		}
		if s.expire() {
			delete(m.waiters, id)
			n++
		}
	}
	return n
}

// Len is the number of in-flight synchronizers.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
