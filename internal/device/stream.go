package device

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stream is an in-order execution queue. Submit returns once the work has
// started; Wait blocks until everything submitted so far is complete.
type Stream struct {
	engine Engine

	mu sync.Mutex
	g  *errgroup.Group
}

func newStream(e Engine) *Stream {
	return &Stream{engine: e, g: newInOrderGroup()}
}

func newInOrderGroup() *errgroup.Group {
	g := new(errgroup.Group)
	// One task at a time keeps submissions ordered.
	g.SetLimit(1)
	return g
}

// Engine returns the engine the stream is bound to.
func (s *Stream) Engine() Engine {
	return s.engine
}

// Submit queues fn behind previously submitted work.
func (s *Stream) Submit(fn func() error) {
	s.mu.Lock()
	g := s.g
	s.mu.Unlock()
	g.Go(fn)
}

// Wait blocks until the stream drains and returns the first error
// raised since the previous Wait.
func (s *Stream) Wait() error {
	s.mu.Lock()
	g := s.g
	s.g = newInOrderGroup()
	s.mu.Unlock()
	return g.Wait()
}
