package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next after the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// Subscription is an unbounded, ordered queue of changes. A slow consumer
// makes its queue grow; no change is ever dropped.
type Subscription struct {
	r      *Registry
	mu     sync.Mutex
	queue  []Change
	wake   chan struct{}
	closed bool
}

// Subscribe returns a subscription that receives every change published
// after this call.
func (r *Registry) Subscribe() *Subscription {
	s := &Subscription{r: r, wake: make(chan struct{}, 1)}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (s *Subscription) push(c Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a change is available, the subscription is closed, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue[0] = Change{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return c, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Change{}, ErrClosed
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return Change{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued changes.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription. Queued changes are discarded.
func (s *Subscription) Close() {
	s.r.mu.Lock()
	delete(s.r.subs, s)
	s.r.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
