// Package pubsub is a small in-process fan-out broker. A broker made with
// New never blocks publishers and a subscriber whose buffer is full misses
// the value. A broker made with NewQueued never drops: every subscriber has
// its own unbounded queue.
package pubsub

import "sync"

// Broker fans values out to every current subscriber.
type Broker[T any] struct {
	mu     sync.Mutex
	buffer int
	queued bool
	next   int
	subs   map[int]*subscriber[T]
	closed bool
}

// New creates a lossy broker whose subscriber channels hold buffer values.
func New[T any](buffer int) *Broker[T] {
	return &Broker[T]{buffer: buffer, subs: make(map[int]*subscriber[T])}
}

// NewQueued creates a broker that delivers every value to every subscriber
// in publish order. Values wait in a per-subscriber queue until read.
func NewQueued[T any](buffer int) *Broker[T] {
	b := New[T](buffer)
	b.queued = true
	return b
}

// Subscribe returns a channel of published values and a function that
// unsubscribes and closes it. Values still queued for the subscriber are
// discarded on unsubscribe.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{ch: ch}
	if b.queued {
		sub.wake = make(chan struct{}, 1)
		sub.quit = make(chan struct{})
		go sub.run()
	}
	id := b.next
	b.next++
	b.subs[id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				s.stop()
			}
		})
	}
}

// Publish offers v to every subscriber and returns how many received or
// queued it. It never blocks.
func (b *Broker[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, s := range b.subs {
		if s.offer(v) {
			delivered++
		}
	}
	return delivered
}

// Close closes every subscriber channel once its queued values are read.
// Later subscribers get a closed channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.finish()
	}
}

type subscriber[T any] struct {
	ch chan T

	// Queued subscribers only.
	mu       sync.Mutex
	pending  []T
	finished bool
	wake     chan struct{}
	quit     chan struct{}
}

func (s *subscriber[T]) offer(v T) bool {
	if s.quit == nil {
		select {
		case s.ch <- v:
			return true
		default:
			return false
		}
	}
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends delivery now. The broker lock is held.
func (s *subscriber[T]) stop() {
	if s.quit == nil {
		close(s.ch)
		return
	}
	close(s.quit)
}

// finish ends delivery once the queue is empty. The broker lock is held.
func (s *subscriber[T]) finish() {
	if s.quit == nil {
		close(s.ch)
		return
	}
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

// run moves queued values into ch until stopped or finished and drained.
func (s *subscriber[T]) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		v := s.pending[0]
		var zero T
		s.pending[0] = zero
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.ch <- v:
		case <-s.quit:
			return
		}
	}
}
