package events

import "sync"

// Queue is an asynchronous subscriber. HandleEvent never blocks: when the consumer falls behind
// the oldest queued events are dropped.
type Queue struct {
	rc     *RingChannel[Event]
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue holding up to capacity events
func NewQueue(capacity int) *Queue {
	return &Queue{rc: NewRingChannel[Event](capacity)}
}

// HandleEvent implements Subscriber. Events arriving after Close are discarded.
func (q *Queue) HandleEvent(e Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.rc.ForceSend(e)
}

// C returns the consumer side. It is closed by Close.
func (q *Queue) C() <-chan Event {
	return q.rc.C()
}

// Dropped returns how many events were discarded because the consumer fell behind
func (q *Queue) Dropped() int64 {
	return q.rc.GetMetrics().Overwritten
}

// Close stops accepting events and closes C. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.rc.Close()
}
