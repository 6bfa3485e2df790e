package events

import "sync/atomic"

// RingChannel is a bounded channel that never blocks its producers: when it is full,
// the oldest buffered value makes room for the new one. Consumers read C() like any channel.
//
//	rc := events.NewRingChannel[Event](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(ev)
//	}
//	for v := range rc.C() { ... } // the last 3 only, once Close is called
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel holding up to capacity values
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the consumer side
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend enqueues v, discarding the oldest values until it fits.
// Returns true when something was discarded. Must not be called after Close.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}

		// A consumer may have emptied the slot in between; then the send above simply retries
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Len returns the number of buffered values
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Close closes C. Buffered values can still be received.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns a snapshot of the counters
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
	}
}

// Metrics count values accepted by ForceSend and values it discarded to make room
type Metrics struct {
	Written     int64
	Overwritten int64
}
