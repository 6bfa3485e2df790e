package events

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultJournalSize is used when NewDispatcher is given a zero size
const DefaultJournalSize uint32 = 256

// MaxJournalSize guards against accidental misconfiguration
const MaxJournalSize uint32 = 1024 * 1024

// Subscriber receives events synchronously, on the goroutine that emitted them.
// Implementations must not block; use a Queue to hand events to a slow consumer.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(Event)

func (f SubscriberFunc) HandleEvent(e Event) { f(e) }

// Dispatcher fans events out to a fixed subscriber list and keeps a bounded journal of recent events.
// All methods are thread-safe.
type Dispatcher struct {
	subscribers []Subscriber
	journal     mpmc.RichOverlappedRingBuffer[Event]
	logger      *logrus.Logger

	overwritten atomic.Int64
	emitted     atomic.Int64
}

// NewDispatcher creates a dispatcher. The subscriber list is fixed for its lifetime.
func NewDispatcher(logger *logrus.Logger, journalSize uint32, subscribers ...Subscriber) (*Dispatcher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if journalSize == 0 {
		journalSize = DefaultJournalSize
	}
	if journalSize > MaxJournalSize {
		return nil, fmt.Errorf("journal size %d exceeds maximum %d", journalSize, MaxJournalSize)
	}

	subs := make([]Subscriber, 0, len(subscribers))
	for _, s := range subscribers {
		if s != nil {
			subs = append(subs, s)
		}
	}

	return &Dispatcher{
		subscribers: subs,
		journal:     mpmc.NewOverlappedRingBuffer[Event](journalSize),
		logger:      logger,
	}, nil
}

// Emit records e in the journal and invokes every subscriber in order.
// A panicking subscriber is logged and skipped.
func (d *Dispatcher) Emit(e Event) {
	d.emitted.Add(1)

	// Ring buffer handles overflow by dropping the oldest
	if overwrites, err := d.journal.EnqueueM(e); err != nil {
		d.logger.WithError(err).Warn("Failed to journal event")
	} else if overwrites > 0 {
		d.overwritten.Add(int64(overwrites))
	}

	for _, s := range d.subscribers {
		d.deliver(s, e)
	}
}

func (d *Dispatcher) deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"event": e.Kind.String(),
				"panic": r,
			}).Error("Event subscriber panicked")
		}
	}()
	s.HandleEvent(e)
}

// Drain returns the journaled events oldest first and empties the journal.
func (d *Dispatcher) Drain() []Event {
	var out []Event
	for !d.journal.IsEmpty() {
		e, err := d.journal.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// Emitted returns the number of events emitted so far.
func (d *Dispatcher) Emitted() int64 {
	return d.emitted.Load()
}

// Overwritten returns how many journal entries were lost to overflow.
func (d *Dispatcher) Overwritten() int64 {
	return d.overwritten.Load()
}
