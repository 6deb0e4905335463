package beandb

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventRemoved
	EventValueChanged
	EventSorted
	EventCommitted
	EventRolledBack
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventValueChanged:
		return "changed"
	case EventSorted:
		return "sorted"
	case EventCommitted:
		return "committed"
	case EventRolledBack:
		return "rolledback"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a change of a container, a single bean, or a scope.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Container ContainerKey
	Single    SingleKey
	Scope     string
	Index     int
	Field     string
	Value     any

	// Size is the container size after the change.
	Size int
}

// Bus fans events out to subscribers. Publishing never blocks on a
// subscriber: every subscription has its own queue and delivery goroutine,
// and sees events in publish order.
type Bus struct {
	now func() time.Time

	lock   sync.Mutex
	subs   []*Subscription
	closed bool
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers fn to be called for every event published from now on.
// Calls happen on a dedicated goroutine, one at a time.
func (b *Bus) Subscribe(fn func(e Event)) *Subscription {
	sub := &Subscription{bus: b, fn: fn, done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.lock)

	b.lock.Lock()
	if b.closed {
		sub.closed = true
		b.lock.Unlock()
		close(sub.done)
		return sub
	}
	b.subs = append(b.subs, sub)
	b.lock.Unlock()

	go sub.run()
	return sub
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.lock.Lock()
	subs := b.subs
	b.lock.Unlock()
	for _, sub := range subs {
		sub.enqueue(e)
	}
}

// Close closes every subscription, waiting for queued events to be delivered.
func (b *Bus) Close() {
	b.lock.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.lock.Unlock()
	for _, sub := range subs {
		sub.finish()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if i := slices.Index(b.subs, sub); i >= 0 {
		b.subs = slices.Delete(slices.Clone(b.subs), i, i+1)
	}
}

type Subscription struct {
	bus  *Bus
	fn   func(e Event)
	done chan struct{}

	lock   sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func (sub *Subscription) enqueue(e Event) {
	sub.lock.Lock()
	defer sub.lock.Unlock()
	if sub.closed {
		return
	}
	sub.queue = append(sub.queue, e)
	sub.cond.Signal()
}

func (sub *Subscription) run() {
	defer close(sub.done)
	for {
		sub.lock.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		batch := sub.queue
		sub.queue = nil
		closed := sub.closed
		sub.lock.Unlock()

		for _, e := range batch {
			sub.fn(e)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (sub *Subscription) finish() {
	sub.lock.Lock()
	sub.closed = true
	sub.cond.Signal()
	sub.lock.Unlock()
	<-sub.done
}

// Close unsubscribes, then waits until events queued so far are delivered.
// It must not be called from within the subscriber function.
func (sub *Subscription) Close() {
	sub.bus.remove(sub)
	sub.finish()
}
