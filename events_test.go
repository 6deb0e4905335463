package beandb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Kind.String())
	}
	return out
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var log eventLog
	sub := bus.Subscribe(log.add)
	for i := range 100 {
		bus.Publish(Event{Kind: EventAdded, Index: i})
	}
	sub.Close()

	require.Len(t, log.events, 100)
	for i, e := range log.events {
		assert.Equal(t, i, e.Index)
		assert.False(t, e.Time.IsZero())
	}

	// nothing arrives after Close
	bus.Publish(Event{Kind: EventAdded})
	assert.Len(t, log.events, 100)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	var log eventLog
	bus.Subscribe(func(e Event) {
		<-release
		log.add(e)
	})

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(Event{Kind: EventSorted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()
	assert.Len(t, log.events, 10)

	sub := bus.Subscribe(log.add)
	sub.Close()
}

func TestContainerEvents(t *testing.T) {
	bus := NewBus()
	var log eventLog
	bus.Subscribe(log.add)
	db := setup(t, Options{Bus: bus})
	c := openItems(t, db, "items")

	require.NoError(t, c.Add(item(t, 1, "")))
	require.NoError(t, c.Add(item(t, 2, "")))
	b := must(c.Bean(0))
	require.NoError(t, b.Set("name", "x"))
	require.NoError(t, c.Sort(func(a, b *Bean) int { return -1 }))
	_, err := c.RemoveAt(1)
	require.NoError(t, err)
	require.NoError(t, db.Do(func(s *Scope) error {
		return s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType})
	}))
	bus.Close()

	assert.Equal(t, []string{"added", "added", "changed", "sorted", "removed", "added", "committed"}, log.kinds())
	changed := log.events[2]
	assert.Equal(t, ContainerKey("items"), changed.Container)
	assert.Equal(t, "name", changed.Field)
	assert.Equal(t, "x", changed.Value)
	assert.Equal(t, 1, log.events[4].Size)
}

func TestSizeStatistics(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewSizeStatistics("items", 3)
	st.Observe(Event{Kind: EventAdded, Container: "other", Time: base, Size: 9})
	st.Observe(Event{Kind: EventValueChanged, Container: "items", Time: base, Size: 9})
	st.Observe(Event{Kind: EventAdded, Container: "items", Time: base, Size: 1})
	st.Observe(Event{Kind: EventAdded, Container: "items", Time: base.Add(10 * time.Second), Size: 2})
	st.Observe(Event{Kind: EventAdded, Container: "items", Time: base.Add(25 * time.Second), Size: 3})
	st.Observe(Event{Kind: EventRemoved, Container: "items", Time: base.Add(40 * time.Second), Size: 2})

	require.Equal(t, 3, st.Len())
	entries := st.Entries()
	assert.Equal(t, 2, entries[0].Size)

	samples := st.Intervals(20 * time.Second)
	var sizes []int
	for _, s := range samples {
		sizes = append(sizes, s.Size)
	}
	// samples at +10s, +30s, +50s
	assert.Equal(t, []int{2, 3, 2}, sizes)
	assert.Equal(t, base.Add(50*time.Second), samples[2].Time)
}

func TestSizeStatisticsFromBus(t *testing.T) {
	db := setup(t, Options{})
	st := NewSizeStatistics("items", 0)
	sub := db.Bus().Subscribe(st.Observe)
	c := openItems(t, db, "items")
	for i := range 3 {
		require.NoError(t, c.Add(item(t, i, "")))
	}
	_, err := c.RemoveAt(0)
	require.NoError(t, err)
	sub.Close()

	var sizes []int
	for _, e := range st.Entries() {
		sizes = append(sizes, e.Size)
	}
	assert.Equal(t, []int{1, 2, 3, 2}, sizes)
}
