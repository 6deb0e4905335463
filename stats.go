package beandb

import (
	"slices"
	"sync"
	"time"
)

type SizeEntry struct {
	Time time.Time
	Size int
}

// SizeStatistics keeps a bounded history of a container's size. Feed it by
// subscribing Observe to the bus; when full, the oldest entries are dropped.
type SizeStatistics struct {
	container ContainerKey
	capacity  int

	mu      sync.Mutex
	entries []SizeEntry
}

// NewSizeStatistics creates statistics of at most capacity entries; a
// non-positive capacity means unbounded.
func NewSizeStatistics(ck ContainerKey, capacity int) *SizeStatistics {
	return &SizeStatistics{container: ck, capacity: capacity}
}

func (st *SizeStatistics) Container() ContainerKey { return st.container }

// Observe records the size carried by additions and removals of the
// container; other events are ignored.
func (st *SizeStatistics) Observe(e Event) {
	if e.Container != st.container {
		return
	}
	if e.Kind != EventAdded && e.Kind != EventRemoved {
		return
	}
	st.Record(e.Time, e.Size)
}

func (st *SizeStatistics) Record(t time.Time, size int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries = append(st.entries, SizeEntry{t, size})
	if st.capacity > 0 && len(st.entries) > st.capacity {
		st.entries = slices.Delete(st.entries, 0, len(st.entries)-st.capacity)
	}
}

func (st *SizeStatistics) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}

func (st *SizeStatistics) Entries() []SizeEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.entries)
}

// Intervals samples the history every interval, starting at the first entry
// and continuing until a sample at or past the last entry. Each sample holds
// the size recorded most recently at or before its time.
func (st *SizeStatistics) Intervals(interval time.Duration) []SizeEntry {
	if interval <= 0 {
		panic("non-positive interval")
	}
	entries := st.Entries()
	if len(entries) == 0 {
		return nil
	}
	first, last := entries[0].Time, entries[len(entries)-1].Time

	var out []SizeEntry
	i := 0
	for t := first; ; t = t.Add(interval) {
		for i+1 < len(entries) && !entries[i+1].Time.After(t) {
			i++
		}
		out = append(out, SizeEntry{t, entries[i].Size})
		if !t.Before(last) {
			break
		}
	}
	return out
}
