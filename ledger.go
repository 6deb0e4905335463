package beandb

import (
	"maps"
	"slices"
	"sort"
)

// fieldChanges holds staged field values of one bean. Order is first write;
// a later write of the same field replaces the value in place.
type fieldChanges struct {
	changes []FieldChange
}

func (fc *fieldChanges) set(field string, value any) {
	for i := range fc.changes {
		if fc.changes[i].Field == field {
			fc.changes[i].Value = value
			return
		}
	}
	fc.changes = append(fc.changes, FieldChange{field, value})
}

func (fc *fieldChanges) applyTo(values map[string]any) {
	if fc == nil {
		return
	}
	for _, c := range fc.changes {
		values[c.Field] = c.Value
	}
}

func (fc *fieldChanges) list() []FieldChange {
	return slices.Clone(fc.changes)
}

// stagedRemoval records a removed persisted bean. pos is the current index
// the bean had when removed, shifted by later edits; it is a tombstone, the
// slot now holds the next bean.
type stagedRemoval struct {
	initial int
	pos     int
}

// containerLedger is a scope's staged edits of one container.
//
// Invariants: additions are sorted by Index (current index, distinct);
// removals are sorted by initial (distinct); changes are keyed by current
// index.
type containerLedger struct {
	key       ContainerKey
	additions []*BeanAddition
	removals  []stagedRemoval
	changes   map[int]*fieldChanges
}

func newContainerLedger(ck ContainerKey) *containerLedger {
	return &containerLedger{key: ck, changes: make(map[int]*fieldChanges)}
}

func (l *containerLedger) empty() bool {
	return len(l.additions) == 0 && len(l.removals) == 0 && len(l.changes) == 0
}

// size returns the current size given the persisted one.
func (l *containerLedger) size(persisted int) int {
	return persisted + len(l.additions) - len(l.removals)
}

// additionsBefore returns the number of staged additions at indices below c.
func (l *containerLedger) additionsBefore(c int) int {
	return sort.Search(len(l.additions), func(i int) bool {
		return l.additions[i].Index >= c
	})
}

func (l *containerLedger) additionAt(c int) (int, *BeanAddition) {
	i := l.additionsBefore(c)
	if i < len(l.additions) && l.additions[i].Index == c {
		return i, l.additions[i]
	}
	return i, nil
}

// initialIndex translates a current index that is not a staged addition into
// the persisted position of the bean it refers to.
func (l *containerLedger) initialIndex(c int) int {
	i := c - l.additionsBefore(c)
	for _, r := range l.removals {
		if r.initial > i {
			break
		}
		i++
	}
	return i
}

// currentIndex translates a persisted position into a current index. It
// returns false if the bean is staged for removal.
func (l *containerLedger) currentIndex(initial int) (int, bool) {
	j := sort.Search(len(l.removals), func(j int) bool {
		return l.removals[j].initial >= initial
	})
	if j < len(l.removals) && l.removals[j].initial == initial {
		return -1, false
	}
	s := initial - j
	c := s
	for k, a := range l.additions {
		if a.Index-k > s {
			break
		}
		c++
	}
	return c, true
}

func (l *containerLedger) isTombstone(c int) bool {
	for _, r := range l.removals {
		if r.pos == c {
			return true
		}
	}
	return false
}

// shiftFrom moves every staged position p >= from by delta.
func (l *containerLedger) shiftFrom(from, delta int) {
	for _, a := range l.additions {
		if a.Index >= from {
			a.Index += delta
		}
	}
	for i := range l.removals {
		if l.removals[i].pos >= from {
			l.removals[i].pos += delta
		}
	}
	var moved map[int]*fieldChanges
	for c, fc := range l.changes {
		if c >= from {
			if moved == nil {
				moved = make(map[int]*fieldChanges)
			}
			moved[c+delta] = fc
			delete(l.changes, c)
		}
	}
	maps.Copy(l.changes, moved)
}

func (l *containerLedger) add(a *BeanAddition) {
	l.shiftFrom(a.Index, +1)
	i := l.additionsBefore(a.Index)
	l.additions = slices.Insert(l.additions, i, a)
}

// remove stages the removal of the bean at current index c. A staged
// addition at c is cancelled instead.
func (l *containerLedger) remove(c int) {
	delete(l.changes, c)
	if i, a := l.additionAt(c); a != nil {
		l.additions = slices.Delete(l.additions, i, i+1)
	} else {
		initial := l.initialIndex(c)
		j := sort.Search(len(l.removals), func(j int) bool {
			return l.removals[j].initial >= initial
		})
		l.removals = slices.Insert(l.removals, j, stagedRemoval{initial, c})
	}
	l.shiftFrom(c+1, -1)
}

func (l *containerLedger) setValue(c int, field string, value any) {
	fc := l.changes[c]
	if fc == nil {
		fc = &fieldChanges{}
		l.changes[c] = fc
	}
	fc.set(field, value)
}

// plan computes the order of applier calls. Additions come first, at their
// positions within the store with additions applied but removals not yet;
// removals follow in that same coordinate system, highest first.
//
// A removed bean and an addition in the same gap between surviving beans are
// ordered removed-first.
func (l *containerLedger) plan() (additions []*BeanAddition, removals []int) {
	gaps := make([]int, len(l.additions))
	for k, a := range l.additions {
		gaps[k] = a.Index - k
	}
	for k, a := range l.additions {
		m := a.Index
		for j, r := range l.removals {
			if r.initial-j <= gaps[k] {
				m++
			}
		}
		cp := *a
		cp.Index = m
		cp.Values = maps.Clone(a.Values)
		additions = append(additions, &cp)
	}
	for j, r := range l.removals {
		m := r.initial
		for _, g := range gaps {
			if g < r.initial-j {
				m++
			}
		}
		removals = append(removals, m)
	}
	slices.Reverse(removals)
	return additions, removals
}

// changedIndices returns the indices with staged value changes, ascending.
func (l *containerLedger) changedIndices() []int {
	return slices.Sorted(maps.Keys(l.changes))
}
