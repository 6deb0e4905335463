package beandb

import (
	"iter"
	"log/slog"
	"slices"
	"sync"
)

type ContainerOptions struct {
	// Automatic containers are filled by the beans themselves: an OnCreate
	// hook may add beans while the container is instantiating one. Such
	// additions are queued and applied once construction finishes; an
	// addition of the bean under construction is dropped.
	Automatic bool
}

// Container is an ordered, indexed collection of beans backed by a row
// table. Positions are always dense: [0, Size()).
//
// The container caches one Bean per position once it has been accessed. The
// cache is kept in step with rows on every insertion, removal and sort.
type Container struct {
	db        *DB
	key       ContainerKey
	typ       *RecordType
	automatic bool

	mu           sync.Mutex
	slots        []*Bean // nil until first accessed
	limit        int     // -1 means unlimited
	evicting     bool
	constructing int
	queued       []queuedAddition
	dropped      bool
}

type queuedAddition struct {
	bean  *Bean
	index int
}

func newContainer(db *DB, ck ContainerKey, typ *RecordType, size int, opt ContainerOptions) *Container {
	return &Container{
		db:        db,
		key:       ck,
		typ:       typ,
		automatic: opt.Automatic,
		slots:     make([]*Bean, size),
		limit:     -1,
	}
}

func (c *Container) Key() ContainerKey { return c.key }

func (c *Container) Type() *RecordType { return c.typ }

func (c *Container) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Limit returns the maximum size, or -1 if unlimited.
func (c *Container) Limit() (limit int, evicting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit, c.evicting
}

func (c *Container) checkUsableLocked() error {
	if c.dropped {
		return stateErrf(c.key, nil, "container was removed")
	}
	return nil
}

// checkWritableLocked also rejects direct writes while a scope holds the
// container, since they would move rows under the scope's staged positions.
// Applier writes come from the holding scope itself and skip this check.
func (c *Container) checkWritableLocked() error {
	if err := c.checkUsableLocked(); err != nil {
		return err
	}
	key := c.key.claim()
	if s := c.db.mgr.registry.owner(key); s != nil {
		return &ConcurrentTransactionError{Key: key, Owner: s.ID()}
	}
	return nil
}

// Add appends b.
func (c *Container) Add(b *Bean) error {
	return c.AddBean(b, -1)
}

// AddBean inserts b at index, moving later beans up by one; index -1 means
// at the end. b becomes bound to the new row. If b is already bound to a
// container, a new bean holding a copy of its values is inserted instead.
//
// With a limit set and reached, an evicting container first removes the bean
// at index 0, and a non-evicting one fails with ErrLimitReached.
func (c *Container) AddBean(b *Bean, index int) error {
	// Read values before locking, b may be bound to another container.
	values, err := b.Values()
	if err != nil {
		return err
	}
	c.db.types.Register(b.typ)

	c.mu.Lock()
	if c.automatic && c.constructing > 0 {
		c.queued = append(c.queued, queuedAddition{b, index})
		c.mu.Unlock()
		return nil
	}
	events, err := c.addLocked(b, values, index)
	c.mu.Unlock()
	c.publish(events)
	return err
}

func (c *Container) addLocked(b *Bean, values map[string]any, index int) ([]Event, error) {
	if err := c.checkWritableLocked(); err != nil {
		return nil, err
	}
	if index == -1 {
		index = len(c.slots)
	}
	if index < 0 || index > len(c.slots) {
		return nil, indexErrf(c.key, "add", index, len(c.slots)+1)
	}

	var events []Event
	if c.limit >= 0 && len(c.slots) >= c.limit {
		if !c.evicting || c.limit == 0 {
			return nil, &LimitError{c.key, c.limit}
		}
		ev, err := c.removeLocked(0)
		if err != nil {
			return nil, err
		}
		events = append(events, ev.Event)
		if index > 0 {
			index--
		}
	}

	if b.Bound() {
		b = &Bean{typ: b.typ}
	}
	err := c.db.write(func(tx *Tx) error {
		r, err := tx.createRows(c.key)
		if err != nil {
			return err
		}
		return r.insertAt(index, encodeRow(b.typ, values))
	})
	if err != nil {
		return events, err
	}
	c.insertSlotLocked(index, b)
	b.setSource(&rowSource{c: c, pos: index})
	c.db.AddedCount.Add(1)
	c.db.logVerbose("beandb: add", "container", c.key, "index", index, "size", len(c.slots))
	return append(events, Event{Kind: EventAdded, Container: c.key, Index: index, Size: len(c.slots)}), nil
}

// Bean returns the bean at index, instantiating and binding it on first
// access.
func (c *Container) Bean(index int) (*Bean, error) {
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if index < 0 || index >= len(c.slots) {
		c.mu.Unlock()
		return nil, indexErrf(c.key, "get", index, len(c.slots))
	}
	if b := c.slots[index]; b != nil {
		c.mu.Unlock()
		return b, nil
	}
	typ, _, err := c.loadRowLocked(index)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	b := &Bean{typ: typ, src: &rowSource{c: c, pos: index}}
	c.slots[index] = b
	c.constructing++
	c.mu.Unlock()

	c.construct(b)
	return b, nil
}

func (c *Container) construct(b *Bean) {
	defer func() {
		c.mu.Lock()
		c.constructing--
		var queued []queuedAddition
		if c.constructing == 0 {
			queued, c.queued = c.queued, nil
		}
		c.mu.Unlock()

		for _, q := range queued {
			if q.bean == b {
				continue
			}
			if err := c.AddBean(q.bean, q.index); err != nil {
				c.db.logWarn("beandb: queued addition failed", err, slog.String("container", string(c.key)), slog.Int("index", q.index))
			}
		}
	}()
	if b.typ.OnCreate != nil {
		b.typ.OnCreate(b)
	}
}

// RemoveAt removes the bean at index and returns it, detached.
func (c *Container) RemoveAt(index int) (*Bean, error) {
	c.mu.Lock()
	if err := c.checkWritableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if index < 0 || index >= len(c.slots) {
		c.mu.Unlock()
		return nil, indexErrf(c.key, "remove", index, len(c.slots))
	}
	b := c.slots[index]
	ev, err := c.removeLocked(index)
	if err == nil && b == nil {
		b = ev.removed
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.publish([]Event{ev.Event})
	return b, nil
}

// RemoveBean removes b if it is one of this container's beans. It reports
// whether anything was removed.
func (c *Container) RemoveBean(b *Bean) (bool, error) {
	c.mu.Lock()
	if err := c.checkWritableLocked(); err != nil {
		c.mu.Unlock()
		return false, err
	}
	index := slices.Index(c.slots, b)
	if index < 0 || b == nil {
		c.mu.Unlock()
		return false, nil
	}
	ev, err := c.removeLocked(index)
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	c.publish([]Event{ev.Event})
	return true, nil
}

type removalEvent struct {
	Event
	removed *Bean
}

// removeLocked deletes the row at index and detaches its bean, if any. For a
// position never accessed, removed is a new detached bean with the row's
// values.
func (c *Container) removeLocked(index int) (removalEvent, error) {
	var typ *RecordType
	var values map[string]any
	err := c.db.write(func(tx *Tx) error {
		r := tx.rows(c.key)
		raw := r.get(index)
		if raw == nil {
			return storageErrf("remove", CurrentIndexKey{c.key, index}, errNoRows)
		}
		var err error
		typ, values, err = decodeRow(c.db.types, raw)
		if err != nil {
			return err
		}
		return r.deleteAt(index)
	})
	if err != nil {
		return removalEvent{}, err
	}

	b := c.slots[index]
	c.deleteSlotLocked(index)
	if b != nil {
		b.setSource(&memSource{vals: values})
	} else {
		b = &Bean{typ: typ, src: &memSource{vals: values}}
	}
	c.db.RemovedCount.Add(1)
	c.db.logVerbose("beandb: remove", "container", c.key, "index", index, "size", len(c.slots))
	return removalEvent{Event{Kind: EventRemoved, Container: c.key, Index: index, Size: len(c.slots)}, b}, nil
}

// Replace swaps the bean at index for b and returns the old bean, detached.
func (c *Container) Replace(b *Bean, index int) (*Bean, error) {
	values, err := b.Values()
	if err != nil {
		return nil, err
	}
	c.db.types.Register(b.typ)

	c.mu.Lock()
	if err := c.checkWritableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if index < 0 || index >= len(c.slots) {
		c.mu.Unlock()
		return nil, indexErrf(c.key, "replace", index, len(c.slots))
	}
	old := c.slots[index]
	ev, err := c.removeLocked(index)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if old == nil {
		old = ev.removed
	}
	events, err := c.addLocked(b, values, index)
	c.mu.Unlock()
	c.publish(append([]Event{ev.Event}, events...))
	return old, err
}

// Clear removes every bean.
func (c *Container) Clear() error {
	c.mu.Lock()
	if err := c.checkWritableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	all := make([]map[string]any, len(c.slots))
	err := c.db.write(func(tx *Tx) error {
		r := tx.rows(c.key)
		var derr error
		r.scan(func(pos int, raw []byte) bool {
			if pos >= 0 && pos < len(all) {
				_, all[pos], derr = decodeRow(c.db.types, raw)
			}
			return derr == nil
		})
		if derr != nil {
			return derr
		}
		_, err := r.clear()
		return err
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	n := len(c.slots)
	for i, b := range c.slots {
		if b != nil {
			b.setSource(&memSource{vals: all[i]})
		}
	}
	c.slots = nil
	c.db.RemovedCount.Add(uint64(n))
	c.mu.Unlock()

	events := make([]Event, 0, n)
	for i := n - 1; i >= 0; i-- {
		events = append(events, Event{Kind: EventRemoved, Container: c.key, Index: i, Size: i})
	}
	c.publish(events)
	return nil
}

// IndexOf returns the position of b, or -1. A bean not cached by this
// container is looked up by its identifier fields, which fails with
// ErrNoIdentifiers if its type has none.
func (c *Container) IndexOf(b *Bean) (int, error) {
	c.mu.Lock()
	index := slices.Index(c.slots, b)
	c.mu.Unlock()
	if index >= 0 {
		return index, nil
	}
	if !b.typ.HasIdentifiers() {
		return -1, ErrNoIdentifiers
	}
	ids, err := b.identifierValues()
	if err != nil {
		return -1, err
	}
	return c.findIndex(ids)
}

func (c *Container) Contains(b *Bean) bool {
	index, _ := c.IndexOf(b)
	return index >= 0
}

// findIndex returns the first position whose row matches all of want.
func (c *Container) findIndex(want map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := -1
	err := c.db.read(func(tx *Tx) error {
		var derr error
		tx.rows(c.key).scan(func(pos int, raw []byte) bool {
			var vals map[string]any
			_, vals, derr = decodeRow(c.db.types, raw)
			if derr != nil {
				return false
			}
			if matchesAll(vals, want) {
				found = pos
				return false
			}
			return true
		})
		return derr
	})
	return found, err
}

// FindByFieldValue returns the first bean whose field equals value, or nil.
func (c *Container) FindByFieldValue(field string, value any) (*Bean, error) {
	v, err := c.typ.normalizeValue(field, value)
	if err != nil {
		return nil, err
	}
	index, err := c.findIndex(map[string]any{field: v})
	if err != nil || index < 0 {
		return nil, err
	}
	return c.Bean(index)
}

// SetLimit caps the container at limit beans; a negative limit removes the
// cap. If the container is over the new limit, beans are removed from the
// front right away, whether evicting or not. evicting decides what later
// additions at the limit do, see AddBean.
func (c *Container) SetLimit(limit int, evicting bool) error {
	c.mu.Lock()
	if err := c.checkWritableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if limit < 0 {
		limit = -1
	}
	c.limit = limit
	c.evicting = evicting
	var events []Event
	var err error
	for limit >= 0 && len(c.slots) > limit {
		var ev removalEvent
		ev, err = c.removeLocked(0)
		if err != nil {
			break
		}
		events = append(events, ev.Event)
	}
	c.mu.Unlock()
	c.publish(events)
	return err
}

// Sort reorders the beans by cmp. Every bean is instantiated first; cmp runs
// without any container lock held. The rows are renumbered in a single
// storage transaction.
func (c *Container) Sort(cmp func(a, b *Bean) int) error {
	n := c.Size()
	beans := make([]*Bean, n)
	for i := range n {
		b, err := c.Bean(i)
		if err != nil {
			return err
		}
		beans[i] = b
	}
	sorted := slices.Clone(beans)
	slices.SortStableFunc(sorted, cmp)

	oldPos := make(map[*Bean]int, len(beans))
	for i, b := range beans {
		oldPos[b] = i
	}
	newPos := make([]int, len(beans))
	for i, b := range sorted {
		newPos[oldPos[b]] = i
	}

	c.mu.Lock()
	if err := c.checkWritableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !slices.Equal(c.slots, beans) {
		c.mu.Unlock()
		return stateErrf(c.key, nil, "container modified while sorting")
	}
	err := c.db.write(func(tx *Tx) error {
		return tx.rows(c.key).permute(newPos)
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.slots = sorted
	for i, b := range sorted {
		if rs, ok := b.source().(*rowSource); ok && rs.c == c {
			rs.pos = i
		}
	}
	size := len(c.slots)
	c.mu.Unlock()

	c.publish([]Event{{Kind: EventSorted, Container: c.key, Index: -1, Size: size}})
	return nil
}

// All iterates over the beans in order, instantiating them as needed. It
// stops at the first error.
func (c *Container) All() iter.Seq2[int, *Bean] {
	return func(yield func(int, *Bean) bool) {
		for i := 0; i < c.Size(); i++ {
			b, err := c.Bean(i)
			if err != nil {
				return
			}
			if !yield(i, b) {
				return
			}
		}
	}
}

// Values returns the values of every bean, in order.
func (c *Container) Values() ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.slots))
	err := c.db.read(func(tx *Tx) error {
		var derr error
		tx.rows(c.key).scan(func(pos int, raw []byte) bool {
			if pos >= 0 && pos < len(out) {
				_, out[pos], derr = decodeRow(c.db.types, raw)
			}
			return derr == nil
		})
		return derr
	})
	return out, err
}

func (c *Container) loadRowLocked(index int) (*RecordType, map[string]any, error) {
	var typ *RecordType
	var values map[string]any
	err := c.db.read(func(tx *Tx) error {
		raw := tx.rows(c.key).get(index)
		if raw == nil {
			return storageErrf("load", CurrentIndexKey{c.key, index}, errNoRows)
		}
		var err error
		typ, values, err = decodeRow(c.db.types, raw)
		return err
	})
	return typ, values, err
}

func (c *Container) writeChangesLocked(index int, changes []FieldChange) error {
	return c.db.write(func(tx *Tx) error {
		r := tx.rows(c.key)
		raw := r.get(index)
		if raw == nil {
			return storageErrf("update", CurrentIndexKey{c.key, index}, errNoRows)
		}
		typ, values, err := decodeRow(c.db.types, raw)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			v, err := typ.normalizeValue(ch.Field, ch.Value)
			if err != nil {
				return err
			}
			values[ch.Field] = v
		}
		c.db.ChangedCount.Add(uint64(len(changes)))
		return r.put(index, encodeRow(typ, values))
	})
}

// insertSlotLocked inserts b (possibly nil) at index and renumbers the
// bound beans after it.
func (c *Container) insertSlotLocked(index int, b *Bean) {
	c.slots = slices.Insert(c.slots, index, b)
	c.renumberLocked(index + 1)
}

func (c *Container) deleteSlotLocked(index int) {
	c.slots = slices.Delete(c.slots, index, index+1)
	c.renumberLocked(index)
}

func (c *Container) renumberLocked(from int) {
	for i := from; i < len(c.slots); i++ {
		if b := c.slots[i]; b != nil {
			if rs, ok := b.source().(*rowSource); ok && rs.c == c {
				rs.pos = i
			}
		}
	}
}

func (c *Container) markDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	for _, b := range c.slots {
		if b != nil {
			if rs, ok := b.source().(*rowSource); ok && rs.c == c {
				rs.detached = true
				b.setSource(&memSource{vals: b.typ.InitialValues()})
			}
		}
	}
	c.slots = nil
}

func (c *Container) publish(events []Event) {
	for _, e := range events {
		c.db.publish(e)
	}
}

// applyAdditions inserts rows staged by a scope. Indices are ascending and
// each accounts for the ones before it. Limits are not enforced.
func (c *Container) applyAdditions(adds []*BeanAddition) error {
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	err := c.db.write(func(tx *Tx) error {
		r, err := tx.createRows(c.key)
		if err != nil {
			return err
		}
		for _, a := range adds {
			if err := r.insertAt(a.Index, encodeRow(a.Type, a.Values)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	events := make([]Event, 0, len(adds))
	for _, a := range adds {
		c.insertSlotLocked(a.Index, nil)
		events = append(events, Event{Kind: EventAdded, Container: c.key, Index: a.Index, Size: len(c.slots)})
	}
	c.db.AddedCount.Add(uint64(len(adds)))
	c.mu.Unlock()
	c.publish(events)
	return nil
}

// applyRemovals deletes rows by position, highest first, in one storage
// transaction.
func (c *Container) applyRemovals(indices []int) error {
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	detached := make(map[int]map[string]any)
	err := c.db.write(func(tx *Tx) error {
		r := tx.rows(c.key)
		for _, index := range indices {
			raw := r.get(index)
			if raw == nil {
				return storageErrf("remove", CurrentIndexKey{c.key, index}, errNoRows)
			}
			_, values, err := decodeRow(c.db.types, raw)
			if err != nil {
				return err
			}
			detached[index] = values
			if err := r.deleteAt(index); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	events := make([]Event, 0, len(indices))
	for _, index := range indices {
		if b := c.slots[index]; b != nil {
			b.setSource(&memSource{vals: detached[index]})
		}
		c.deleteSlotLocked(index)
		events = append(events, Event{Kind: EventRemoved, Container: c.key, Index: index, Size: len(c.slots)})
	}
	c.db.RemovedCount.Add(uint64(len(indices)))
	c.mu.Unlock()
	c.publish(events)
	return nil
}

// applyChanges writes staged field values of the bean at index.
func (c *Container) applyChanges(index int, changes []FieldChange) error {
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	err := c.writeChangesLocked(index, changes)
	size := len(c.slots)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	events := make([]Event, 0, len(changes))
	for _, ch := range changes {
		events = append(events, Event{Kind: EventValueChanged, Container: c.key, Index: index, Field: ch.Field, Value: ch.Value, Size: size})
	}
	c.publish(events)
	return nil
}

func (c *Container) String() string {
	return string(c.key)
}
