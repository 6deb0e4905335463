package beandb

import (
	"errors"
	"maps"
	"sync"
)

// Bean is a record of a given type. A new bean keeps its values in memory;
// once added to a container it is bound to its row, and reads and writes go
// to the store. A bean removed from its container is detached again and
// keeps the values it had at removal.
type Bean struct {
	typ *RecordType

	mu  sync.Mutex
	src beanSource
}

type beanSource interface {
	get(field string) (any, error)
	set(b *Bean, field string, value any) error
	values() (map[string]any, error)
}

// errDetached tells a Bean that its source changed under it; the operation
// is retried with the new source.
var errDetached = errors.New("bean detached")

// NewBean returns an unbound bean with every field at its initial value.
func NewBean(typ *RecordType) *Bean {
	return &Bean{typ: typ, src: &memSource{vals: typ.InitialValues()}}
}

// NewBeanWith returns an unbound bean with the given values; missing fields
// get their initial values.
func NewBeanWith(typ *RecordType, values map[string]any) (*Bean, error) {
	vals, err := typ.normalize(values)
	if err != nil {
		return nil, err
	}
	return &Bean{typ: typ, src: &memSource{vals: vals}}, nil
}

func (b *Bean) Type() *RecordType { return b.typ }

func (b *Bean) source() beanSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src
}

func (b *Bean) setSource(src beanSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src = src
}

// Container returns the container the bean is bound to, or nil.
func (b *Bean) Container() *Container {
	if rs, ok := b.source().(*rowSource); ok {
		return rs.c
	}
	return nil
}

func (b *Bean) Bound() bool { return b.Container() != nil }

func (b *Bean) Get(field string) (any, error) {
	if b.typ.FieldIndex(field) < 0 {
		return nil, stateErrf(nil, nil, "%s: unknown field %q", b.typ.name, field)
	}
	for {
		v, err := b.source().get(field)
		if err == errDetached {
			continue
		}
		return v, err
	}
}

func (b *Bean) Set(field string, value any) error {
	v, err := b.typ.normalizeValue(field, value)
	if err != nil {
		return err
	}
	for {
		err := b.source().set(b, field, v)
		if err == errDetached {
			continue
		}
		return err
	}
}

// Values returns a copy of all field values.
func (b *Bean) Values() (map[string]any, error) {
	for {
		vals, err := b.source().values()
		if err == errDetached {
			continue
		}
		return vals, err
	}
}

func (b *Bean) identifierValues() (map[string]any, error) {
	vals, err := b.Values()
	if err != nil {
		return nil, err
	}
	return b.typ.identifierValues(vals), nil
}

type memSource struct {
	mu   sync.Mutex
	vals map[string]any
}

func (s *memSource) get(field string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[field], nil
}

func (s *memSource) set(b *Bean, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[field] = value
	return nil
}

func (s *memSource) values() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.vals), nil
}

// rowSource reads and writes the row at pos. Both pos and detached are
// guarded by the container's lock.
type rowSource struct {
	c        *Container
	pos      int
	detached bool
}

func (s *rowSource) get(field string) (any, error) {
	vals, err := s.values()
	if err != nil {
		return nil, err
	}
	return vals[field], nil
}

func (s *rowSource) values() (map[string]any, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.detached {
		return nil, errDetached
	}
	_, vals, err := s.c.loadRowLocked(s.pos)
	return vals, err
}

func (s *rowSource) set(b *Bean, field string, value any) error {
	s.c.mu.Lock()
	if s.detached {
		s.c.mu.Unlock()
		return errDetached
	}
	if err := s.c.checkWritableLocked(); err != nil {
		s.c.mu.Unlock()
		return err
	}
	pos := s.pos
	err := s.c.writeChangesLocked(pos, []FieldChange{{field, value}})
	size := len(s.c.slots)
	s.c.mu.Unlock()
	if err != nil {
		return err
	}
	s.c.db.publish(Event{Kind: EventValueChanged, Container: s.c.key, Index: pos, Field: field, Value: value, Size: size})
	return nil
}
