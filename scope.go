package beandb

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

type scopeState int

const (
	scopeActive scopeState = iota
	scopeFailed
	scopeCommitted
	scopeRolledBack
)

func (s scopeState) String() string {
	switch s {
	case scopeActive:
		return "active"
	case scopeFailed:
		return "failed"
	case scopeCommitted:
		return "committed"
	case scopeRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("scopeState(%d)", int(s))
	}
}

// Commit phases, in execution order.
const (
	PhaseAdditions     = "additions"
	PhaseRemovals      = "removals"
	PhaseChanges       = "changes"
	PhaseSingleChanges = "single-changes"
)

// Scope is a transaction scope. It stages additions, removals and value
// changes in a private ledger; reads through the scope see them, other
// scopes do not.
//
// Every operation claims the container or single bean it touches. A claim
// held by another active scope makes the operation fail with
// ErrConcurrentTransaction; claims are released on commit or rollback.
type Scope struct {
	id        uuid.UUID
	mgr       *Manager
	startTime time.Time
	stack     string

	mu             sync.Mutex
	state          scopeState
	failure        error
	claimed        btree.Set[string]
	containers     btree.Map[ContainerKey, *containerLedger]
	singles        btree.Map[SingleKey, *fieldChanges]
	singleRemovals btree.Set[SingleKey]
}

func (s *Scope) ID() string { return s.id.String() }

func (s *Scope) String() string { return "scope " + s.id.String() }

// Active reports whether the scope accepts operations.
func (s *Scope) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == scopeActive
}

// Keys returns the claim keys held by the scope.
func (s *Scope) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setKeys(&s.claimed)
}

func (s *Scope) checkActive() error {
	switch s.state {
	case scopeActive:
		return nil
	case scopeFailed:
		return stateErrf(s, s.failure, "commit failed, scope must be rolled back")
	default:
		return ErrScopeClosed
	}
}

func (s *Scope) claim(k interface{ claim() string }) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	key := k.claim()
	if s.claimed.Contains(key) {
		return nil
	}
	if err := s.mgr.registry.claim(key, s); err != nil {
		s.mgr.ConflictCount.Add(1)
		if s.mgr.verbose {
			s.mgr.logger.Debug("beandb: conflict", "scope", s.ID(), "key", key)
		}
		return err
	}
	s.claimed.Insert(key)
	return nil
}

func (s *Scope) ledger(ck ContainerKey, create bool) *containerLedger {
	l, _ := s.containers.Get(ck)
	if l == nil && create {
		l = newContainerLedger(ck)
		s.containers.Set(ck, l)
	}
	return l
}

// RegisterBeanAddition stages the insertion of a new bean at a.Index. It does
// not consult the Loader; positions beyond the current size are reported by
// the Applier at commit time.
func (s *Scope) RegisterBeanAddition(a *BeanAddition) error {
	if a == nil || a.Type == nil {
		return stateErrf(nil, nil, "addition without a record type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(a.Container); err != nil {
		return err
	}
	if a.Index < 0 {
		return indexErrf(a.Container, "add", a.Index, -1)
	}
	values, err := a.Type.normalize(a.Values)
	if err != nil {
		return stateErrf(a.key(), err, "invalid addition")
	}
	s.ledger(a.Container, true).add(&BeanAddition{
		Container: a.Container,
		Index:     a.Index,
		Type:      a.Type,
		Values:    values,
	})
	return nil
}

// RegisterBeanRemoval stages the removal of a container bean (by current
// index) or of a single bean.
func (s *Scope) RegisterBeanRemoval(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch k := key.(type) {
	case CurrentIndexKey:
		if err := s.claim(k); err != nil {
			return err
		}
		size, err := s.sizeLocked(k.Container)
		if err != nil {
			return err
		}
		if k.Index < 0 || k.Index >= size {
			return indexErrf(k.Container, "remove", k.Index, size)
		}
		s.ledger(k.Container, true).remove(k.Index)
		return nil
	case SingleKey:
		if err := s.claim(k); err != nil {
			return err
		}
		s.singles.Delete(k)
		s.singleRemovals.Insert(k)
		return nil
	default:
		return stateErrf(key, nil, "cannot remove %T", key)
	}
}

// RegisterContainerBeanValueChange stages a field value of the bean at the
// given current index. The index must exist in this scope and the value must
// suit the field of the bean's type; the value is passed to the Applier as is.
func (s *Scope) RegisterContainerBeanValueChange(key CurrentIndexKey, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(key); err != nil {
		return err
	}
	size, err := s.sizeLocked(key.Container)
	if err != nil {
		return err
	}
	if key.Index < 0 || key.Index >= size {
		return indexErrf(key.Container, "set", key.Index, size)
	}
	typ, err := s.typeAtLocked(key)
	if err != nil {
		return err
	}
	if _, err := typ.normalizeValue(field, value); err != nil {
		return stateErrf(key, err, "invalid value change")
	}
	s.ledger(key.Container, true).setValue(key.Index, field, value)
	return nil
}

// typeAtLocked returns the type of the bean at a current index, staged or
// persisted.
func (s *Scope) typeAtLocked(key CurrentIndexKey) (*RecordType, error) {
	initial := key.Index
	if l := s.ledger(key.Container, false); l != nil {
		if _, a := l.additionAt(key.Index); a != nil {
			return a.Type, nil
		}
		initial = l.initialIndex(key.Index)
	}
	return s.mgr.loader.LoadBeanTypeWithinContainer(InitialIndexKey{key.Container, initial})
}

func (s *Scope) RegisterSingleBeanValueChange(key SingleKey, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(key); err != nil {
		return err
	}
	if s.singleRemovals.Contains(key) {
		return stateErrf(key, nil, "single bean is staged for removal")
	}
	fc, _ := s.singles.Get(key)
	if fc == nil {
		fc = &fieldChanges{}
		s.singles.Set(key, fc)
	}
	fc.set(field, value)
	return nil
}

// RequestContainerSize returns the persisted size adjusted by staged
// additions and removals.
func (s *Scope) RequestContainerSize(ck ContainerKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(ck); err != nil {
		return 0, err
	}
	return s.sizeLocked(ck)
}

func (s *Scope) sizeLocked(ck ContainerKey) (int, error) {
	n, err := s.mgr.loader.LoadContainerSize(ck)
	if err != nil {
		return 0, err
	}
	if l := s.ledger(ck, false); l != nil {
		n = l.size(n)
	}
	return n, nil
}

// RequestBeanDataByIndex returns the values of the bean at a current index,
// with staged value changes applied. Staged additions are answered from the
// ledger alone.
func (s *Scope) RequestBeanDataByIndex(key CurrentIndexKey) (*RecordData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(key); err != nil {
		return nil, err
	}
	if key.Index < 0 {
		return nil, indexErrf(key.Container, "get", key.Index, -1)
	}

	l := s.ledger(key.Container, false)
	initial := key.Index
	if l != nil {
		if _, a := l.additionAt(key.Index); a != nil {
			d := &RecordData{Index: key.Index, Values: maps.Clone(a.Values)}
			l.changes[key.Index].applyTo(d.Values)
			return d, nil
		}
		initial = l.initialIndex(key.Index)
	}

	d, err := s.mgr.loader.LoadContainerBeanDataByIndex(InitialIndexKey{key.Container, initial})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, indexErrf(key.Container, "get", key.Index, -1)
	}
	d = d.clone()
	d.Index = key.Index
	if l != nil {
		l.changes[key.Index].applyTo(d.Values)
	}
	return d, nil
}

// RequestBeanDataByIdentifierTuples finds the bean whose identifier fields
// equal ids, as seen by this scope. It returns nil if there is none.
//
// Persisted beans are searched first; a bean staged for removal does not
// match. Staged additions are searched when nothing persisted matches.
func (s *Scope) RequestBeanDataByIdentifierTuples(ck ContainerKey, ids map[string]any) (*RecordData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(ck); err != nil {
		return nil, err
	}

	d, err := s.mgr.loader.LoadContainerBeanDataByIdentifiers(ck, ids)
	if err != nil {
		return nil, err
	}
	l := s.ledger(ck, false)
	if l == nil {
		return d.clone(), nil
	}

	if d != nil {
		if c, ok := l.currentIndex(d.Index); ok {
			d = d.clone()
			d.Index = c
			l.changes[c].applyTo(d.Values)
			if matchesAll(d.Values, ids) {
				return d, nil
			}
		}
	}

	for _, a := range l.additions {
		values := maps.Clone(a.Values)
		l.changes[a.Index].applyTo(values)
		if matchesAll(values, ids) {
			return &RecordData{Index: a.Index, Values: values}, nil
		}
	}
	return nil, nil
}

// RequestSingleBeanData returns the single bean's values with staged changes
// applied, or nil if it does not exist and nothing is staged for it.
func (s *Scope) RequestSingleBeanData(key SingleKey) (*RecordData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(key); err != nil {
		return nil, err
	}
	if s.singleRemovals.Contains(key) {
		return nil, stateErrf(key, nil, "single bean is staged for removal")
	}
	d, err := s.mgr.loader.LoadSingleBeanData(key)
	if err != nil {
		return nil, err
	}
	fc, _ := s.singles.Get(key)
	if d == nil {
		if fc == nil {
			return nil, nil
		}
		d = &RecordData{Values: make(map[string]any)}
	} else {
		d = d.clone()
	}
	fc.applyTo(d.Values)
	return d, nil
}

// RequestBeanTypeWithinContainer returns the record type of a persisted bean.
// It fails with ErrIllegalState for a staged addition, and for a position
// where a bean was staged for removal.
func (s *Scope) RequestBeanTypeWithinContainer(key CurrentIndexKey) (*RecordType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(key); err != nil {
		return nil, err
	}
	initial := key.Index
	if l := s.ledger(key.Container, false); l != nil {
		if _, a := l.additionAt(key.Index); a != nil {
			return nil, stateErrf(key, nil, "bean type requested for a staged addition")
		}
		if l.isTombstone(key.Index) {
			return nil, stateErrf(key, nil, "bean type requested at a removed position")
		}
		initial = l.initialIndex(key.Index)
	}
	return s.mgr.loader.LoadBeanTypeWithinContainer(InitialIndexKey{key.Container, initial})
}

// Commit replays the ledger through the Applier in phase order: additions
// per container, removals, container value changes, single bean value
// changes. On success the scope is closed and its claims released.
//
// If a phase fails, later phases are not attempted, phases already applied
// are not undone, and the scope keeps its claims until Rollback.
func (s *Scope) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return err
	}

	m := s.mgr
	jrnl := m.journalFor(s)
	jrnl.begin(setKeys(&s.claimed))

	if err := s.runPhases(jrnl); err != nil {
		s.state = scopeFailed
		s.failure = err
		m.FailedCommitCount.Add(1)
		m.logger.LogAttrs(context.Background(), slog.LevelError, "beandb: commit failed", slog.String("scope", s.ID()), slog.Any("err", err))
		return err
	}

	jrnl.end()
	s.state = scopeCommitted
	s.closeLocked()
	m.CommitCount.Add(1)
	m.publish(Event{Kind: EventCommitted, Scope: s.ID()})
	if m.verbose {
		m.logger.Debug("beandb: committed", "scope", s.ID(), "age", time.Since(s.startTime))
	}
	return nil
}

func (s *Scope) runPhases(jrnl *scopeJournal) error {
	applier := s.mgr.applier

	var removals []Key
	var failed error
	s.containers.Scan(func(ck ContainerKey, l *containerLedger) bool {
		adds, rems := l.plan()
		for _, idx := range rems {
			removals = append(removals, CurrentIndexKey{ck, idx})
		}
		if len(adds) == 0 {
			return true
		}
		if err := applier.ProcessAdditionsForContainer(ck, adds); err != nil {
			failed = err
			return false
		}
		return true
	})
	if err := jrnl.phase(PhaseAdditions, failed); err != nil {
		return err
	}

	s.singleRemovals.Scan(func(k SingleKey) bool {
		removals = append(removals, k)
		return true
	})
	if len(removals) > 0 {
		failed = applier.ProcessRemovals(removals)
	}
	if err := jrnl.phase(PhaseRemovals, failed); err != nil {
		return err
	}

	s.containers.Scan(func(ck ContainerKey, l *containerLedger) bool {
		for _, c := range l.changedIndices() {
			if err := applier.ProcessChangesForContainerBean(CurrentIndexKey{ck, c}, l.changes[c].list()); err != nil {
				failed = err
				return false
			}
		}
		return true
	})
	if err := jrnl.phase(PhaseChanges, failed); err != nil {
		return err
	}

	s.singles.Scan(func(k SingleKey, fc *fieldChanges) bool {
		if err := applier.ProcessChangesForSingleBean(k, fc.list()); err != nil {
			failed = err
			return false
		}
		return true
	})
	return jrnl.phase(PhaseSingleChanges, failed)
}

// Rollback discards the ledger, notifies the Applier, and releases the
// scope's claims. Rolling back a closed scope does nothing.
func (s *Scope) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == scopeCommitted || s.state == scopeRolledBack {
		return nil
	}

	m := s.mgr
	err := m.applier.RollbackChanges()
	m.journalFor(s).rolledBack()
	s.state = scopeRolledBack
	s.closeLocked()
	m.RollbackCount.Add(1)
	m.publish(Event{Kind: EventRolledBack, Scope: s.ID()})
	if m.verbose {
		m.logger.Debug("beandb: rolled back", "scope", s.ID(), "age", time.Since(s.startTime))
	}
	return err
}

func (s *Scope) closeLocked() {
	s.containers = btree.Map[ContainerKey, *containerLedger]{}
	s.singles = btree.Map[SingleKey, *fieldChanges]{}
	s.singleRemovals = btree.Set[SingleKey]{}
	keys := setKeys(&s.claimed)
	s.claimed = btree.Set[string]{}
	s.mgr.registry.release(keys, s)
	s.mgr.removeScope(s)
}

func newScope(m *Manager) *Scope {
	s := &Scope{
		id:        uuid.New(),
		mgr:       m,
		startTime: time.Now(),
	}
	if trackScopes {
		s.stack = string(debug.Stack())
	}
	return s
}
