package beandb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/beandb/commitlog"
)

const trackScopes = true

type ManagerOptions struct {
	Logger  *slog.Logger
	Verbose bool

	// Bus, if set, receives EventCommitted and EventRolledBack.
	Bus *Bus

	// Journal, if set, records the progress of every commit.
	Journal *commitlog.Log
}

// Manager creates transaction scopes over a Loader and an Applier, and owns
// the registry of claimed keys shared by those scopes.
type Manager struct {
	loader  Loader
	applier Applier
	logger  *slog.Logger
	verbose bool
	bus     *Bus
	journal *commitlog.Log

	registry keyRegistry

	scopes     []*Scope
	scopesLock sync.Mutex

	BegunCount        atomic.Uint64
	CommitCount       atomic.Uint64
	RollbackCount     atomic.Uint64
	ConflictCount     atomic.Uint64
	FailedCommitCount atomic.Uint64
}

func NewManager(loader Loader, applier Applier, opt ManagerOptions) *Manager {
	if loader == nil || applier == nil {
		panic("beandb: NewManager requires a loader and an applier")
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Manager{
		loader:  loader,
		applier: applier,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		bus:     opt.Bus,
		journal: opt.Journal,
	}
}

// Begin starts a new scope.
func (m *Manager) Begin() *Scope {
	s := newScope(m)
	m.addScope(s)
	m.BegunCount.Add(1)
	if m.verbose {
		m.logger.Debug("beandb: begin", "scope", s.ID())
	}
	return s
}

// Do runs f in a new scope. The scope is committed if f returns nil, and
// rolled back if f fails or panics; a panic is returned as an error.
func (m *Manager) Do(f func(s *Scope) error) error {
	s := m.Begin()
	err := safelyCall(f, s)
	if err == nil {
		err = s.Commit()
		if err == nil {
			return nil
		}
	}
	if rerr := s.Rollback(); rerr != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "beandb: rollback failed", slog.String("scope", s.ID()), slog.Any("err", rerr))
	}
	return err
}

// Owner returns the ID of the scope holding the claim on ck, or "".
func (m *Manager) Owner(ck ContainerKey) string {
	if s := m.registry.owner(ck.claim()); s != nil {
		return s.ID()
	}
	return ""
}

func (m *Manager) SingleOwner(key SingleKey) string {
	if s := m.registry.owner(key.claim()); s != nil {
		return s.ID()
	}
	return ""
}

type ManagerStats struct {
	Begun         uint64
	Committed     uint64
	RolledBack    uint64
	Conflicts     uint64
	FailedCommits uint64
	Open          int
	ClaimedKeys   int
}

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Begun:         m.BegunCount.Load(),
		Committed:     m.CommitCount.Load(),
		RolledBack:    m.RollbackCount.Load(),
		Conflicts:     m.ConflictCount.Load(),
		FailedCommits: m.FailedCommitCount.Load(),
		Open:          m.OpenScopes(),
		ClaimedKeys:   m.registry.len(),
	}
}

func (m *Manager) OpenScopes() int {
	m.scopesLock.Lock()
	defer m.scopesLock.Unlock()
	return len(m.scopes)
}

func (m *Manager) addScope(s *Scope) {
	m.scopesLock.Lock()
	defer m.scopesLock.Unlock()
	m.scopes = append(m.scopes, s)
}

func (m *Manager) removeScope(s *Scope) {
	m.scopesLock.Lock()
	defer m.scopesLock.Unlock()

	found := slices.Index(m.scopes, s)
	if found < 0 {
		panic("scope not found in list")
	}
	n := len(m.scopes)
	m.scopes[found] = m.scopes[n-1]
	m.scopes[n-1] = nil
	m.scopes = m.scopes[:n-1]
}

// DescribeOpenScopes lists open scopes, oldest first, with the keys they
// hold. Scopes open for longer than 100 ms include the stack that began them.
func (m *Manager) DescribeOpenScopes() string {
	if !trackScopes {
		return "OPEN SCOPE TRACKING DISABLED"
	}

	m.scopesLock.Lock()
	scopes := slices.Clone(m.scopes)
	m.scopesLock.Unlock()

	if len(scopes) == 0 {
		return "NO OPEN SCOPES"
	}

	slices.SortStableFunc(scopes, func(a, b *Scope) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN SCOPES:\n", len(scopes))
	for _, s := range scopes {
		s.mu.Lock()
		keys := setKeys(&s.claimed)
		state := s.state
		s.mu.Unlock()

		ms := now.Sub(s.startTime).Milliseconds()
		fmt.Fprintf(&buf, "\n---\n%s (%v) open for %d ms, holding %s", s.ID(), state, ms, strings.Join(keys, ", "))
		if ms < 100 {
			buf.WriteString("\n")
		} else {
			fmt.Fprintf(&buf, ":\n%s", s.stack)
		}
	}
	return buf.String()
}

func (m *Manager) publish(e Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall[T any](fn func(T) error, arg T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(arg)
}

// scopeJournal writes one scope's commit progress to the commit log, if any.
// Journal write failures are logged and otherwise ignored; the log is a
// diagnostic aid, the store stays authoritative.
type scopeJournal struct {
	m     *Manager
	scope string
}

func (m *Manager) journalFor(s *Scope) *scopeJournal {
	return &scopeJournal{m, s.ID()}
}

func (j *scopeJournal) append(rec commitlog.Record) {
	if j.m.journal == nil {
		return
	}
	rec.Scope = j.scope
	if err := j.m.journal.Append(rec); err != nil {
		j.m.logger.LogAttrs(context.Background(), slog.LevelWarn, "beandb: commit log write failed", slog.String("scope", j.scope), slog.Any("err", err))
	}
}

func (j *scopeJournal) begin(keys []string) {
	j.append(commitlog.Record{Kind: commitlog.KindBegin, Keys: keys})
}

// phase records the outcome of a commit phase and passes failed through.
func (j *scopeJournal) phase(name string, failed error) error {
	if failed != nil {
		j.append(commitlog.Record{Kind: commitlog.KindFailed, Phase: name, Err: failed.Error()})
		return fmt.Errorf("commit %s: %w", name, failed)
	}
	j.append(commitlog.Record{Kind: commitlog.KindPhase, Phase: name})
	return nil
}

func (j *scopeJournal) end() {
	j.append(commitlog.Record{Kind: commitlog.KindEnd})
}

func (j *scopeJournal) rolledBack() {
	j.append(commitlog.Record{Kind: commitlog.KindRolledBack})
}
