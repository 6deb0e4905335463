package beandb

import (
	"strings"
	"testing"
)

func TestManagerDescribeOpenScopes(t *testing.T) {
	fs := &fakeStore{}
	m := NewManager(fs, fs, ManagerOptions{Logger: testLogger(t)})
	deepEqual(t, m.DescribeOpenScopes(), "NO OPEN SCOPES")

	a := m.Begin()
	b := m.Begin()
	ensureT(t, a.RegisterSingleBeanValueChange(fakeSingle, "value", 1))
	ensureT(t, b.RegisterContainerBeanValueChange(CurrentIndexKey{fakeContainer, 0}, "value", 2))

	desc := m.DescribeOpenScopes()
	for _, s := range []string{"2 OPEN SCOPES", a.ID(), b.ID(), "holding s:singleBeanId", "holding c:containerId"} {
		if !strings.Contains(desc, s) {
			t.Errorf("DescribeOpenScopes missing %q; got:\n%s", s, desc)
		}
	}
	if strings.Index(desc, a.ID()) > strings.Index(desc, b.ID()) {
		t.Errorf("DescribeOpenScopes not ordered by age:\n%s", desc)
	}

	deepEqual(t, m.SingleOwner(fakeSingle), a.ID())
	deepEqual(t, m.Owner(fakeContainer), b.ID())

	ensureT(t, a.Rollback())
	ensureT(t, b.Commit())
	deepEqual(t, m.SingleOwner(fakeSingle), "")
	deepEqual(t, m.Owner(fakeContainer), "")
	deepEqual(t, m.Stats(), ManagerStats{Begun: 2, Committed: 1, RolledBack: 1})
	deepEqual(t, m.DescribeOpenScopes(), "NO OPEN SCOPES")
}

func TestManagerConflictCounted(t *testing.T) {
	fs := &fakeStore{}
	m := NewManager(fs, fs, ManagerOptions{Logger: testLogger(t)})
	a := m.Begin()
	defer a.Rollback()
	ensureT(t, a.RegisterBeanRemoval(CurrentIndexKey{fakeContainer, 1}))

	err := m.Do(func(s *Scope) error {
		_, err := s.RequestContainerSize(fakeContainer)
		return err
	})
	isErr(t, err, ErrConcurrentTransaction)
	st := m.Stats()
	deepEqual(t, st.Conflicts, uint64(1))
	deepEqual(t, st.Open, 1)
	deepEqual(t, st.ClaimedKeys, 1)
}
