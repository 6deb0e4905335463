package beandb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	itemType = DefineType("Item",
		Field{Name: "value", Kind: KindInt, Identifier: true},
		Field{Name: "name", Kind: KindString},
	)
	noteType = DefineType("Note",
		Field{Name: "text", Kind: KindString},
		Field{Name: "pinned", Kind: KindBool},
		Field{Name: "at", Kind: KindTime},
		Field{Name: "price", Kind: KindDecimal},
	)
)

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func testLogger(t testing.TB) *slog.Logger {
	return slog.New(tint.NewHandler(testWriter{t}, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
		NoColor:    true,
	}))
}

// setup opens a fresh database. Under -short it is kept in memory.
func setup(t testing.TB, opt Options) *DB {
	t.Helper()
	opt.IsTesting = true
	opt.Verbose = true
	if opt.Logger == nil {
		opt.Logger = testLogger(t)
	}
	opt.InMemory = opt.InMemory || testing.Short()

	path := filepath.Join(t.TempDir(), "beans.db")
	db := must(Open(path, opt))
	t.Cleanup(func() { db.Close() })
	return db
}

func openItems(t testing.TB, db *DB, ck ContainerKey) *Container {
	t.Helper()
	return must(db.OpenContainer(ck, itemType, ContainerOptions{}))
}

func item(t testing.TB, value int, name string) *Bean {
	t.Helper()
	return must(NewBeanWith(itemType, map[string]any{"value": value, "name": name}))
}

func itemValues(t testing.TB, c *Container) []int64 {
	t.Helper()
	var out []int64
	for _, vals := range must(c.Values()) {
		out = append(out, vals["value"].(int64))
	}
	return out
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func ensureT(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func isErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func errorContains(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}

func TestDBPersistsContainers(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a file")
	}
	path := filepath.Join(t.TempDir(), "beans.db")
	opt := Options{IsTesting: true, Logger: testLogger(t), Types: []*RecordType{itemType}}

	db := must(Open(path, opt))
	c := openItems(t, db, "items")
	ensureT(t, c.Add(item(t, 1, "one")))
	ensureT(t, c.Add(item(t, 2, "two")))
	ensureT(t, c.AddBean(item(t, 0, "zero"), 0))
	ensureT(t, db.Close())

	db = must(Open(path, opt))
	defer db.Close()
	c = openItems(t, db, "items")
	deepEqual(t, c.Size(), 3)
	deepEqual(t, itemValues(t, c), []int64{0, 1, 2})
	deepEqual(t, must(must(c.Bean(2)).Get("name")), any("two"))
	deepEqual(t, must(db.ContainerKeys()), []ContainerKey{"items"})
}

func TestDBOpenContainerSameInstance(t *testing.T) {
	db := setup(t, Options{})
	c1 := openItems(t, db, "items")
	c2 := openItems(t, db, "items")
	if c1 != c2 {
		t.Fatalf("OpenContainer returned two instances for the same key")
	}
	_, err := db.OpenContainer("items", noteType, ContainerOptions{})
	isErr(t, err, ErrIllegalState)

	db.ReleaseContainer("items")
	if c3 := openItems(t, db, "items"); c3 == c1 {
		t.Fatalf("OpenContainer returned the released instance")
	}
}

func TestDBRemoveObsoleteContainers(t *testing.T) {
	db := setup(t, Options{})
	keep := openItems(t, db, "keep")
	drop := openItems(t, db, "drop")
	ensureT(t, keep.Add(item(t, 1, "")))
	ensureT(t, drop.Add(item(t, 2, "")))
	b := must(drop.Bean(0))

	deepEqual(t, must(db.RemoveObsoleteContainers([]ContainerKey{"keep"})), []ContainerKey{"drop"})
	deepEqual(t, must(db.ContainerKeys()), []ContainerKey{"keep"})

	isErr(t, drop.Add(item(t, 3, "")), ErrIllegalState)
	if b.Bound() {
		t.Errorf("bean of a dropped container is still bound")
	}
	deepEqual(t, keep.Size(), 1)
}

func TestDBScopeCommitsThroughContainers(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	for i := range 7 {
		ensureT(t, c.Add(item(t, i, "")))
	}
	b3 := must(c.Bean(3))

	err := db.Do(func(s *Scope) error {
		ensureT(t, s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 1, Type: itemType, Values: map[string]any{"value": 100}}))
		ensureT(t, s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 2, Type: itemType, Values: map[string]any{"value": 200}}))
		ensureT(t, s.RegisterBeanRemoval(CurrentIndexKey{"items", 0}))
		ensureT(t, s.RegisterContainerBeanValueChange(CurrentIndexKey{"items", 4}, "name", "changed"))

		deepEqual(t, must(s.RequestContainerSize("items")), 8)
		deepEqual(t, must(s.RequestBeanDataByIndex(CurrentIndexKey{"items", 0})).Get("value"), any(int64(100)))
		return nil
	})
	ensureT(t, err)

	deepEqual(t, itemValues(t, c), []int64{100, 200, 1, 2, 3, 4, 5, 6})
	deepEqual(t, must(b3.Get("name")), any("changed"))
	if got := must(c.IndexOf(b3)); got != 4 {
		t.Errorf("IndexOf(b3) = %d, wanted 4", got)
	}
}

func TestDBScopeIdentifierLookup(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	ensureT(t, c.Add(item(t, 10, "ten")))
	ensureT(t, c.Add(item(t, 20, "twenty")))

	s := db.Begin()
	defer s.Rollback()
	d := must(s.RequestBeanDataByIdentifierTuples("items", map[string]any{"value": 20}))
	deepEqual(t, d.Index, 1)
	deepEqual(t, d.Get("name"), any("twenty"))

	ensureT(t, s.RegisterBeanRemoval(CurrentIndexKey{"items", 0}))
	d = must(s.RequestBeanDataByIdentifierTuples("items", map[string]any{"value": 20}))
	deepEqual(t, d.Index, 0)

	ensureT(t, s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType, Values: map[string]any{"value": 30}}))
	d = must(s.RequestBeanDataByIdentifierTuples("items", map[string]any{"value": 30}))
	deepEqual(t, d.Index, 0)
	if d := must(s.RequestBeanDataByIdentifierTuples("items", map[string]any{"value": 10})); d != nil {
		t.Errorf("** got %v for a removed bean, wanted nil", d)
	}
}

func TestDBScopeFullLoadAndType(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	ensureT(t, c.Add(item(t, 1, "")))
	ensureT(t, c.Add(item(t, 2, "")))

	all := must(db.FullContainerLoad("items"))
	deepEqual(t, len(all), 2)
	deepEqual(t, all[1].Get("value"), any(int64(2)))
	if typ := must(db.LoadBeanTypeWithinContainer(InitialIndexKey{"items", 0})); typ != itemType {
		t.Errorf("** got type %v, wanted %v", typ, itemType)
	}
	_, err := db.LoadBeanTypeWithinContainer(InitialIndexKey{"items", 5})
	isErr(t, err, ErrIndexOutOfRange)
}

func TestDBCommitRemovalOfMissingRowFails(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	ensureT(t, c.Add(item(t, 1, "")))

	s := db.Begin()
	ensureT(t, s.RegisterBeanRemoval(CurrentIndexKey{"items", 0}))
	// the row disappears from storage behind the scope's back
	ensureT(t, db.write(func(tx *Tx) error {
		return tx.rows(c.Key()).deleteAt(0)
	}))

	err := s.Commit()
	isErr(t, err, ErrStorage)
	ensureT(t, s.Rollback())
}

func TestDBJournal(t *testing.T) {
	dir := t.TempDir()
	db := setup(t, Options{JournalPath: filepath.Join(dir, "commits.log")})
	openItems(t, db, "items")

	ensureT(t, db.Do(func(s *Scope) error {
		return s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType})
	}))
	s := db.Begin()
	ensureT(t, s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType}))
	ensureT(t, s.Rollback())

	recs := db.Journal().Records()
	var kinds []string
	for _, r := range recs {
		kinds = append(kinds, r.Kind.String())
	}
	deepEqual(t, kinds, []string{"begin", "phase", "phase", "phase", "phase", "end", "rolledback"})
	deepEqual(t, len(db.Journal().Unresolved()), 0)
	if _, err := os.Stat(db.Journal().Path()); err != nil {
		t.Fatal(err)
	}
}

func TestDBRollbackLeavesNoTrace(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	ensureT(t, c.Add(item(t, 1, "one")))
	ensureT(t, c.Add(item(t, 2, "two")))

	s := db.Begin()
	ensureT(t, s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType, Values: map[string]any{"value": 9}}))
	ensureT(t, s.RegisterBeanRemoval(CurrentIndexKey{"items", 2}))
	ensureT(t, s.RegisterContainerBeanValueChange(CurrentIndexKey{"items", 1}, "name", "changed"))
	deepEqual(t, must(s.RequestContainerSize("items")), 2)
	deepEqual(t, must(s.RequestBeanDataByIndex(CurrentIndexKey{"items", 1})).Get("name"), any("changed"))
	ensureT(t, s.Rollback())

	deepEqual(t, must(db.LoadContainerSize("items")), 2)
	for i, want := range []struct {
		value int64
		name  string
	}{{1, "one"}, {2, "two"}} {
		d := must(db.LoadContainerBeanDataByIndex(InitialIndexKey{"items", i}))
		deepEqual(t, d.Get("value"), any(want.value))
		deepEqual(t, d.Get("name"), any(want.name))
	}
	deepEqual(t, itemValues(t, c), []int64{1, 2})

	// the claim is gone with the scope
	ensureT(t, c.Add(item(t, 3, "")))
}

func TestDBConcurrentScopes(t *testing.T) {
	db := setup(t, Options{})
	openItems(t, db, "items")
	holder := db.Begin()
	ensureT(t, holder.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType}))

	const workers = 8
	var conflicts atomic.Int32
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			err := db.Do(func(s *Scope) error {
				return s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 0, Type: itemType})
			})
			if errors.Is(err, ErrConcurrentTransaction) {
				conflicts.Add(1)
			} else if err != nil {
				return err
			}

			// scopes on disjoint containers do not interfere
			own := ContainerKey(fmt.Sprintf("own%d", i))
			return db.Do(func(s *Scope) error {
				return s.RegisterBeanAddition(&BeanAddition{Container: own, Index: 0, Type: itemType, Values: map[string]any{"value": i}})
			})
		})
	}
	ensureT(t, g.Wait())
	deepEqual(t, conflicts.Load(), int32(workers))
	deepEqual(t, db.Manager().Stats().Conflicts, uint64(workers))

	ensureT(t, holder.Commit())
	deepEqual(t, must(db.LoadContainerSize("items")), 1)
	for i := range workers {
		own := ContainerKey(fmt.Sprintf("own%d", i))
		d := must(db.LoadContainerBeanDataByIndex(InitialIndexKey{own, 0}))
		deepEqual(t, d.Get("value"), any(int64(i)))
	}

	ensureT(t, db.Do(func(s *Scope) error {
		return s.RegisterBeanAddition(&BeanAddition{Container: "items", Index: 1, Type: itemType})
	}))
	deepEqual(t, must(db.LoadContainerSize("items")), 2)
}

func TestDBScopeIdentifierLookupWithRawBytes(t *testing.T) {
	tagType := DefineType("Tag", Field{Name: "code", Kind: KindString, Identifier: true})
	db := setup(t, Options{})
	c := must(db.OpenContainer("tags", tagType, ContainerOptions{}))
	ensureT(t, c.Add(must(NewBeanWith(tagType, map[string]any{"code": "a"}))))

	s := db.Begin()
	defer s.Rollback()
	ensureT(t, s.RegisterContainerBeanValueChange(CurrentIndexKey{"tags", 0}, "code", []byte("b")))

	// the stored row matches, the staged bytes no longer do
	d := must(s.RequestBeanDataByIdentifierTuples("tags", map[string]any{"code": []byte("a")}))
	if d != nil {
		t.Errorf("** got %v, wanted no match", d)
	}
}
