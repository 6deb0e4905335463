package beandb

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/beandb/commitlog"
)

// DB stores containers and single beans, and is the Loader and Applier of
// its own transaction Manager.
type DB struct {
	st      storage
	bdb     *bbolt.DB
	logger  *slog.Logger
	verbose bool
	types   *TypeRegistry
	bus     *Bus
	ownBus  bool
	journal *commitlog.Log
	mgr     *Manager

	containers     map[ContainerKey]*Container
	containersLock sync.Mutex

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64
	AddedCount         atomic.Uint64
	RemovedCount       atomic.Uint64
	ChangedCount       atomic.Uint64
}

// Open opens the database at path. With InMemory set, path is ignored and
// nothing is persisted.
func Open(path string, opt Options) (*DB, error) {
	opt = opt.withDefaults()

	db := &DB{
		logger:     opt.Logger,
		verbose:    opt.Verbose,
		types:      NewTypeRegistry(),
		bus:        opt.Bus,
		containers: make(map[ContainerKey]*Container),
	}
	for _, t := range opt.Types {
		db.types.Register(t)
	}
	if db.bus == nil {
		db.bus = NewBus()
		db.ownBus = true
	}

	if opt.InMemory {
		db.st = newMemStorage()
	} else {
		bopt := *bbolt.DefaultOptions
		bopt.Timeout = opt.Timeout
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}
		bdb, err := bbolt.Open(path, 0666, &bopt)
		if err != nil {
			return nil, fmt.Errorf("beandb: %w", err)
		}
		db.bdb = bdb
		db.st = newBoltStorage(bdb)
	}

	if opt.JournalPath != "" {
		j, err := commitlog.Open(opt.JournalPath, commitlog.Options{
			Logger:  opt.Logger,
			Verbose: opt.Verbose,
			NoSync:  opt.IsTesting,
		})
		if err != nil {
			db.st.Close()
			return nil, fmt.Errorf("beandb: commit log: %w", err)
		}
		db.journal = j
		for _, rec := range j.Unresolved() {
			db.logger.Warn("beandb: unresolved commit from a previous run", "scope", rec.Scope, "last", rec.Kind, "phase", rec.Phase, "time", rec.Time)
		}
	}

	db.mgr = NewManager(db, db, ManagerOptions{
		Logger:  opt.Logger,
		Verbose: opt.Verbose,
		Bus:     db.bus,
		Journal: db.journal,
	})
	return db, nil
}

func (db *DB) Close() error {
	if n := db.mgr.OpenScopes(); n > 0 {
		db.logger.Warn("beandb: closing with open scopes", "count", n)
	}
	if db.ownBus {
		db.bus.Close()
	}
	if db.journal != nil {
		if err := db.journal.Close(); err != nil {
			db.st.Close()
			return err
		}
	}
	return db.st.Close()
}

func (db *DB) Bolt() *bbolt.DB { return db.bdb }

func (db *DB) Types() *TypeRegistry { return db.types }

func (db *DB) Bus() *Bus { return db.bus }

func (db *DB) Manager() *Manager { return db.mgr }

func (db *DB) Journal() *commitlog.Log { return db.journal }

// Size returns the database size in bytes as of the last write.
func (db *DB) Size() int64 { return db.lastSize.Load() }

// Begin starts a transaction scope over this database.
func (db *DB) Begin() *Scope { return db.mgr.Begin() }

// Do runs f in a new scope; see Manager.Do.
func (db *DB) Do(f func(s *Scope) error) error { return db.mgr.Do(f) }

// OpenContainer returns the container instance for ck, creating the
// container if needed. Every call for the same key returns the same instance
// until it is released.
func (db *DB) OpenContainer(ck ContainerKey, typ *RecordType, opt ContainerOptions) (*Container, error) {
	db.types.Register(typ)

	db.containersLock.Lock()
	defer db.containersLock.Unlock()
	if c := db.containers[ck]; c != nil {
		if c.typ != typ {
			return nil, stateErrf(ck, nil, "already open with type %s, requested %s", c.typ, typ)
		}
		return c, nil
	}

	c, err := db.loadContainer(ck, typ, opt)
	if err != nil {
		return nil, err
	}
	db.containers[ck] = c
	return c, nil
}

// openStoredContainer returns the open instance, or opens the container with
// the type recorded in its metadata.
func (db *DB) openStoredContainer(ck ContainerKey, fallback *RecordType) (*Container, error) {
	db.containersLock.Lock()
	defer db.containersLock.Unlock()
	if c := db.containers[ck]; c != nil {
		return c, nil
	}

	typ := fallback
	err := db.read(func(tx *Tx) error {
		meta, err := tx.loadContainerMeta(ck)
		if err != nil || meta == nil {
			return err
		}
		if t := db.types.Lookup(meta.Type); t != nil {
			typ = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if typ == nil {
		return nil, stateErrf(ck, nil, "container has no known record type")
	}

	c, err := db.loadContainer(ck, typ, ContainerOptions{})
	if err != nil {
		return nil, err
	}
	db.containers[ck] = c
	return c, nil
}

func (db *DB) loadContainer(ck ContainerKey, typ *RecordType, opt ContainerOptions) (*Container, error) {
	var size int
	err := db.write(func(tx *Tx) error {
		if meta, err := tx.loadContainerMeta(ck); err != nil {
			return err
		} else if meta == nil || meta.Type != typ.name {
			if err := tx.saveContainerMeta(ck, &containerMeta{Type: typ.name}); err != nil {
				return err
			}
		}
		r, err := tx.createRows(ck)
		if err != nil {
			return err
		}
		tx.markWritten()
		size = r.size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.logVerbose("beandb: open container", "container", ck, "type", typ.name, "size", size)
	return newContainer(db, ck, typ, size, opt), nil
}

// ReleaseContainer forgets the open instance of ck. Beans obtained from it
// stay bound to it and keep working.
func (db *DB) ReleaseContainer(ck ContainerKey) {
	db.containersLock.Lock()
	defer db.containersLock.Unlock()
	delete(db.containers, ck)
}

func (db *DB) openContainer(ck ContainerKey) *Container {
	db.containersLock.Lock()
	defer db.containersLock.Unlock()
	return db.containers[ck]
}

// OpenContainers returns the instances currently open, ordered by key.
func (db *DB) OpenContainers() []*Container {
	db.containersLock.Lock()
	out := make([]*Container, 0, len(db.containers))
	for _, c := range db.containers {
		out = append(out, c)
	}
	db.containersLock.Unlock()
	slices.SortFunc(out, func(a, b *Container) int {
		if a.key < b.key {
			return -1
		} else if a.key > b.key {
			return 1
		}
		return 0
	})
	return out
}

// ContainerKeys lists every container with stored rows.
func (db *DB) ContainerKeys() ([]ContainerKey, error) {
	var keys []ContainerKey
	err := db.read(func(tx *Tx) error {
		keys = tx.containerKeys()
		return nil
	})
	return keys, err
}

// RemoveObsoleteContainers drops every stored container whose key is not in
// keep, returning the dropped keys.
func (db *DB) RemoveObsoleteContainers(keep []ContainerKey) ([]ContainerKey, error) {
	var dropped []ContainerKey
	err := db.write(func(tx *Tx) error {
		for _, ck := range tx.containerKeys() {
			if slices.Contains(keep, ck) {
				continue
			}
			if err := tx.deleteContainer(ck); err != nil {
				return err
			}
			dropped = append(dropped, ck)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ck := range dropped {
		if c := db.openContainer(ck); c != nil {
			c.markDropped()
		}
		db.ReleaseContainer(ck)
	}
	if len(dropped) > 0 {
		db.logger.Info("beandb: removed obsolete containers", "containers", dropped)
	}
	return dropped, nil
}

func (db *DB) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	db.bus.Publish(e)
}
