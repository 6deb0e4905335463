package beandb

import (
	"errors"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

var errMemClosed = errors.New("storage closed")

// memStorage keeps buckets in B-trees. A transaction starts from a
// copy-on-write snapshot of every bucket; committing a writable transaction
// swaps its snapshot in. There is one writer at a time, readers never wait.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*btree.Map[string, []byte]
	writer  bool
	closed  bool
}

func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*btree.Map[string, []byte])}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for writable && s.writer && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, errMemClosed
	}
	if writable {
		s.writer = true
	}
	snap := make(map[string]*btree.Map[string, []byte], len(s.buckets))
	for name, m := range s.buckets {
		snap[name] = m.Copy()
	}
	return &memTx{s: s, writable: writable, buckets: snap}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	done     bool
	buckets  map[string]*btree.Map[string, []byte]
}

// bucket names are "root/" for roots and "root/sub" for nested buckets
func memBucketName(name, sub string) string {
	return name + "/" + sub
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) Bucket(name, sub string) storageBucket {
	m := tx.buckets[memBucketName(name, sub)]
	if m == nil {
		return nil
	}
	return memBucket{tx, m}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if !tx.writable {
		return nil, errors.New("tx not writable")
	}
	if root := memBucketName(name, ""); tx.buckets[root] == nil {
		tx.buckets[root] = new(btree.Map[string, []byte])
	}
	key := memBucketName(name, sub)
	m := tx.buckets[key]
	if m == nil {
		m = new(btree.Map[string, []byte])
		tx.buckets[key] = m
	}
	return memBucket{tx, m}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if !tx.writable {
		return errors.New("tx not writable")
	}
	key := memBucketName(name, sub)
	if sub == "" || tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) NestedBuckets(name string) []string {
	var names btree.Set[string]
	prefix := memBucketName(name, "")
	for key := range tx.buckets {
		if sub, ok := strings.CutPrefix(key, prefix); ok && sub != "" {
			names.Insert(sub)
		}
	}
	return setKeys(&names)
}

func (tx *memTx) Commit() error {
	if !tx.writable {
		return errors.New("tx not writable")
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.finishLocked()
	if tx.s.closed {
		return errMemClosed
	}
	tx.s.buckets = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.finishLocked()
	return nil
}

func (tx *memTx) finishLocked() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		tx.s.writer = false
		tx.s.cond.Broadcast()
	}
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, m := range tx.buckets {
		m.Scan(func(k string, v []byte) bool {
			n += int64(len(k) + len(v))
			return true
		})
	}
	return n
}

type memBucket struct {
	tx *memTx
	m  *btree.Map[string, []byte]
}

func (b memBucket) Get(key []byte) []byte {
	v, _ := b.m.Get(string(key))
	return v
}

func (b memBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errors.New("tx not writable")
	}
	b.m.Set(string(key), append([]byte(nil), value...))
	return nil
}

func (b memBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errors.New("tx not writable")
	}
	b.m.Delete(string(key))
	return nil
}

func (b memBucket) Cursor() storageCursor {
	return &memCursor{it: b.m.Iter()}
}

func (b memBucket) KeyCount() int { return b.m.Len() }

type memCursor struct {
	it btree.MapIter[string, []byte]
}

func (c *memCursor) current(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	return []byte(c.it.Key()), c.it.Value()
}

func (c *memCursor) First() ([]byte, []byte) { return c.current(c.it.First()) }

func (c *memCursor) Last() ([]byte, []byte) { return c.current(c.it.Last()) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.it.Seek(string(seek)))
}

func (c *memCursor) Next() ([]byte, []byte) { return c.current(c.it.Next()) }

