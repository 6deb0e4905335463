package beandb

import (
	"slices"
)

const (
	containersBucket = "containers"
	metaBucket       = "meta"
	beansBucket      = "beans"

	containerMetaPrefix = "container:"
	beanColumnsKey      = "beans.columns"
)

// rows is the row table of one container within a transaction. Rows are
// keyed by position; outside of a sort, positions are exactly [0, size).
type rows struct {
	tx *Tx
	ck ContainerKey
	b  storageBucket // nil if the container was never written
}

func (tx *Tx) rows(ck ContainerKey) rows {
	return rows{tx, ck, tx.stx.Bucket(containersBucket, string(ck))}
}

func (tx *Tx) createRows(ck ContainerKey) (rows, error) {
	b, err := tx.stx.CreateBucket(containersBucket, string(ck))
	if err != nil {
		return rows{}, storageErrf("create", ck, err)
	}
	return rows{tx, ck, b}, nil
}

func (r rows) size() int {
	if r.b == nil {
		return 0
	}
	k, _ := r.b.Cursor().Last()
	if k == nil {
		return 0
	}
	pos := decodePositionKey(k)
	if pos < 0 {
		panic(dataErrf(k, 0, nil, "%s: negative position outside of sort", r.ck))
	}
	return pos + 1
}

func (r rows) get(pos int) []byte {
	if r.b == nil {
		return nil
	}
	return r.b.Get(positionKey(pos))
}

func (r rows) put(pos int, value []byte) error {
	r.tx.markWritten()
	if err := r.b.Put(positionKey(pos), value); err != nil {
		return storageErrf("put", CurrentIndexKey{r.ck, pos}, err)
	}
	return nil
}

func (r rows) delete(pos int) error {
	r.tx.markWritten()
	if err := r.b.Delete(positionKey(pos)); err != nil {
		return storageErrf("delete", CurrentIndexKey{r.ck, pos}, err)
	}
	return nil
}

// move relocates a row; the destination must be free.
func (r rows) move(from, to int) error {
	v := r.get(from)
	if v == nil {
		return storageErrf("move", CurrentIndexKey{r.ck, from}, errNoRows)
	}
	v = slices.Clone(v)
	if err := r.delete(from); err != nil {
		return err
	}
	return r.put(to, v)
}

// insertAt stores value at pos, first moving rows [pos, size) up by one.
func (r rows) insertAt(pos int, value []byte) error {
	n := r.size()
	if pos < 0 || pos > n {
		return indexErrf(r.ck, "insert", pos, n+1)
	}
	for i := n - 1; i >= pos; i-- {
		if err := r.move(i, i+1); err != nil {
			return err
		}
	}
	return r.put(pos, slices.Clone(value))
}

// deleteAt removes the row at pos and moves rows after it down by one.
func (r rows) deleteAt(pos int) error {
	n := r.size()
	if pos < 0 || pos >= n || r.get(pos) == nil {
		return storageErrf("delete", CurrentIndexKey{r.ck, pos}, errNoRows)
	}
	if err := r.delete(pos); err != nil {
		return err
	}
	for i := pos + 1; i < n; i++ {
		if err := r.move(i, i-1); err != nil {
			return err
		}
	}
	return nil
}

// permute moves the row at old position i to newPos[i], in two phases so
// that no intermediate state collides: first every moved row goes to the
// negative key -(new+1), then every negative key k flips to -k-1.
func (r rows) permute(newPos []int) error {
	for i, np := range newPos {
		if np == i {
			continue
		}
		if err := r.move(i, -(np + 1)); err != nil {
			return err
		}
	}

	var negative []int
	c := r.b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		pos := decodePositionKey(k)
		if pos >= 0 {
			break
		}
		negative = append(negative, pos)
	}
	for _, k := range negative {
		if err := r.move(k, -k-1); err != nil {
			return err
		}
	}
	return nil
}

// scan calls f for every row in position order until f returns false.
// Negative positions only exist inside a sort and are skipped.
func (r rows) scan(f func(pos int, value []byte) bool) {
	if r.b == nil {
		return
	}
	c := r.b.Cursor()
	for k, v := c.Seek(positionKey(0)); k != nil; k, v = c.Next() {
		if !f(decodePositionKey(k), v) {
			return
		}
	}
}

// keyCount is the number of stored rows, counting any parked at negative
// positions.
func (r rows) keyCount() int {
	if r.b == nil {
		return 0
	}
	return r.b.KeyCount()
}

// clear removes every row and returns the emptied table.
func (r rows) clear() (rows, error) {
	if r.b == nil {
		return r, nil
	}
	r.tx.markWritten()
	if err := r.tx.stx.DeleteBucket(containersBucket, string(r.ck)); err != nil && err != ErrBucketNotFound {
		return r, storageErrf("clear", r.ck, err)
	}
	return r.tx.createRows(r.ck)
}

func (tx *Tx) loadContainerMeta(ck ContainerKey) (*containerMeta, error) {
	b := tx.stx.Bucket(metaBucket, "")
	if b == nil {
		return nil, nil
	}
	raw := b.Get([]byte(containerMetaPrefix + string(ck)))
	if raw == nil {
		return nil, nil
	}
	var meta containerMeta
	if err := decodeMsgpack(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (tx *Tx) saveContainerMeta(ck ContainerKey, meta *containerMeta) error {
	b, err := tx.stx.CreateBucket(metaBucket, "")
	if err != nil {
		return storageErrf("create", ContainerKey(metaBucket), err)
	}
	tx.markWritten()
	if err := b.Put([]byte(containerMetaPrefix+string(ck)), encodeMsgpack(meta)); err != nil {
		return storageErrf("put meta", ck, err)
	}
	return nil
}

func (tx *Tx) deleteContainer(ck ContainerKey) error {
	tx.markWritten()
	if err := tx.stx.DeleteBucket(containersBucket, string(ck)); err != nil && err != ErrBucketNotFound {
		return storageErrf("drop", ck, err)
	}
	if b := tx.stx.Bucket(metaBucket, ""); b != nil {
		if err := b.Delete([]byte(containerMetaPrefix + string(ck))); err != nil {
			return storageErrf("drop meta", ck, err)
		}
	}
	return nil
}

func (tx *Tx) containerKeys() []ContainerKey {
	var keys []ContainerKey
	for _, name := range tx.stx.NestedBuckets(containersBucket) {
		keys = append(keys, ContainerKey(name))
	}
	return keys
}
