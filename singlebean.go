package beandb

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// SingleBean is a standalone bean stored in the shared single-record table.
// Every access goes straight to the store.
//
// The table has a growing set of generic text columns c0, c1, ...; field i of
// the bean's type lives in column c<i>. A missing column reads as the
// field's initial value.
type SingleBean struct {
	db  *DB
	key SingleKey
	typ *RecordType
}

func (sb *SingleBean) Key() SingleKey { return sb.key }

func (sb *SingleBean) Type() *RecordType { return sb.typ }

// OpenSingleBean returns the single bean stored under key, creating its row
// if missing. The table's column set is grown first when typ has more fields
// than there are columns. An existing row of another type is an error.
func (db *DB) OpenSingleBean(key SingleKey, typ *RecordType) (*SingleBean, error) {
	db.types.Register(typ)
	err := db.write(func(tx *Tx) error {
		if n := tx.singleColumns(); n < typ.NumField() {
			if err := tx.setSingleColumns(typ.NumField()); err != nil {
				return err
			}
			db.logVerbose("beandb: grew single bean columns", "from", n, "to", typ.NumField())
		}
		row, err := tx.loadSingleRow(key)
		if err != nil {
			return err
		}
		if row != nil {
			if row.Type != typ.name {
				return stateErrf(key, nil, "stored as %s, opened as %s", row.Type, typ.name)
			}
			return nil
		}
		return tx.saveSingleRow(key, &singleRow{Type: typ.name, Cols: map[string]string{}})
	})
	if err != nil {
		return nil, err
	}
	return &SingleBean{db: db, key: key, typ: typ}, nil
}

// SingleBeanExists reports whether a row is stored under key.
func (db *DB) SingleBeanExists(key SingleKey) (bool, error) {
	var found bool
	err := db.read(func(tx *Tx) error {
		row, err := tx.loadSingleRow(key)
		found = row != nil
		return err
	})
	return found, err
}

// SingleBeanColumns returns the number of generic columns of the table.
func (db *DB) SingleBeanColumns() (int, error) {
	var n int
	err := db.read(func(tx *Tx) error {
		n = tx.singleColumns()
		return nil
	})
	return n, err
}

// SingleBeanKeys lists every stored single bean.
func (db *DB) SingleBeanKeys() ([]SingleKey, error) {
	var keys []SingleKey
	err := db.read(func(tx *Tx) error {
		b := tx.stx.Bucket(beansBucket, "")
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, SingleKey(k))
		}
		return nil
	})
	return keys, err
}

// RemoveObsoleteSingleBeans deletes every single bean whose key is not in
// keep, then shrinks the column set to the widest remaining row. It returns
// the deleted keys.
func (db *DB) RemoveObsoleteSingleBeans(keep []SingleKey) ([]SingleKey, error) {
	var removed []SingleKey
	err := db.write(func(tx *Tx) error {
		b := tx.stx.Bucket(beansBucket, "")
		if b == nil {
			return nil
		}
		width := 0
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			key := SingleKey(k)
			if slices.Contains(keep, key) {
				var row singleRow
				if err := decodeMsgpack(v, &row); err != nil {
					return err
				}
				width = max(width, db.singleRowWidth(&row))
				continue
			}
			removed = append(removed, key)
		}
		for _, key := range removed {
			if err := b.Delete([]byte(key)); err != nil {
				return storageErrf("delete", key, err)
			}
			tx.markWritten()
		}
		if n := tx.singleColumns(); width < n {
			if err := tx.setSingleColumns(width); err != nil {
				return err
			}
			db.logVerbose("beandb: shrank single bean columns", "from", n, "to", width)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, key := range removed {
		db.publish(Event{Kind: EventRemoved, Single: key, Index: -1})
	}
	if len(removed) > 0 {
		db.logger.Info("beandb: removed obsolete single beans", "beans", removed)
	}
	return removed, nil
}

// singleRowWidth is the number of columns a row needs: enough for every
// field of its type and every column it has a value in.
func (db *DB) singleRowWidth(row *singleRow) int {
	var width int
	if typ := db.types.Lookup(row.Type); typ != nil {
		width = typ.NumField()
	}
	for name := range row.Cols {
		if i, err := strconv.Atoi(strings.TrimPrefix(name, "c")); err == nil {
			width = max(width, i+1)
		}
	}
	return width
}

func (sb *SingleBean) Get(field string) (any, error) {
	if sb.typ.FieldIndex(field) < 0 {
		return nil, stateErrf(sb.key, nil, "%s: unknown field %q", sb.typ.name, field)
	}
	values, err := sb.Values()
	if err != nil {
		return nil, err
	}
	return values[field], nil
}

// Values returns a copy of all field values.
func (sb *SingleBean) Values() (map[string]any, error) {
	var values map[string]any
	err := sb.db.read(func(tx *Tx) error {
		var err error
		_, values, err = tx.loadSingle(sb.key)
		if err == nil && values == nil {
			err = storageErrf("load", sb.key, errNoRows)
		}
		return err
	})
	return values, err
}

// Set writes one field right away. It fails with ErrConcurrentTransaction
// while a scope holds the bean.
func (sb *SingleBean) Set(field string, value any) error {
	v, err := sb.typ.normalizeValue(field, value)
	if err != nil {
		return err
	}
	key := sb.key.claim()
	if s := sb.db.mgr.registry.owner(key); s != nil {
		return &ConcurrentTransactionError{Key: key, Owner: s.ID()}
	}
	return sb.db.writeSingleChanges(sb.key, []FieldChange{{field, v}})
}

// loadSingle returns the row's type and decoded values, or nils if there is
// no row.
func (tx *Tx) loadSingle(key SingleKey) (*RecordType, map[string]any, error) {
	row, err := tx.loadSingleRow(key)
	if err != nil || row == nil {
		return nil, nil, err
	}
	typ := tx.db.types.Lookup(row.Type)
	if typ == nil {
		return nil, nil, stateErrf(key, nil, "unknown record type %q", row.Type)
	}
	values := typ.InitialValues()
	for i, f := range typ.fields {
		s, ok := row.Cols[columnName(i)]
		if !ok {
			continue
		}
		v, err := f.Kind.Parse(s)
		if err != nil {
			return nil, nil, stateErrf(key, err, "column %s of %s.%s", columnName(i), typ.name, f.Name)
		}
		values[f.Name] = v
	}
	return typ, values, nil
}

func (tx *Tx) loadSingleRow(key SingleKey) (*singleRow, error) {
	b := tx.stx.Bucket(beansBucket, "")
	if b == nil {
		return nil, nil
	}
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var row singleRow
	if err := decodeMsgpack(raw, &row); err != nil {
		return nil, err
	}
	if row.Cols == nil {
		row.Cols = make(map[string]string)
	}
	return &row, nil
}

func (tx *Tx) saveSingleRow(key SingleKey, row *singleRow) error {
	b, err := tx.stx.CreateBucket(beansBucket, "")
	if err != nil {
		return storageErrf("create", ContainerKey(beansBucket), err)
	}
	tx.markWritten()
	if err := b.Put([]byte(key), encodeMsgpack(row)); err != nil {
		return storageErrf("put", key, err)
	}
	return nil
}

func (tx *Tx) singleColumns() int {
	b := tx.stx.Bucket(metaBucket, "")
	if b == nil {
		return 0
	}
	return decodeCount(b.Get([]byte(beanColumnsKey)))
}

func (tx *Tx) setSingleColumns(n int) error {
	b, err := tx.stx.CreateBucket(metaBucket, "")
	if err != nil {
		return storageErrf("create", ContainerKey(metaBucket), err)
	}
	tx.markWritten()
	if err := b.Put([]byte(beanColumnsKey), encodeCount(n)); err != nil {
		return storageErrf("put", ContainerKey(beanColumnsKey), err)
	}
	return nil
}

// writeSingleChanges updates the columns of an existing single bean in one
// transaction and publishes a change event per field.
func (db *DB) writeSingleChanges(key SingleKey, changes []FieldChange) error {
	err := db.write(func(tx *Tx) error {
		row, err := tx.loadSingleRow(key)
		if err != nil {
			return err
		}
		if row == nil {
			return storageErrf("update", key, errNoRows)
		}
		typ := db.types.Lookup(row.Type)
		if typ == nil {
			return stateErrf(key, nil, "unknown record type %q", row.Type)
		}
		cols := tx.singleColumns()
		row.Cols = maps.Clone(row.Cols)
		for _, ch := range changes {
			i := typ.FieldIndex(ch.Field)
			if i < 0 {
				return stateErrf(key, nil, "%s: unknown field %q", typ.name, ch.Field)
			}
			if i >= cols {
				return stateErrf(key, nil, "column %s does not exist, open the bean first", columnName(i))
			}
			s, err := typ.fields[i].Kind.Format(ch.Value)
			if err != nil {
				return stateErrf(key, err, "%s.%s", typ.name, ch.Field)
			}
			row.Cols[columnName(i)] = s
		}
		db.ChangedCount.Add(uint64(len(changes)))
		return tx.saveSingleRow(key, row)
	})
	if err != nil {
		return err
	}
	for _, ch := range changes {
		db.publish(Event{Kind: EventValueChanged, Single: key, Index: -1, Field: ch.Field, Value: ch.Value})
	}
	return nil
}

func (db *DB) deleteSingles(keys []SingleKey) error {
	err := db.write(func(tx *Tx) error {
		b := tx.stx.Bucket(beansBucket, "")
		for _, key := range keys {
			if b == nil || b.Get([]byte(key)) == nil {
				return storageErrf("delete", key, errNoRows)
			}
			if err := b.Delete([]byte(key)); err != nil {
				return storageErrf("delete", key, err)
			}
			tx.markWritten()
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		db.publish(Event{Kind: EventRemoved, Single: key, Index: -1})
	}
	return nil
}
