package beandb

// LoadContainerSize implements Loader.
func (db *DB) LoadContainerSize(ck ContainerKey) (int, error) {
	var n int
	err := db.read(func(tx *Tx) error {
		n = tx.rows(ck).size()
		return nil
	})
	return n, err
}

// LoadContainerBeanDataByIndex implements Loader. It returns nil data if
// there is no row at the index.
func (db *DB) LoadContainerBeanDataByIndex(key InitialIndexKey) (*RecordData, error) {
	var d *RecordData
	err := db.read(func(tx *Tx) error {
		raw := tx.rows(key.Container).get(key.Index)
		if raw == nil {
			return nil
		}
		_, values, err := decodeRow(db.types, raw)
		if err != nil {
			return err
		}
		d = &RecordData{Index: key.Index, Values: values}
		return nil
	})
	return d, err
}

// LoadContainerBeanDataByIdentifiers implements Loader. ids are normalized
// against each row's own type; a row whose type cannot represent them does
// not match.
func (db *DB) LoadContainerBeanDataByIdentifiers(ck ContainerKey, ids map[string]any) (*RecordData, error) {
	var d *RecordData
	err := db.read(func(tx *Tx) error {
		var derr error
		tx.rows(ck).scan(func(pos int, raw []byte) bool {
			var typ *RecordType
			var values map[string]any
			typ, values, derr = decodeRow(db.types, raw)
			if derr != nil {
				return false
			}
			want, ok := normalizeIdentifiers(typ, ids)
			if ok && matchesAll(values, want) {
				d = &RecordData{Index: pos, Values: values}
				return false
			}
			return true
		})
		return derr
	})
	return d, err
}

func normalizeIdentifiers(typ *RecordType, ids map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(ids))
	for k, v := range ids {
		nv, err := typ.normalizeValue(k, v)
		if err != nil {
			return nil, false
		}
		out[k] = nv
	}
	return out, true
}

// LoadBeanTypeWithinContainer implements Loader.
func (db *DB) LoadBeanTypeWithinContainer(key InitialIndexKey) (*RecordType, error) {
	var typ *RecordType
	err := db.read(func(tx *Tx) error {
		raw := tx.rows(key.Container).get(key.Index)
		if raw == nil {
			return indexErrf(key.Container, "type", key.Index, tx.rows(key.Container).size())
		}
		name, err := rowTypeName(raw)
		if err != nil {
			return err
		}
		typ = db.types.Lookup(name)
		if typ == nil {
			return dataErrf(raw, 0, nil, "unknown record type %q", name)
		}
		return nil
	})
	return typ, err
}

// LoadSingleBeanData implements Loader. It returns nil data if the single
// bean does not exist.
func (db *DB) LoadSingleBeanData(key SingleKey) (*RecordData, error) {
	var d *RecordData
	err := db.read(func(tx *Tx) error {
		_, values, err := tx.loadSingle(key)
		if err != nil || values == nil {
			return err
		}
		d = &RecordData{Index: -1, Values: values}
		return nil
	})
	return d, err
}

// FullContainerLoad implements Loader.
func (db *DB) FullContainerLoad(ck ContainerKey) (map[int]*RecordData, error) {
	out := make(map[int]*RecordData)
	err := db.read(func(tx *Tx) error {
		var derr error
		tx.rows(ck).scan(func(pos int, raw []byte) bool {
			var values map[string]any
			_, values, derr = decodeRow(db.types, raw)
			if derr != nil {
				return false
			}
			out[pos] = &RecordData{Index: pos, Values: values}
			return true
		})
		return derr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
