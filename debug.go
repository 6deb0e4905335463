package beandb

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpSingles

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the stored state of every container and single bean as text.
// Rows that fail to decode are reported inline rather than aborting the dump.
func (db *DB) Dump(f DumpFlags) string {
	var buf strings.Builder
	err := db.read(func(tx *Tx) error {
		for _, ck := range tx.containerKeys() {
			tx.dumpContainer(&buf, f, ck)
		}
		if f.Contains(DumpSingles) {
			tx.dumpSingles(&buf, f)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(&buf, "** ERROR: %v\n", err)
	}
	return buf.String()
}

func (tx *Tx) dumpContainer(w *strings.Builder, f DumpFlags, ck ContainerKey) {
	r := tx.rows(ck)
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		typ := "?"
		if meta, err := tx.loadContainerMeta(ck); err == nil && meta != nil {
			typ = meta.Type
		}
		fmt.Fprintf(w, "%s: %s (%d rows)\n", ck, typ, r.size())
	}
	if f.Contains(DumpStats) {
		var size int
		r.scan(func(pos int, v []byte) bool {
			size += len(v)
			return true
		})
		fmt.Fprintf(w, "%s.stats: rows = %d, data_size = %d\n", ck, r.keyCount(), size)
	}
	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		r.scan(func(pos int, v []byte) bool {
			tx.dumpRow(w, ck, pos, v)
			return true
		})
	}
}

func (tx *Tx) dumpRow(w *strings.Builder, ck ContainerKey, pos int, v []byte) {
	typ, values, err := decodeRow(tx.db.types, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", ck, pos, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %s %s\n", ck, pos, typ.Name(), must(json.Marshal(values)))
}

func (tx *Tx) dumpSingles(w *strings.Builder, f DumpFlags) {
	b := tx.stx.Bucket(beansBucket, "")
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "single beans (%d columns)\n", tx.singleColumns())
	}
	if b == nil {
		return
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		key := SingleKey(k)
		row, err := tx.loadSingleRow(key)
		if err != nil {
			fmt.Fprintf(w, "%s = ** ERROR: %v\n", key, err)
			continue
		}
		var cols []string
		for i := range tx.singleColumns() {
			if s, ok := row.Cols[columnName(i)]; ok {
				cols = append(cols, fmt.Sprintf("%s=%q", columnName(i), s))
			}
		}
		fmt.Fprintf(w, "%s = %s {%s}\n", key, row.Type, strings.Join(cols, " "))
	}
}
