package beandb

import (
	"context"
	"log/slog"
)

// Tx is a storage transaction of a DB. All row operations go through one.
type Tx struct {
	db      *DB
	stx     storageTx
	written bool
}

func (tx *Tx) Writable() bool { return tx.stx.Writable() }

func (tx *Tx) markWritten() { tx.written = true }

// read runs f in a read-only transaction.
func (db *DB) read(f func(tx *Tx) error) error {
	db.ReaderCount.Add(1)
	defer db.ReaderCount.Add(-1)
	db.ReadCount.Add(1)

	stx, err := db.st.BeginTx(false)
	if err != nil {
		return storageErrf("begin read", nil, err)
	}
	defer stx.Rollback()
	return safelyCall(f, &Tx{db: db, stx: stx})
}

// write runs f in a writable transaction and commits it if f succeeds.
// Panics inside f are returned as errors and roll the transaction back.
func (db *DB) write(f func(tx *Tx) error) error {
	db.PendingWriterCount.Add(1)
	stx, err := db.st.BeginTx(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		return storageErrf("begin write", nil, err)
	}
	db.WriterCount.Add(1)
	defer db.WriterCount.Add(-1)
	db.WriteCount.Add(1)

	tx := &Tx{db: db, stx: stx}
	err = safelyCall(f, tx)
	if err != nil {
		stx.Rollback()
		return err
	}
	if !tx.written {
		return stx.Rollback()
	}
	db.lastSize.Store(stx.Size())
	if err := stx.Commit(); err != nil {
		return storageErrf("commit", nil, err)
	}
	return nil
}

func (db *DB) logVerbose(msg string, args ...any) {
	if db.verbose {
		db.logger.Debug(msg, args...)
	}
}

func (db *DB) logWarn(msg string, err error, attrs ...slog.Attr) {
	db.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, append(attrs, slog.Any("err", err))...)
}
