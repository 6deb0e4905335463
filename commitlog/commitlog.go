// Package commitlog implements an append-only log of scope commit progress.
//
// A commit writes Begin, then one Phase record per applier phase, then End.
// A phase failure writes Failed instead, and a rollback writes RolledBack.
// Scopes that began but never ended are the ones whose store may hold a
// partial commit; Unresolved lists them.
//
// File format:
//
//   - file = header record*
//   - header = magic:64 version:8 reserved:56 checksum:64
//   - record = size:uvarint payload:msgpack checksum:64
//
// The record checksum is xxhash of the size bytes and the payload. Opening a
// log trims everything after the first corrupted or incomplete record.
package commitlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrIncompatible       = errors.New("incompatible commit log")
	ErrUnsupportedVersion = errors.New("unsupported commit log version")
	ErrClosed             = errors.New("commit log closed")
)

const (
	magic         = 0x31474f4c4e414542 // "BEANLOG1" as little-endian uint64
	version0      = uint8(0)
	headerSize    = 3 * 8
	maxRecordSize = 16 * 1024 * 1024
)

type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindPhase
	KindEnd
	KindFailed
	KindRolledBack
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindPhase:
		return "phase"
	case KindEnd:
		return "end"
	case KindFailed:
		return "failed"
	case KindRolledBack:
		return "rolledback"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

type Record struct {
	Kind  Kind      `msgpack:"k"`
	Scope string    `msgpack:"s"`
	Time  time.Time `msgpack:"t"`
	Phase string    `msgpack:"p,omitempty"`
	Keys  []string  `msgpack:"ks,omitempty"`
	Err   string    `msgpack:"e,omitempty"`
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool
	Now     func() time.Time

	// NoSync skips fsync after End and Failed records. Tests only.
	NoSync bool
}

// Log is an open commit log file. It is safe for concurrent use.
type Log struct {
	path    string
	logger  *slog.Logger
	verbose bool
	now     func() time.Time
	noSync  bool

	mu       sync.Mutex
	f        *os.File
	size     int64
	records  []Record
	writeErr error
}

// Open opens or creates the log at path, loading and validating existing
// records.
func Open(path string, o Options) (*Log, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	l := &Log{
		path:    path,
		logger:  o.Logger,
		verbose: o.Verbose,
		now:     o.Now,
		noSync:  o.NoSync,
		f:       f,
	}
	var ok bool
	defer closeUnlessOK(f, &ok)

	if err := l.load(); err != nil {
		return nil, err
	}
	ok = true
	return l, nil
}

func (l *Log) load() error {
	stat, err := l.f.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		var hbuf [headerSize]byte
		fillHeader(hbuf[:])
		if _, err := l.f.Write(hbuf[:]); err != nil {
			return err
		}
		l.size = headerSize
		return nil
	}

	r := bufio.NewReader(l.f)
	var hbuf [headerSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return fmt.Errorf("%s: %w: short header", l.path, ErrIncompatible)
	}
	if err := checkHeader(hbuf[:]); err != nil {
		return fmt.Errorf("%s: %w", l.path, err)
	}

	off := int64(headerSize)
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		} else if err != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelWarn, "commitlog: trimming corrupted tail", slog.String("file", l.path), slog.Int64("off", off), slog.Int64("size", stat.Size()), slog.Any("err", err))
			break
		}
		l.records = append(l.records, rec)
		off += n
	}
	if off != stat.Size() {
		if err := l.f.Truncate(off); err != nil {
			return err
		}
	}
	if _, err := l.f.Seek(off, io.SeekStart); err != nil {
		return err
	}
	l.size = off
	return nil
}

func (l *Log) Path() string { return l.path }

// Size returns the current file size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append writes rec. A zero Time is filled in from the clock. End and Failed
// records are synced to disk unless NoSync is set.
func (l *Log) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}
	rec.Time = rec.Time.UTC()

	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	if len(payload) > maxRecordSize {
		return fmt.Errorf("commitlog: record of %d bytes exceeds limit", len(payload))
	}
	buf := appendRecord(make([]byte, 0, len(payload)+binary.MaxVarintLen64+8), payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	if _, err := l.f.Write(buf); err != nil {
		return l.fail(err)
	}
	if !l.noSync && (rec.Kind == KindEnd || rec.Kind == KindFailed) {
		if err := l.f.Sync(); err != nil {
			return l.fail(err)
		}
	}
	l.size += int64(len(buf))
	l.records = append(l.records, rec)
	if l.verbose {
		l.logger.Debug("commitlog: append", "kind", rec.Kind, "scope", rec.Scope, "phase", rec.Phase)
	}
	return nil
}

func (l *Log) fail(err error) error {
	l.logger.LogAttrs(context.Background(), slog.LevelError, "commitlog: write failed", slog.String("file", l.path), slog.Any("err", err))
	l.writeErr = err
	return err
}

// Records returns every record loaded or appended so far.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.records)
}

// Unresolved returns the scopes that began a commit but have neither ended
// nor been rolled back, in order of their Begin records. For each, the last
// record tells how far the commit got.
func (l *Log) Unresolved() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return unresolved(l.records)
}

func unresolved(records []Record) []Record {
	last := make(map[string]int)
	var order []string
	for i, rec := range records {
		switch rec.Kind {
		case KindBegin:
			if _, found := last[rec.Scope]; !found {
				order = append(order, rec.Scope)
			}
			last[rec.Scope] = i
		case KindEnd, KindRolledBack:
			delete(last, rec.Scope)
		default:
			if _, found := last[rec.Scope]; found {
				last[rec.Scope] = i
			}
		}
	}
	var out []Record
	for _, scope := range order {
		if i, found := last[scope]; found {
			out = append(out, records[i])
		}
	}
	return out
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Read loads the records of the log at path without opening it for writing.
// A corrupted tail is ignored.
func Read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%s: %w: short header", path, ErrIncompatible)
	}
	if err := checkHeader(data[:headerSize]); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r := bytes.NewReader(data[headerSize:])
	var records []Record
	for {
		rec, _, err := readRecord(r)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func fillHeader(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], magic)
	buf[8] = version0
	binary.LittleEndian.PutUint64(buf[16:], xxhash.Sum64(buf[:16]))
}

func checkHeader(buf []byte) error {
	if binary.LittleEndian.Uint64(buf[0:]) != magic {
		return ErrIncompatible
	}
	if xxhash.Sum64(buf[:16]) != binary.LittleEndian.Uint64(buf[16:]) {
		return ErrIncompatible
	}
	if buf[8] > version0 {
		return ErrUnsupportedVersion
	}
	return nil
}

func appendRecord(b []byte, payload []byte) []byte {
	start := len(b)
	b = binary.AppendUvarint(b, uint64(len(payload)))
	b = append(b, payload...)
	return binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b[start:]))
}

var errCorruptedRecord = errors.New("corrupted record")

type byteAndFullReader interface {
	io.Reader
	io.ByteReader
}

// readRecord returns io.EOF only at a clean record boundary.
func readRecord(r byteAndFullReader) (Record, int64, error) {
	var rec Record
	var h xxhash.Digest
	h.Reset()

	size, err := binary.ReadUvarint(r)
	if err == io.EOF {
		return rec, 0, io.EOF
	} else if err != nil {
		return rec, 0, errCorruptedRecord
	}
	if size > maxRecordSize {
		return rec, 0, errCorruptedRecord
	}
	hbuf := binary.AppendUvarint(nil, size)
	h.Write(hbuf)

	buf := make([]byte, int(size)+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return rec, 0, errCorruptedRecord
	}
	payload, sum := buf[:size], buf[size:]
	h.Write(payload)
	if h.Sum64() != binary.LittleEndian.Uint64(sum) {
		return rec, 0, errCorruptedRecord
	}
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return rec, 0, fmt.Errorf("%w: %v", errCorruptedRecord, err)
	}
	return rec, int64(len(hbuf) + len(buf)), nil
}

func closeUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
}
