package beandb

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrIndexOutOfRange       = errors.New("index out of range")
	ErrConcurrentTransaction = errors.New("concurrent transaction")
	ErrIllegalState          = errors.New("illegal state")
	ErrScopeClosed           = fmt.Errorf("%w: scope closed", ErrIllegalState)
	ErrStorage               = errors.New("storage failure")
	ErrLimitReached          = errors.New("container limit reached")
	ErrNoIdentifiers         = errors.New("record type has no identifier fields")
)

type IndexError struct {
	Container ContainerKey
	Op        string
	Index     int
	Size      int // -1 if unknown
}

func indexErrf(ck ContainerKey, op string, index, size int) error {
	return &IndexError{ck, op, index, size}
}

func (e *IndexError) Is(target error) bool { return target == ErrIndexOutOfRange }

func (e *IndexError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("%s: %s: index %d out of range", e.Container, e.Op, e.Index)
	}
	return fmt.Sprintf("%s: %s: index %d out of range [0, %d)", e.Container, e.Op, e.Index, e.Size)
}

// ConcurrentTransactionError is returned when a scope touches an entity
// already claimed by another active scope. Scope is empty when the conflict
// comes from a direct container write.
type ConcurrentTransactionError struct {
	Key   string
	Scope string
	Owner string
}

func (e *ConcurrentTransactionError) Is(target error) bool {
	return target == ErrConcurrentTransaction
}

func (e *ConcurrentTransactionError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("%s is held by scope %s", e.Key, e.Owner)
	}
	return fmt.Sprintf("scope %s: %s is held by scope %s", e.Scope, e.Key, e.Owner)
}

type StateError struct {
	Key string
	Msg string
	Err error
}

func stateErrf(key fmt.Stringer, err error, format string, args ...any) error {
	var ks string
	if key != nil {
		ks = key.String()
	}
	return &StateError{ks, fmt.Sprintf(format, args...), err}
}

func (e *StateError) Is(target error) bool { return target == ErrIllegalState }

func (e *StateError) Unwrap() error { return e.Err }

func (e *StateError) Error() string {
	var buf strings.Builder
	if e.Key != "" {
		buf.WriteString(e.Key)
		buf.WriteString(": ")
	}
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// StorageError wraps a failure of the underlying store, including the case
// of a write that was expected to touch a row but touched none.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func storageErrf(op string, key fmt.Stringer, err error) error {
	var ks string
	if key != nil {
		ks = key.String()
	}
	return &StorageError{op, ks, err}
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

type LimitError struct {
	Container ContainerKey
	Limit     int
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitReached }

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: limit of %d beans reached", e.Container, e.Limit)
}

// errNoRows is wrapped into a StorageError when a write affected nothing.
var errNoRows = errors.New("no rows affected")

// DataError reports stored bytes that cannot be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{slices.Clone(data), off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 48
	const suffixLen = 16
	var buf strings.Builder
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		fmt.Fprintf(&buf, ": (%d) %x", n, e.Data)
	} else {
		fmt.Fprintf(&buf, ": (%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	return buf.String()
}
