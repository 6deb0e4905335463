package beandb

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})

	t.Run("owns its data", func(t *testing.T) {
		data := []byte{1, 2, 3}
		var de *DataError
		errors.As(dataErrf(data, 0, nil, "oops"), &de)
		data[0] = 9
		if de.Data[0] != 1 {
			t.Fatalf("DataError.Data = %x, wanted a copy", de.Data)
		}
	})
}

func TestErrorKinds(t *testing.T) {
	inner := errors.New("inner")
	tests := []struct {
		err    error
		target error
		msg    string
	}{
		{indexErrf("items", "get", 5, 3), ErrIndexOutOfRange, "items: get: index 5 out of range [0, 3)"},
		{indexErrf("items", "add", -1, -1), ErrIndexOutOfRange, "items: add: index -1 out of range"},
		{&ConcurrentTransactionError{Key: "c:items", Scope: "a", Owner: "b"}, ErrConcurrentTransaction, "scope a: c:items is held by scope b"},
		{stateErrf(SingleKey("cfg"), inner, "bad %s", "thing"), ErrIllegalState, "cfg: bad thing: inner"},
		{stateErrf(nil, nil, "plain"), ErrIllegalState, "plain"},
		{storageErrf("remove", CurrentIndexKey{"items", 2}, errNoRows), ErrStorage, "remove items[2]: no rows affected"},
		{&LimitError{"items", 3}, ErrLimitReached, "items: limit of 3 beans reached"},
		{ErrScopeClosed, ErrIllegalState, "illegal state: scope closed"},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.target) {
			t.Errorf("errors.Is(%v, %v) = false, wanted true", tt.err, tt.target)
		}
		if got := tt.err.Error(); got != tt.msg {
			t.Errorf("Error() = %q, wanted %q", got, tt.msg)
		}
	}

	if !errors.Is(stateErrf(nil, inner, "x"), inner) {
		t.Errorf("StateError does not unwrap")
	}
	if !errors.Is(storageErrf("x", nil, inner), inner) {
		t.Errorf("StorageError does not unwrap")
	}
}
