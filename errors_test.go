package kvview

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
}

func TestMapperError(t *testing.T) {
	inner := errors.New("inner")
	err := error(&MapperError{ID: ID{"\x01\x02", 7}, Err: inner})
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	if s, e := err.Error(), "kvview: map 0102@7: inner"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
}

func TestStoreError(t *testing.T) {
	if storeErrf("get", "k", nil) != nil {
		t.Fatalf("storeErrf(nil) != nil")
	}
	inner := errors.New("inner")
	err := storeErrf("get", "k", inner)
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "get" {
		t.Fatalf("err = %#v, wanted *StoreError for get", err)
	}
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	if s, e := err.Error(), `kvview: get "k": inner`; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
	if s, e := storeErrf("batch", "", inner).Error(), "kvview: batch: inner"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
}

func TestResolutionError(t *testing.T) {
	inner := errors.New("inner")
	err := error(&ResolutionError{ID: ID{"\xff", 0}, Err: inner})
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	if s, e := err.Error(), "kvview: resolve ff@0: inner"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
}
