package kvview

import (
	"errors"
	"fmt"
	"strings"
)

var ErrClosed = errors.New("kvview: index closed")

// DataError reports persisted data that could not be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %q", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %q", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %q...%q", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %q...%q", e.Msg, e.Off, n, p, s)
		}
	}
}

// MapperError means the mapper failed (or panicked) on an entry. The
// enclosing batch is not applied.
type MapperError struct {
	ID  ID
	Err error
}

func (e *MapperError) Unwrap() error {
	return e.Err
}

func (e *MapperError) Error() string {
	return fmt.Sprintf("kvview: map %v: %v", e.ID, e.Err)
}

// StoreError wraps merge store and checkpoint I/O failures. The batch it
// belongs to has not been checkpointed and is safe to retry.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func storeErrf(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString("kvview: ")
	buf.WriteString(e.Op)
	if e.Key != "" {
		buf.WriteString(" ")
		fmt.Fprintf(&buf, "%q", e.Key)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ResolutionError means a stored id could not be read back from its log.
type ResolutionError struct {
	ID  ID
	Err error
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("kvview: resolve %v: %v", e.ID, e.Err)
}
