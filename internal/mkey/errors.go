package mkey

import (
	"errors"
	"fmt"

	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Memory key errors.
var (
	ErrUnsupportedConfiguration = errors.New("configuration not supported by device")
	ErrSignatureMismatch        = errors.New("signature error state mismatch")
	ErrDataMismatch             = errors.New("data mismatch")
	ErrNotCreated               = errors.New("mkey not created")
	ErrNotSupported             = errors.New("operation not supported")
	ErrLayoutTooSmall           = errors.New("buffer exceeds layout length")
	ErrBadSegment               = errors.New("segment outside memory region")
	ErrLayoutTooLarge           = errors.New("key length exceeds 32 bits")
)

// SigError describes a latched signature error. Detail fields are only
// meaningful when HasDetail is set, and a SigError of type MkeyNoErr never
// carries detail.
type SigError struct {
	Type      verbs.MkeyErrType
	HasDetail bool
	Actual    uint64
	Expected  uint64
	Offset    uint64
}

// NoError is the descriptor of a key without a pending signature error.
var NoError = SigError{}

// ErrorOfType matches any error of type t regardless of detail.
func ErrorOfType(t verbs.MkeyErrType) SigError {
	return SigError{Type: t}
}

// ErrorWithDetail matches an error of type t with the given values.
func ErrorWithDetail(t verbs.MkeyErrType, actual, expected, offset uint64) SigError {
	if t == verbs.MkeyNoErr {
		return NoError
	}
	return SigError{Type: t, HasDetail: true, Actual: actual, Expected: expected, Offset: offset}
}

// FromDevice converts the device report.
func FromDevice(e verbs.MkeyErr) SigError {
	return ErrorWithDetail(e.Type, e.Actual, e.Expected, e.Offset)
}

// Equal compares types, and detail when both sides carry it.
func (e SigError) Equal(o SigError) bool {
	if e.Type != o.Type {
		return false
	}
	if e.Type == verbs.MkeyNoErr || !e.HasDetail || !o.HasDetail {
		return true
	}
	return e.Actual == o.Actual && e.Expected == o.Expected && e.Offset == o.Offset
}

func (e SigError) String() string {
	if e.Type == verbs.MkeyNoErr {
		return "no error"
	}
	if !e.HasDetail {
		return e.Type.String()
	}
	return fmt.Sprintf("%s (actual 0x%x, expected 0x%x, offset %d)", e.Type, e.Actual, e.Expected, e.Offset)
}

// CheckError is returned when a key's signature error state differs from
// the expected one.
type CheckError struct {
	Key  uint32
	Want SigError
	Got  SigError
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("mkey 0x%x: got %s, want %s", e.Key, e.Got, e.Want)
}

func (e *CheckError) Unwrap() error {
	return ErrSignatureMismatch
}

// DataMismatchError reports the first differing byte of two buffers.
type DataMismatchError struct {
	Offset  int
	Want    byte
	Got     byte
	WantLen int
	GotLen  int
}

func (e *DataMismatchError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("data length %d, want %d", e.GotLen, e.WantLen)
	}
	return fmt.Sprintf("data differs at offset %d: got 0x%02x, want 0x%02x", e.Offset, e.Got, e.Want)
}

func (e *DataMismatchError) Unwrap() error {
	return ErrDataMismatch
}

// CompareData returns a DataMismatchError for the first byte where got
// differs from want.
func CompareData(want, got []byte) error {
	n := len(want)
	if len(got) < n {
		n = len(got)
	}
	for i := 0; i < n; i++ {
		if want[i] != got[i] {
			return &DataMismatchError{Offset: i, Want: want[i], Got: got[i], WantLen: len(want), GotLen: len(got)}
		}
	}
	if len(want) != len(got) {
		return &DataMismatchError{Offset: -1, WantLen: len(want), GotLen: len(got)}
	}
	return nil
}
