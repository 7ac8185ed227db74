package mkey

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Layout is the data layout facet of a key: the physical memory the key
// addresses, in the order the device sees it.
type Layout interface {
	Facet
	// DataLength is the number of memory bytes the layout addresses.
	DataLength() int
	// SetData copies buf into the layout in device order.
	SetData(buf []byte) error
	// GetData copies the first len(buf) bytes of the layout into buf.
	GetData(buf []byte) error
	// Dump logs the layout contents at debug level.
	Dump(logger zerolog.Logger)
	// Close deregisters memory the layout owns.
	Close() error
}

// Segment is one contiguous piece of a registered region.
type Segment struct {
	MR     verbs.MemoryRegion
	Offset int
	Length int
}

func (s Segment) bytes() []byte {
	return s.MR.Bytes()[s.Offset : s.Offset+s.Length]
}

func (s Segment) sge() verbs.SGE {
	return verbs.SGE{Addr: s.MR.Addr() + uint64(s.Offset), Length: uint32(s.Length), LKey: s.MR.LKey()}
}

// ListLayout concatenates segments.
type ListLayout struct {
	segments []Segment
	owned    []verbs.MemoryRegion
}

// NewListLayout builds a list layout over caller-owned regions. Every
// segment must lie inside its region.
func NewListLayout(segments ...Segment) (*ListLayout, error) {
	for i, s := range segments {
		switch {
		case s.MR == nil:
			return nil, fmt.Errorf("%w: segment %d has no region", ErrBadSegment, i)
		case s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > s.MR.Len():
			return nil, fmt.Errorf("%w: segment %d [%d, %d) of %d bytes", ErrBadSegment, i, s.Offset, s.Offset+s.Length, s.MR.Len())
		case int64(s.Length) > math.MaxUint32:
			return nil, fmt.Errorf("%w: segment %d", ErrLayoutTooLarge, i)
		}
	}
	return &ListLayout{segments: segments}, nil
}

// NewListLayoutSizes allocates and registers one region per size.
func NewListLayoutSizes(pd verbs.ProtectionDomain, sizes ...int) (*ListLayout, error) {
	l := &ListLayout{}
	for _, n := range sizes {
		mr, err := registerPattern(pd, n)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.owned = append(l.owned, mr)
		l.segments = append(l.segments, Segment{MR: mr, Length: n})
	}
	return l, nil
}

// NewListLayoutUniform allocates count regions of size bytes each.
func NewListLayoutUniform(pd verbs.ProtectionDomain, size, count int) (*ListLayout, error) {
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = size
	}
	return NewListLayoutSizes(pd, sizes...)
}

func (l *ListLayout) Set(qp verbs.QueuePair) {
	entries := make([]verbs.SGE, len(l.segments))
	for i, s := range l.segments {
		entries[i] = s.sge()
	}
	qp.Post(verbs.SetLayoutList{Entries: entries})
}

func (l *ListLayout) AdjustLength(n int) int { return n }

func (l *ListLayout) DataLength() int {
	n := 0
	for _, s := range l.segments {
		n += s.Length
	}
	return n
}

func (l *ListLayout) SetData(buf []byte) error {
	if len(buf) > l.DataLength() {
		return fmt.Errorf("%w: %d > %d", ErrLayoutTooSmall, len(buf), l.DataLength())
	}
	for _, s := range l.segments {
		if len(buf) == 0 {
			break
		}
		buf = buf[copy(s.bytes(), buf):]
	}
	return nil
}

func (l *ListLayout) GetData(buf []byte) error {
	if len(buf) > l.DataLength() {
		return fmt.Errorf("%w: %d > %d", ErrLayoutTooSmall, len(buf), l.DataLength())
	}
	for _, s := range l.segments {
		if len(buf) == 0 {
			break
		}
		buf = buf[copy(buf, s.bytes()):]
	}
	return nil
}

func (l *ListLayout) Dump(logger zerolog.Logger) {
	for i, s := range l.segments {
		logger.Debug().Int("entry", i).Int("length", s.Length).Hex("data", s.bytes()).Msg("layout entry")
	}
}

func (l *ListLayout) Close() error {
	var first error
	for _, mr := range l.owned {
		if err := mr.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.owned = nil
	return first
}

// Stride is one interleaved entry: ByteCount data bytes followed by
// SkipCount bytes the key does not address.
type Stride struct {
	ByteCount int
	SkipCount int
}

type interleavedEntry struct {
	Segment
	Stride
}

// InterleavedLayout repeats a list of strided entries RepeatCount times.
type InterleavedLayout struct {
	repeat  int
	entries []interleavedEntry
	owned   []verbs.MemoryRegion
}

// NewInterleavedLayout allocates one region per stride, sized for repeat
// rounds.
func NewInterleavedLayout(pd verbs.ProtectionDomain, repeat int, strides ...Stride) (*InterleavedLayout, error) {
	l := &InterleavedLayout{repeat: repeat}
	for _, st := range strides {
		n := repeat * (st.ByteCount + st.SkipCount)
		mr, err := registerPattern(pd, n)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.owned = append(l.owned, mr)
		l.entries = append(l.entries, interleavedEntry{Segment: Segment{MR: mr, Length: n}, Stride: st})
	}
	return l, nil
}

func (l *InterleavedLayout) Set(qp verbs.QueuePair) {
	entries := make([]verbs.Interleaved, len(l.entries))
	for i, e := range l.entries {
		entries[i] = verbs.Interleaved{
			Addr:      e.MR.Addr() + uint64(e.Offset),
			ByteCount: uint32(e.ByteCount),
			SkipCount: uint32(e.SkipCount),
			LKey:      e.MR.LKey(),
		}
	}
	qp.Post(verbs.SetLayoutInterleaved{RepeatCount: uint32(l.repeat), Entries: entries})
}

func (l *InterleavedLayout) AdjustLength(n int) int { return n }

func (l *InterleavedLayout) DataLength() int {
	n := 0
	for _, e := range l.entries {
		n += e.ByteCount
	}
	return n * l.repeat
}

// walk visits the addressed byte ranges in device order until fn returns
// false.
func (l *InterleavedLayout) walk(fn func(chunk []byte) bool) {
	for r := 0; r < l.repeat; r++ {
		for _, e := range l.entries {
			off := r * (e.ByteCount + e.SkipCount)
			if !fn(e.bytes()[off : off+e.ByteCount]) {
				return
			}
		}
	}
}

func (l *InterleavedLayout) SetData(buf []byte) error {
	if len(buf) > l.DataLength() {
		return fmt.Errorf("%w: %d > %d", ErrLayoutTooSmall, len(buf), l.DataLength())
	}
	l.walk(func(chunk []byte) bool {
		buf = buf[copy(chunk, buf):]
		return len(buf) > 0
	})
	return nil
}

func (l *InterleavedLayout) GetData(buf []byte) error {
	if len(buf) > l.DataLength() {
		return fmt.Errorf("%w: %d > %d", ErrLayoutTooSmall, len(buf), l.DataLength())
	}
	l.walk(func(chunk []byte) bool {
		buf = buf[copy(buf, chunk):]
		return len(buf) > 0
	})
	return nil
}

func (l *InterleavedLayout) Dump(logger zerolog.Logger) {
	i := 0
	l.walk(func(chunk []byte) bool {
		logger.Debug().Int("chunk", i).Hex("data", chunk).Msg("interleaved chunk")
		i++
		return true
	})
}

func (l *InterleavedLayout) Close() error {
	var first error
	for _, mr := range l.owned {
		if err := mr.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.owned = nil
	return first
}

// registerPattern registers an n byte buffer filled with a repeating byte
// counter.
func registerPattern(pd verbs.ProtectionDomain, n int) (verbs.MemoryRegion, error) {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	mr, err := pd.RegisterMemory(buf, verbs.AccessLocalWrite|verbs.AccessRemoteRead|verbs.AccessRemoteWrite)
	if err != nil {
		return nil, fmt.Errorf("register %d bytes: %w", n, err)
	}
	return mr, nil
}
