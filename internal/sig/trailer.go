package sig

import (
	"encoding/binary"
	"math"
)

// Trailer is the logical content of one signature trailer. Encode turns it
// into the exact bytes the device writes after a protected block.
type Trailer interface {
	// Size is the encoded length in bytes.
	Size() int
	isTrailer()
}

// NoTrailer encodes to zero bytes.
type NoTrailer struct{}

func (NoTrailer) Size() int  { return 0 }
func (NoTrailer) isTrailer() {}

// CRC32Trailer is a big-endian 32-bit CRC.
type CRC32Trailer struct {
	Value uint32
}

func (CRC32Trailer) Size() int  { return 4 }
func (CRC32Trailer) isTrailer() {}

// CRC64Trailer is a big-endian 64-bit CRC.
type CRC64Trailer struct {
	Value uint64
}

func (CRC64Trailer) Size() int  { return 8 }
func (CRC64Trailer) isTrailer() {}

// DIFTrailer is a T10-DIF tuple. With RefRemap set the encoded reference tag
// is RefTag plus the block index.
type DIFTrailer struct {
	Guard    uint16
	AppTag   uint16
	RefTag   uint32
	RefRemap bool
}

func (DIFTrailer) Size() int  { return 8 }
func (DIFTrailer) isTrailer() {}

// NVMeDIFTrailer is an NVMe protection information tuple. StorageTag and
// RefTag share Format's tag field; STS is the storage tag width in bits.
type NVMeDIFTrailer struct {
	Format     NVMeFormat
	Guard      uint64
	AppTag     uint16
	StorageTag uint64
	RefTag     uint64
	STS        uint8
	RefRemap   bool
}

func (t NVMeDIFTrailer) Size() int { return t.Format.trailerSize() }
func (NVMeDIFTrailer) isTrailer()  {}

func mask(n int) uint64 {
	if n >= 64 {
		return math.MaxUint64
	}
	if n <= 0 {
		return 0
	}
	return 1<<uint(n) - 1
}

// Encode returns the trailer bytes for the block at blockIndex.
func Encode(t Trailer, blockIndex uint64) []byte {
	buf := make([]byte, t.Size())
	Put(buf, t, blockIndex)
	return buf
}

// Put writes the trailer for blockIndex into dst, which must hold at least
// t.Size() bytes. It panics on an NVMe-DIF trailer whose storage tag size
// does not fit its format.
func Put(dst []byte, t Trailer, blockIndex uint64) {
	switch t := t.(type) {
	case CRC32Trailer:
		binary.BigEndian.PutUint32(dst, t.Value)
	case CRC64Trailer:
		binary.BigEndian.PutUint64(dst, t.Value)
	case DIFTrailer:
		ref := t.RefTag
		if t.RefRemap {
			ref += uint32(blockIndex)
		}
		binary.BigEndian.PutUint16(dst[0:], t.Guard)
		binary.BigEndian.PutUint16(dst[2:], t.AppTag)
		binary.BigEndian.PutUint32(dst[4:], ref)
	case NVMeDIFTrailer:
		putNVMe(dst, t, blockIndex)
	}
}

func putNVMe(dst []byte, t NVMeDIFTrailer, blockIndex uint64) {
	if err := ValidateSTS(t.Format, t.STS); err != nil {
		panic(err)
	}
	sts := int(t.STS)
	ref := t.RefTag
	if t.RefRemap {
		ref += blockIndex
	}

	switch t.Format {
	case NVMeFormat16:
		binary.BigEndian.PutUint16(dst[0:], uint16(t.Guard))
		binary.BigEndian.PutUint16(dst[2:], t.AppTag)
		tags := (t.StorageTag&mask(sts))<<uint(32-sts) | ref&mask(32-sts)
		binary.BigEndian.PutUint32(dst[4:], uint32(tags))
	case NVMeFormat32:
		binary.BigEndian.PutUint32(dst[0:], uint32(t.Guard))
		binary.BigEndian.PutUint16(dst[4:], t.AppTag)
		// The 80-bit tag field starts with the top 16 storage tag bits.
		dst[6] = byte(t.StorageTag >> uint(sts-8))
		dst[7] = byte(t.StorageTag >> uint(sts-16))
		var low uint64
		if sts == 16 {
			low = ref & mask(64)
		} else {
			low = (t.StorageTag&mask(sts-16))<<uint(80-sts) | ref&mask(80-sts)
		}
		binary.BigEndian.PutUint64(dst[8:], low)
	case NVMeFormat64:
		binary.BigEndian.PutUint64(dst[0:], t.Guard)
		binary.BigEndian.PutUint16(dst[8:], t.AppTag)
		tags := (t.StorageTag&mask(sts))<<uint(48-sts) | ref&mask(48-sts)
		for i := 0; i < 6; i++ {
			dst[10+i] = byte(tags >> uint(40-8*i))
		}
	}
}

// DecodeDIF reads a T10-DIF tuple. RefTag holds the raw on-media value.
func DecodeDIF(b []byte) DIFTrailer {
	return DIFTrailer{
		Guard:  binary.BigEndian.Uint16(b[0:]),
		AppTag: binary.BigEndian.Uint16(b[2:]),
		RefTag: binary.BigEndian.Uint32(b[4:]),
	}
}

// DecodeNVMeDIF splits an encoded NVMe-DIF trailer back into its fields.
// RefTag holds the raw on-media value. The format and sts are not encoded in
// the trailer and must be supplied by the caller.
func DecodeNVMeDIF(b []byte, format NVMeFormat, sts uint8) (NVMeDIFTrailer, error) {
	if err := ValidateSTS(format, sts); err != nil {
		return NVMeDIFTrailer{}, err
	}
	t := NVMeDIFTrailer{Format: format, STS: sts}
	s := int(sts)

	switch format {
	case NVMeFormat16:
		t.Guard = uint64(binary.BigEndian.Uint16(b[0:]))
		t.AppTag = binary.BigEndian.Uint16(b[2:])
		tags := uint64(binary.BigEndian.Uint32(b[4:]))
		t.StorageTag = (tags >> uint(32-s)) & mask(s)
		t.RefTag = tags & mask(32-s)
	case NVMeFormat32:
		t.Guard = uint64(binary.BigEndian.Uint32(b[0:]))
		t.AppTag = binary.BigEndian.Uint16(b[4:])
		high := uint64(b[6])<<8 | uint64(b[7])
		low := binary.BigEndian.Uint64(b[8:])
		if s == 16 {
			t.StorageTag = high
			t.RefTag = low
		} else {
			t.StorageTag = high<<uint(s-16) | (low>>uint(80-s))&mask(s-16)
			t.RefTag = low & mask(80-s)
		}
	case NVMeFormat64:
		t.Guard = binary.BigEndian.Uint64(b[0:])
		t.AppTag = binary.BigEndian.Uint16(b[8:])
		var tags uint64
		for i := 0; i < 6; i++ {
			tags = tags<<8 | uint64(b[10+i])
		}
		t.StorageTag = (tags >> uint(48-s)) & mask(s)
		t.RefTag = tags & mask(48-s)
	}
	return t, nil
}

// RefTagAt returns the reference tag an NVMe-DIF trailer carries for the
// block at blockIndex, truncated to the field width.
func (t NVMeDIFTrailer) RefTagAt(blockIndex uint64) uint64 {
	ref := t.RefTag
	if t.RefRemap {
		ref += blockIndex
	}
	return ref & mask(t.Format.tagBits()-int(t.STS))
}

// RefTagAt returns the reference tag a T10-DIF trailer carries for the block
// at blockIndex.
func (t DIFTrailer) RefTagAt(blockIndex uint64) uint32 {
	if t.RefRemap {
		return t.RefTag + uint32(blockIndex)
	}
	return t.RefTag
}
