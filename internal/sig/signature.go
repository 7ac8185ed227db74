package sig

import (
	"errors"
	"fmt"
)

// ErrInvalidStorageTagSize is returned when an NVMe-DIF storage tag size does
// not fit the format.
var ErrInvalidStorageTagSize = errors.New("sig: storage tag size out of range for format")

// Signature is one signature variant as configured on a memory key. The set
// of implementations is closed: None, CRC32, CRC64, T10DIF and NVMeDIF.
type Signature interface {
	Kind() Kind
	// Size is the trailer size in bytes: 0, 4, 8 or 16.
	Size() int
	isSignature()
}

// None means the domain carries no signature.
type None struct{}

func (None) Kind() Kind   { return KindNone }
func (None) Size() int    { return 0 }
func (None) isSignature() {}

// CRC32Type selects the 32-bit CRC polynomial.
type CRC32Type int

const (
	CRC32TypeIEEE CRC32Type = iota
	CRC32TypeCastagnoli
)

// CRC32 is a 4-byte CRC trailer.
type CRC32 struct {
	Type CRC32Type
	Seed uint32
}

func (s CRC32) Kind() Kind {
	if s.Type == CRC32TypeCastagnoli {
		return KindCRC32C
	}
	return KindCRC32
}

func (CRC32) Size() int    { return 4 }
func (CRC32) isSignature() {}

// CRC64 is an 8-byte CRC64-XP10 trailer.
type CRC64 struct {
	Seed uint64
}

func (CRC64) Kind() Kind   { return KindCRC64XP10 }
func (CRC64) Size() int    { return 8 }
func (CRC64) isSignature() {}

// BgType selects how the T10-DIF guard is computed.
type BgType int

const (
	BgCRC BgType = iota
	BgCSUM
)

func (b BgType) String() string {
	if b == BgCSUM {
		return "csum"
	}
	return "crc"
}

// DIFType is the T10-DIF protection type.
type DIFType int

const (
	DIFType1 DIFType = 1
	DIFType3 DIFType = 3
)

// DIFFlags control reference tag remapping and check escapes. They apply to
// both T10-DIF and NVMe-DIF.
type DIFFlags uint16

const (
	DIFRefRemap     DIFFlags = 1 << 0
	DIFAppEscape    DIFFlags = 1 << 1
	DIFAppRefEscape DIFFlags = 1 << 2
)

// T10DIF is an 8-byte {guard, app tag, ref tag} trailer.
type T10DIF struct {
	Type   DIFType
	BgType BgType
	Bg     uint16
	AppTag uint16
	RefTag uint32
	Flags  DIFFlags
}

// NewT10DIFType1 returns a type 1 descriptor: the reference tag advances by
// one per block and blocks with an all-ones app tag are not checked.
func NewT10DIFType1(bg BgType, guard, appTag uint16, refTag uint32) T10DIF {
	return T10DIF{
		Type:   DIFType1,
		BgType: bg,
		Bg:     guard,
		AppTag: appTag,
		RefTag: refTag,
		Flags:  DIFRefRemap | DIFAppEscape,
	}
}

// NewT10DIFType3 returns a type 3 descriptor with a constant reference tag.
func NewT10DIFType3(bg BgType, guard, appTag uint16, refTag uint32) T10DIF {
	return T10DIF{
		Type:   DIFType3,
		BgType: bg,
		Bg:     guard,
		AppTag: appTag,
		RefTag: refTag,
		Flags:  DIFAppRefEscape,
	}
}

func (s T10DIF) Kind() Kind {
	if s.Type == DIFType3 {
		return KindT10DIFType3
	}
	return KindT10DIFType1
}

func (T10DIF) Size() int    { return 8 }
func (T10DIF) isSignature() {}

// NVMeFormat is the NVMe protection information format, named by guard width.
type NVMeFormat int

const (
	NVMeFormat16 NVMeFormat = 16
	NVMeFormat32 NVMeFormat = 32
	NVMeFormat64 NVMeFormat = 64
)

// tagBits is the combined storage tag + reference tag width of the format.
func (f NVMeFormat) tagBits() int {
	switch f {
	case NVMeFormat16:
		return 32
	case NVMeFormat32:
		return 80
	case NVMeFormat64:
		return 48
	}
	return 0
}

// trailerSize is 8 bytes for format 16 and 16 bytes otherwise.
func (f NVMeFormat) trailerSize() int {
	if f == NVMeFormat16 {
		return 8
	}
	return 16
}

// ValidateSTS reports whether sts storage tag bits fit format f.
func ValidateSTS(f NVMeFormat, sts uint8) error {
	ok := false
	switch f {
	case NVMeFormat16:
		ok = sts <= 32
	case NVMeFormat32:
		ok = sts >= 16 && sts <= 64
	case NVMeFormat64:
		ok = sts <= 48
	default:
		return fmt.Errorf("sig: unknown NVMe-DIF format %d", int(f))
	}
	if !ok {
		return fmt.Errorf("%w: format %d, sts %d", ErrInvalidStorageTagSize, int(f), sts)
	}
	return nil
}

// NVMeDIF is an NVMe protection information trailer.
type NVMeDIF struct {
	Format          NVMeFormat
	Flags           DIFFlags
	Seed            uint64
	StorageTag      uint64
	RefTag          uint64
	AppTag          uint16
	STS             uint8
	AppTagCheck     uint8
	StorageTagCheck uint8
}

// NewNVMeDIF validates the storage tag size and returns a descriptor with
// every app tag and storage tag byte checked.
func NewNVMeDIF(format NVMeFormat, seed, storageTag, refTag uint64, appTag uint16, sts uint8, flags DIFFlags) (NVMeDIF, error) {
	if err := ValidateSTS(format, sts); err != nil {
		return NVMeDIF{}, err
	}
	return NVMeDIF{
		Format:          format,
		Flags:           flags,
		Seed:            seed,
		StorageTag:      storageTag,
		RefTag:          refTag,
		AppTag:          appTag,
		STS:             sts,
		AppTagCheck:     0xf,
		StorageTagCheck: 0x3f,
	}, nil
}

func mustNVMeDIF(format NVMeFormat, seed, storageTag, refTag uint64, appTag uint16, sts uint8) NVMeDIF {
	s, err := NewNVMeDIF(format, seed, storageTag, refTag, appTag, sts, 0)
	if err != nil {
		panic(err)
	}
	return s
}

func (s NVMeDIF) Kind() Kind {
	switch s.Format {
	case NVMeFormat32:
		return KindNVMeDIF32
	case NVMeFormat64:
		return KindNVMeDIF64
	}
	return KindNVMeDIF16
}

func (s NVMeDIF) Size() int  { return s.Format.trailerSize() }
func (NVMeDIF) isSignature() {}

// Common descriptors.
var (
	CRC32IEEE = CRC32{Type: CRC32TypeIEEE}
	CRC32C    = CRC32{Type: CRC32TypeCastagnoli}
	CRC64XP10 = CRC64{}

	T10DIFCRCType1  = NewT10DIFType1(BgCRC, 0xffff, 0x5678, 0xf0debc9a)
	T10DIFCRCType3  = NewT10DIFType3(BgCRC, 0xffff, 0x5678, 0xf0debc9a)
	T10DIFCSUMType1 = NewT10DIFType1(BgCSUM, 0xffff, 0x5678, 0xf0debc9a)
	T10DIFCSUMType3 = NewT10DIFType3(BgCSUM, 0xffff, 0x5678, 0xf0debc9a)

	NVMeDIF16STS0  = mustNVMeDIF(NVMeFormat16, 0xffff, 0, 0x89abcdef, 0x4567, 0)
	NVMeDIF16STS16 = mustNVMeDIF(NVMeFormat16, 0xffff, 0x89ab, 0xcdef, 0x4567, 16)
	NVMeDIF16STS32 = mustNVMeDIF(NVMeFormat16, 0xffff, 0x89abcdef, 0, 0x4567, 32)
	NVMeDIF32STS16 = mustNVMeDIF(NVMeFormat32, 0, 0xcdef, 0x0123456789abcdef, 0x89ab, 16)
	NVMeDIF64STS16 = mustNVMeDIF(NVMeFormat64, 0, 0x4567, 0x89abcdef, 0x0123, 16)
)

// TrailerFor returns the trailer a device writes for signature s over a block
// whose guard evaluates to guard.
func TrailerFor(s Signature, guard uint64) Trailer {
	switch s := s.(type) {
	case CRC32:
		return CRC32Trailer{Value: uint32(guard)}
	case CRC64:
		return CRC64Trailer{Value: guard}
	case T10DIF:
		return DIFTrailer{
			Guard:    uint16(guard),
			AppTag:   s.AppTag,
			RefTag:   s.RefTag,
			RefRemap: s.Flags&DIFRefRemap != 0,
		}
	case NVMeDIF:
		return NVMeDIFTrailer{
			Format:     s.Format,
			Guard:      guard,
			AppTag:     s.AppTag,
			StorageTag: s.StorageTag,
			RefTag:     s.RefTag,
			STS:        s.STS,
			RefRemap:   s.Flags&DIFRefRemap != 0,
		}
	}
	return NoTrailer{}
}
