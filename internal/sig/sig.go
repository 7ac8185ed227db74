// Package sig describes block signatures: the per-block integrity trailers
// (CRC32/CRC32C/CRC64, T10-DIF, NVMe-DIF) a NIC computes, checks or strips
// while data moves through a memory key.
//
// The package is pure. It holds the signature descriptors attached to a
// memory key (Signature, Domain, BlockConfig) and the reference trailer
// codec (Trailer, Encode) used to fabricate source data and to validate what
// the device materialized in memory.
package sig

import "fmt"

// BlockSize is a protected block size supported by signature offload.
type BlockSize int

const (
	BlockSize512 BlockSize = iota
	BlockSize520
	BlockSize4048
	BlockSize4096
	BlockSize4160
)

// BlockSizes lists every block size in ascending order.
var BlockSizes = []BlockSize{BlockSize512, BlockSize520, BlockSize4048, BlockSize4096, BlockSize4160}

var blockBytes = [...]int{512, 520, 4048, 4096, 4160}

// Bytes returns the number of data bytes in one block.
func (b BlockSize) Bytes() int {
	if b < 0 || int(b) >= len(blockBytes) {
		return 0
	}
	return blockBytes[b]
}

// Valid reports whether b is one of the enumerated block sizes.
func (b BlockSize) Valid() bool {
	return b.Bytes() != 0
}

func (b BlockSize) String() string {
	if n := b.Bytes(); n != 0 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("BlockSize(%d)", int(b))
}

// Kind enumerates the signature variants.
type Kind int

const (
	KindNone Kind = iota
	KindCRC32
	KindCRC32C
	KindCRC64XP10
	KindT10DIFType1
	KindT10DIFType3
	KindNVMeDIF16
	KindNVMeDIF32
	KindNVMeDIF64
)

var kindNames = map[Kind]string{
	KindNone:        "none",
	KindCRC32:       "crc32",
	KindCRC32C:      "crc32c",
	KindCRC64XP10:   "crc64-xp10",
	KindT10DIFType1: "t10dif-type1",
	KindT10DIFType3: "t10dif-type3",
	KindNVMeDIF16:   "nvmedif-16",
	KindNVMeDIF32:   "nvmedif-32",
	KindNVMeDIF64:   "nvmedif-64",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Check mask bits select which trailer bytes the device validates. For
// 8-byte trailers bit 7 is byte 0.
const (
	CheckT10DIFGuard       uint8 = 0xC0
	CheckT10DIFAppTag      uint8 = 0x30
	CheckT10DIFAppTagByte1 uint8 = 0x20
	CheckT10DIFAppTagByte0 uint8 = 0x10
	CheckT10DIFRefTag      uint8 = 0x0F
	CheckCRC32             uint8 = 0xF0
	CheckCRC64             uint8 = 0xFF
	CheckAll               uint8 = 0xFF
)

// BlockFlags modify how a BlockConfig is applied.
type BlockFlags uint16

// FlagCopyMask makes the device copy the trailer bytes selected by the copy
// mask from one domain to the other instead of regenerating them.
const FlagCopyMask BlockFlags = 1 << 0
