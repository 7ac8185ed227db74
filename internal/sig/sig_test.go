package sig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureSizes(t *testing.T) {
	tests := []struct {
		name string
		sig  Signature
		kind Kind
		size int
	}{
		{"none", None{}, KindNone, 0},
		{"crc32", CRC32IEEE, KindCRC32, 4},
		{"crc32c", CRC32C, KindCRC32C, 4},
		{"crc64", CRC64XP10, KindCRC64XP10, 8},
		{"t10dif type1", T10DIFCRCType1, KindT10DIFType1, 8},
		{"t10dif type3", T10DIFCSUMType3, KindT10DIFType3, 8},
		{"nvmedif16", NVMeDIF16STS16, KindNVMeDIF16, 8},
		{"nvmedif32", NVMeDIF32STS16, KindNVMeDIF32, 16},
		{"nvmedif64", NVMeDIF64STS16, KindNVMeDIF64, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.sig.Kind())
			assert.Equal(t, tt.size, tt.sig.Size())
			assert.Equal(t, tt.size, TrailerFor(tt.sig, 0).Size())
		})
	}
}

func TestBlockSizeBytes(t *testing.T) {
	assert.Equal(t, []int{512, 520, 4048, 4096, 4160}, func() []int {
		var out []int
		for _, bs := range BlockSizes {
			out = append(out, bs.Bytes())
		}
		return out
	}())
	assert.Equal(t, "4096", BlockSize4096.String())
	assert.Equal(t, 0, BlockSize(42).Bytes())
	assert.False(t, BlockSize(42).Valid())
	assert.True(t, BlockSize520.Valid())
	assert.True(t, NewDomain(BlockSize(42), None{}).Valid())
	assert.False(t, NewDomain(BlockSize(42), CRC32C).Valid())
}

func TestEncodeCRC(t *testing.T) {
	assert.Equal(t, []byte{0x69, 0x9a, 0xca, 0x21}, Encode(CRC32Trailer{Value: 0x699aca21}, 0))
	assert.Equal(t,
		[]byte{0xb2, 0x3c, 0x34, 0x8a, 0x1f, 0x86, 0x78, 0x3f},
		Encode(CRC64Trailer{Value: 0xb23c348a1f86783f}, 7))
	assert.Empty(t, Encode(NoTrailer{}, 3))
}

func TestEncodeDeterministic(t *testing.T) {
	trailers := []Trailer{
		CRC32Trailer{Value: 0x12345678},
		CRC64Trailer{Value: 0x0102030405060708},
		TrailerFor(T10DIFCRCType1, 0xbeef),
		TrailerFor(T10DIFCRCType3, 0xbeef),
		TrailerFor(NVMeDIF16STS0, 0x1111),
		TrailerFor(NVMeDIF16STS32, 0x1111),
		TrailerFor(NVMeDIF32STS16, 0x22222222),
		TrailerFor(NVMeDIF64STS16, 0x3333333333333333),
	}

	for _, tr := range trailers {
		for idx := uint64(0); idx < 4; idx++ {
			assert.Equal(t, Encode(tr, idx), Encode(tr, idx))
		}
	}
}

func TestEncodeT10DIF(t *testing.T) {
	tr := TrailerFor(T10DIFCRCType1, 0x9ec6)

	assert.Equal(t, []byte{0x9e, 0xc6, 0x56, 0x78, 0xf0, 0xde, 0xbc, 0x9a}, Encode(tr, 0))
	assert.Equal(t, []byte{0x9e, 0xc6, 0x56, 0x78, 0xf0, 0xde, 0xbc, 0x9d}, Encode(tr, 3))

	t.Run("remap", func(t *testing.T) {
		for i := uint64(0); i < 8; i++ {
			got := DecodeDIF(Encode(tr, i))
			assert.Equal(t, uint32(0xf0debc9a)+uint32(i), got.RefTag)
		}
	})

	t.Run("remap wraps", func(t *testing.T) {
		wrap := DIFTrailer{RefTag: 0xffffffff, RefRemap: true}
		assert.Equal(t, uint32(1), DecodeDIF(Encode(wrap, 2)).RefTag)
	})

	t.Run("type3 constant", func(t *testing.T) {
		tr3 := TrailerFor(T10DIFCRCType3, 0x9ec6)
		assert.Equal(t, Encode(tr3, 0), Encode(tr3, 5))
	})
}

func TestEncodeNVMeDIF(t *testing.T) {
	tests := []struct {
		name  string
		sig   NVMeDIF
		guard uint64
		idx   uint64
		want  []byte
	}{
		{
			name:  "format16 sts0",
			sig:   NVMeDIF16STS0,
			guard: 0xaabb,
			want:  []byte{0xaa, 0xbb, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
		},
		{
			name:  "format16 sts16",
			sig:   NVMeDIF16STS16,
			guard: 0xaabb,
			want:  []byte{0xaa, 0xbb, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
		},
		{
			name:  "format16 sts32",
			sig:   NVMeDIF16STS32,
			guard: 0xaabb,
			want:  []byte{0xaa, 0xbb, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
		},
		{
			name:  "format32 sts16",
			sig:   NVMeDIF32STS16,
			guard: 0x11223344,
			want: []byte{
				0x11, 0x22, 0x33, 0x44, 0x89, 0xab, 0xcd, 0xef,
				0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
			},
		},
		{
			name:  "format64 sts16",
			sig:   NVMeDIF64STS16,
			guard: 0x1122334455667788,
			want: []byte{
				0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
				0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
			},
		},
		{
			name:  "format32 sts24 straddles",
			sig:   NVMeDIF{Format: NVMeFormat32, StorageTag: 0xabcdef, RefTag: 0x0102030405060708, AppTag: 0x1234, STS: 24},
			guard: 0x11223344,
			want: []byte{
				0x11, 0x22, 0x33, 0x44, 0x12, 0x34, 0xab, 0xcd,
				0xef, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			},
		},
		{
			name:  "format16 sts16 remapped",
			sig:   NVMeDIF{Format: NVMeFormat16, StorageTag: 0x89ab, RefTag: 0xcdef, AppTag: 0x4567, STS: 16, Flags: DIFRefRemap},
			guard: 0xaabb,
			idx:   1,
			want:  []byte{0xaa, 0xbb, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xf0},
		},
		{
			name:  "format16 remap wraps inside ref field",
			sig:   NVMeDIF{Format: NVMeFormat16, StorageTag: 0x89ab, RefTag: 0xffff, STS: 16, Flags: DIFRefRemap},
			guard: 0,
			idx:   1,
			want:  []byte{0x00, 0x00, 0x00, 0x00, 0x89, 0xab, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := TrailerFor(tt.sig, tt.guard)
			got := Encode(tr, tt.idx)
			assert.Equal(t, tt.want, got)

			dec, err := DecodeNVMeDIF(got, tt.sig.Format, tt.sig.STS)
			require.NoError(t, err)
			assert.Equal(t, tt.guard, dec.Guard)
			assert.Equal(t, tt.sig.AppTag, dec.AppTag)
			assert.Equal(t, tt.sig.StorageTag&mask(int(tt.sig.STS)), dec.StorageTag)
			assert.Equal(t, tr.(NVMeDIFTrailer).RefTagAt(tt.idx), dec.RefTag)
		})
	}
}

func TestNVMeDIFRemap(t *testing.T) {
	s := NVMeDIF64STS16
	s.Flags = DIFRefRemap
	tr := TrailerFor(s, 0).(NVMeDIFTrailer)

	for i := uint64(0); i < 4; i++ {
		dec, err := DecodeNVMeDIF(Encode(tr, i), s.Format, s.STS)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x89abcdef)+i, dec.RefTag)
	}

	fixed := TrailerFor(NVMeDIF64STS16, 0)
	assert.Equal(t, Encode(fixed, 0), Encode(fixed, 9))
}

func TestValidateSTS(t *testing.T) {
	tests := []struct {
		format NVMeFormat
		sts    uint8
		ok     bool
	}{
		{NVMeFormat16, 0, true},
		{NVMeFormat16, 32, true},
		{NVMeFormat16, 33, false},
		{NVMeFormat32, 15, false},
		{NVMeFormat32, 16, true},
		{NVMeFormat32, 64, true},
		{NVMeFormat32, 65, false},
		{NVMeFormat64, 48, true},
		{NVMeFormat64, 49, false},
	}

	for _, tt := range tests {
		err := ValidateSTS(tt.format, tt.sts)
		if tt.ok {
			assert.NoError(t, err, "format %d sts %d", tt.format, tt.sts)
		} else {
			assert.ErrorIs(t, err, ErrInvalidStorageTagSize, "format %d sts %d", tt.format, tt.sts)
		}
	}

	_, err := NewNVMeDIF(NVMeFormat64, 0, 0, 0, 0, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidStorageTagSize)

	assert.Panics(t, func() {
		Encode(NVMeDIFTrailer{Format: NVMeFormat16, STS: 40}, 0)
	})
}

func TestAdjustLength(t *testing.T) {
	crc32 := NewDomain(BlockSize512, CRC32IEEE)
	crc64 := NewDomain(BlockSize4096, CRC64XP10)
	t10 := NewDomain(BlockSize512, T10DIFCRCType1)
	t10big := NewDomain(BlockSize4096, T10DIFCRCType1)
	unknown := NewDomain(BlockSize(99), CRC32IEEE)

	tests := []struct {
		name string
		cfg  BlockConfig
		in   int
		want int
	}{
		{"none none", NoBlock, 1000, 1000},
		{"strip crc32", NewBlockConfig(crc32, NoDomain), 2 * 516, 1024},
		{"insert crc32", NewBlockConfig(NoDomain, crc32), 1024, 1032},
		{"same size", NewBlockConfig(crc32, crc32), 3 * 516, 3 * 516},
		{"crc32 to t10dif", NewBlockConfig(crc32, t10), 4 * 516, 4 * 520},
		{"t10dif 512 to crc64 4096", NewBlockConfig(t10, crc64), 8 * 520, 4104},
		{"t10dif 4096 to none", NewBlockConfig(t10big, NoDomain), 2 * 4104, 8192},
		{"unknown wire block size", NewBlockConfig(NoDomain, unknown), 4096, 0},
		{"unknown mem block size", NewBlockConfig(unknown, crc32), 4096, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.AdjustLength(tt.in))
		})
	}
}

func TestAdjustLengthIdentityWithoutSignature(t *testing.T) {
	for _, l := range []int{0, 1, 511, 512, 513, 4096, 12345} {
		assert.Equal(t, l, NoBlock.AdjustLength(l))
	}
	assert.True(t, NoBlock.IsNone())
}

func TestNewBlockConfigDefaults(t *testing.T) {
	c := NewBlockConfig(NoDomain, NewDomain(BlockSize512, CRC32C))
	assert.Equal(t, CheckAll, c.CheckMask)
	assert.Equal(t, uint8(0xff), c.CopyMask)
	assert.Zero(t, c.Flags)
	assert.False(t, c.IsNone())

	c = NewBlockConfig(NoDomain, NoDomain, WithCheckMask(CheckT10DIFGuard), WithCopyMask(0x0f), WithFlags(FlagCopyMask))
	assert.Equal(t, CheckT10DIFGuard, c.CheckMask)
	assert.Equal(t, uint8(0x0f), c.CopyMask)
	assert.Equal(t, FlagCopyMask, c.Flags)
}

func TestDomainStride(t *testing.T) {
	assert.Equal(t, 512, NoDomain.Stride())
	assert.Equal(t, 0, NoDomain.SigSize())
	assert.Equal(t, 4176, NewDomain(BlockSize4160, NVMeDIF32STS16).Stride())
	assert.True(t, NewDomain(BlockSize4096, nil).IsNone())
	assert.Equal(t, "crc32/512", NewDomain(BlockSize512, CRC32IEEE).String())
}
