package sim

import (
	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// dataLength is the payload carried by n bytes of domain d.
func dataLength(d sig.Domain, n int) int {
	if d.IsNone() {
		return n
	}
	return n - n/d.Stride()*d.SigSize()
}

// withTrailers is the size of dataLen payload bytes once domain d adds its
// trailers.
func withTrailers(d sig.Domain, dataLen int) int {
	bs := d.BlockSize.Bytes()
	if d.IsNone() || bs == 0 {
		return dataLen
	}
	return dataLen + dataLen/bs*d.SigSize()
}

// memLength is the memory-side length backing wireLen wire bytes.
func memLength(bc blockConfig, wireLen int) int {
	return withTrailers(bc.Mem, dataLength(bc.Wire, wireLen))
}

// maskBit maps trailer byte b to its check/copy mask bit. Bit 7 covers byte 0;
// 16-byte trailers use one bit per byte pair.
func maskBit(b, size int) uint8 {
	if size > 8 {
		b /= 2
	}
	return 1 << uint(7-b)
}

func sameFormat(a, b sig.Domain) bool {
	if a.IsNone() || b.IsNone() {
		return false
	}
	return a.Sig.Kind() == b.Sig.Kind() && a.BlockSize == b.BlockSize
}

// fromDomain checks and strips the trailers of stream, which is laid out in
// domain d. The first failing block latches an error on m, with the offset
// of that block in stream.
func (m *mkey) fromDomain(d sig.Domain, stream []byte) ([]byte, [][]byte, bool) {
	if d.IsNone() {
		return stream, nil, false
	}

	stride, bs := d.Stride(), d.BlockSize.Bytes()
	blocks := len(stream) / stride
	data := make([]byte, 0, len(stream))
	trailers := make([][]byte, blocks)
	failed := false

	for i := 0; i < blocks; i++ {
		start := i * stride
		blk := stream[start : start+bs]
		tr := stream[start+bs : start+stride]
		data = append(data, blk...)
		trailers[i] = tr

		if failed {
			continue
		}
		if e, bad := verify(d, m.cfg.block.CheckMask, blk, tr, uint64(i)); bad {
			e.Offset = uint64(start)
			m.latch(e)
			failed = true
		}
	}

	return append(data, stream[blocks*stride:]...), trailers, failed
}

// toDomain lays data out in domain d, generating a trailer per block or
// copying the masked bytes of the source trailers when the configuration
// asks for it and both domains share a format.
func toDomain(d sig.Domain, data []byte, srcTrailers [][]byte, bc blockConfig, src sig.Domain) []byte {
	if d.IsNone() {
		return data
	}

	bs := d.BlockSize.Bytes()
	blocks := len(data) / bs
	copyMasked := bc.copyTrailer && sameFormat(src, d)
	out := make([]byte, 0, withTrailers(d, len(data)))

	for j := 0; j < blocks; j++ {
		blk := data[j*bs : (j+1)*bs]
		tr := trailerFor(d, blk, uint64(j))
		if copyMasked && j < len(srcTrailers) {
			for b := range tr {
				if bc.CopyMask&maskBit(b, len(tr)) != 0 {
					tr[b] = srcTrailers[j][b]
				}
			}
		}
		out = append(out, blk...)
		out = append(out, tr...)
	}

	return append(out, data[blocks*bs:]...)
}

func beValue(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// maskedDiffer reports whether got and want differ in a byte of [from, to)
// selected by mask.
func maskedDiffer(got, want []byte, mask uint8, from, to int) bool {
	for b := from; b < to; b++ {
		if mask&maskBit(b, len(got)) != 0 && got[b] != want[b] {
			return true
		}
	}
	return false
}

func nvmeRefBits(f sig.NVMeFormat, sts uint8) int {
	switch f {
	case sig.NVMeFormat16:
		return 32 - int(sts)
	case sig.NVMeFormat32:
		return 80 - int(sts)
	}
	return 48 - int(sts)
}

func allOnes(v uint64, bits int) bool {
	if bits <= 0 {
		return true
	}
	if bits >= 64 {
		return v == ^uint64(0)
	}
	return v == 1<<uint(bits)-1
}

// verify checks one block trailer. The guard is checked before the
// application tag, which is checked before the reference tag.
func verify(d sig.Domain, checkMask uint8, blk, tr []byte, idx uint64) (verbs.MkeyErr, bool) {
	want := trailerFor(d, blk, idx)

	switch s := d.Sig.(type) {
	case sig.CRC32, sig.CRC64:
		if maskedDiffer(tr, want, checkMask, 0, len(tr)) {
			return verbs.MkeyErr{Type: verbs.MkeyErrBadGuard, Actual: beValue(tr), Expected: beValue(want)}, true
		}

	case sig.T10DIF:
		got, exp := sig.DecodeDIF(tr), sig.DecodeDIF(want)
		if s.Flags&sig.DIFAppEscape != 0 && got.AppTag == 0xFFFF {
			return verbs.MkeyErr{}, false
		}
		if s.Flags&sig.DIFAppRefEscape != 0 && got.AppTag == 0xFFFF && got.RefTag == 0xFFFFFFFF {
			return verbs.MkeyErr{}, false
		}
		switch {
		case maskedDiffer(tr, want, checkMask, 0, 2):
			return verbs.MkeyErr{Type: verbs.MkeyErrBadGuard, Actual: uint64(got.Guard), Expected: uint64(exp.Guard)}, true
		case maskedDiffer(tr, want, checkMask, 2, 4):
			return verbs.MkeyErr{Type: verbs.MkeyErrBadAppTag, Actual: uint64(got.AppTag), Expected: uint64(exp.AppTag)}, true
		case maskedDiffer(tr, want, checkMask, 4, 8):
			return verbs.MkeyErr{Type: verbs.MkeyErrBadRefTag, Actual: uint64(got.RefTag), Expected: uint64(exp.RefTag)}, true
		}

	case sig.NVMeDIF:
		got, err := sig.DecodeNVMeDIF(tr, s.Format, s.STS)
		if err != nil {
			return verbs.MkeyErr{Type: verbs.MkeyErrBadGuard}, true
		}
		exp, _ := sig.DecodeNVMeDIF(want, s.Format, s.STS)
		if s.Flags&sig.DIFAppEscape != 0 && got.AppTag == 0xFFFF {
			return verbs.MkeyErr{}, false
		}
		if s.Flags&sig.DIFAppRefEscape != 0 && got.AppTag == 0xFFFF && allOnes(got.RefTag, nvmeRefBits(s.Format, s.STS)) {
			return verbs.MkeyErr{}, false
		}
		switch {
		case checkMask&sig.CheckT10DIFGuard != 0 && got.Guard != exp.Guard:
			return verbs.MkeyErr{Type: verbs.MkeyErrBadGuard, Actual: got.Guard, Expected: exp.Guard}, true
		case s.AppTagCheck != 0 && got.AppTag != exp.AppTag:
			return verbs.MkeyErr{Type: verbs.MkeyErrBadAppTag, Actual: uint64(got.AppTag), Expected: uint64(exp.AppTag)}, true
		case s.StorageTagCheck != 0 && s.STS > 0 && got.StorageTag != exp.StorageTag:
			return verbs.MkeyErr{Type: verbs.MkeyErrBadStorageTag, Actual: got.StorageTag, Expected: exp.StorageTag}, true
		case checkMask&sig.CheckT10DIFRefTag != 0 && got.RefTag != exp.RefTag:
			return verbs.MkeyErr{Type: verbs.MkeyErrBadRefTag, Actual: got.RefTag, Expected: exp.RefTag}, true
		}
	}

	return verbs.MkeyErr{}, false
}
