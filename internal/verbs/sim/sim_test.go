package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/snksoft/crc"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

type testSide struct {
	pd verbs.ProtectionDomain
	cq verbs.CompletionQueue
	qp verbs.QueuePair
}

func newConnectedPair(t *testing.T, b *Backend, cfg verbs.QPConfig) (testSide, testSide) {
	t.Helper()

	ctx, err := b.Open("mlx5_0")
	require.NoError(t, err)

	mk := func() testSide {
		pd, err := ctx.AllocPD()
		require.NoError(t, err)
		cq, err := ctx.CreateCQ(16)
		require.NoError(t, err)
		qp, err := ctx.CreateQP(pd, cq, cfg)
		require.NoError(t, err)
		return testSide{pd: pd, cq: cq, qp: qp}
	}

	src, dst := mk(), mk()
	require.NoError(t, src.qp.Connect(dst.qp))
	require.NoError(t, dst.qp.Connect(src.qp))

	return src, dst
}

func newBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()

	b := New(opts...)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func crc32Domain() *verbs.SigBlockDomain {
	return &verbs.SigBlockDomain{
		Type:      verbs.SigTypeCRC,
		BlockSize: verbs.BlockSize512,
		CRC:       &verbs.SigCRC{Type: verbs.CRCTypeCRC32},
	}
}

func crc32Block() []byte {
	buf := bytes.Repeat([]byte{0xa5}, 516)
	copy(buf[512:], []byte{0x69, 0x9a, 0xca, 0x21})
	return buf
}

// configure binds mr as the single layout entry of mk with the given
// signature attributes.
func configure(t *testing.T, s testSide, mk verbs.DeviceMkey, mr verbs.MemoryRegion, attr *verbs.SigBlockAttr) {
	t.Helper()

	setters := 2
	if attr != nil {
		setters++
	}
	s.qp.WRStart()
	s.qp.SetWRID(1)
	s.qp.SetWRFlags(verbs.SendSignaled | verbs.SendInline)
	s.qp.Post(verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: setters})
	s.qp.Post(verbs.SetAccessFlags{Access: verbs.AccessLocalWrite | verbs.AccessRemoteRead | verbs.AccessRemoteWrite})
	s.qp.Post(verbs.SetLayoutList{Entries: []verbs.SGE{mr.SGE()}})
	if attr != nil {
		s.qp.Post(verbs.SetSigBlock{Attr: *attr})
	}
	require.NoError(t, s.qp.WRComplete())

	wc, ok, err := s.cq.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, verbs.WCSuccess, wc.Status)
	require.Equal(t, verbs.WCOpMkeyConfigure, wc.Opcode)
}

type keyedBuffer struct {
	buf []byte
	mr  verbs.MemoryRegion
	mk  verbs.DeviceMkey
}

func newKeyedBuffer(t *testing.T, s testSide, buf []byte, attr *verbs.SigBlockAttr) keyedBuffer {
	t.Helper()

	mr, err := s.pd.RegisterMemory(buf, verbs.AccessLocalWrite|verbs.AccessRemoteRead|verbs.AccessRemoteWrite)
	require.NoError(t, err)
	mk, err := s.pd.CreateMkey(verbs.MkeyAttr{
		MaxEntries:  1,
		CreateFlags: verbs.MkeyFlagIndirect | verbs.MkeyFlagBlockSignature,
	})
	require.NoError(t, err)
	configure(t, s, mk, mr, attr)

	return keyedBuffer{buf: buf, mr: mr, mk: mk}
}

func postRead(t *testing.T, initiator testSide, local, remote keyedBuffer, n uint32) {
	t.Helper()

	initiator.qp.WRStart()
	initiator.qp.SetWRID(7)
	initiator.qp.SetWRFlags(verbs.SendSignaled)
	initiator.qp.Post(verbs.RDMARead{
		Local:      []verbs.SGE{{Addr: 0, Length: n, LKey: local.mk.LKey()}},
		RemoteAddr: 0,
		RKey:       remote.mk.RKey(),
	})
	require.NoError(t, initiator.qp.WRComplete())
}

func pollOne(t *testing.T, cq verbs.CompletionQueue) verbs.WorkCompletion {
	t.Helper()

	wc, ok, err := cq.Poll()
	require.NoError(t, err)
	require.True(t, ok, "expected a completion")

	return wc
}

func assertEmpty(t *testing.T, cq verbs.CompletionQueue) {
	t.Helper()

	_, ok, err := cq.Poll()
	require.NoError(t, err)
	assert.False(t, ok, "expected no completion")
}

func TestGuardEngines(t *testing.T) {
	block := bytes.Repeat([]byte{0xa5}, 512)

	assert.Equal(t, uint32(0x699aca21), crc32MSB(0, block))
	assert.Equal(t, uint64(0xb23c348a1f86783f), crc64XP10(0, block))
	assert.Equal(t, uint16(0x9ec6), crc16T10(0, block))
	assert.Equal(t, uint16(0x5a5a), ipChecksum(block))
	assert.Equal(t, uint64(0x489c3fdbd283f79a), crc64NVMe(block))
	assert.Equal(t, uint16(0xd0db), crc16T10(0, []byte("123456789")))
	assert.Equal(t, uint32(0x765e7680), crc32MSB(0, []byte("123456789")))
}

func TestGuardEngineSeeds(t *testing.T) {
	data := []byte("123456789")

	tests := []struct {
		name   string
		params crc.Parameters
		got    uint64
	}{
		{"crc16 t10dif", crc.Parameters{Width: 16, Polynomial: 0x8BB7, Init: 0x1d0f}, uint64(crc16T10(0x1d0f, data))},
		{"crc32 msb", crc.Parameters{Width: 32, Polynomial: 0x04C11DB7, Init: 0xFFFFFFFF, FinalXor: 0xFFFFFFFF}, uint64(crc32MSB(0xFFFFFFFF, data))},
		{"crc64 xp10", crc.Parameters{Width: 64, Polynomial: 0x42F0E1EBA9EA3693, Init: 0x0123456789abcdef}, crc64XP10(0x0123456789abcdef, data)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, crc.CalculateCRC(&tt.params, data), tt.got)
		})
	}

	// CRC-32/BZIP2 check value.
	assert.Equal(t, uint32(0xfc891918), crc32MSB(0xFFFFFFFF, data))
}

func TestBackendDevices(t *testing.T) {
	b := New()

	_, err := b.Devices()
	assert.ErrorIs(t, err, verbs.ErrNotInitialized)

	require.NoError(t, b.Init())
	require.NoError(t, b.Init())
	defer b.Close()

	devices, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID)

	_, err = b.Open("nonexistent")
	assert.ErrorIs(t, err, verbs.ErrDeviceNotFound)
}

func TestCreateMkeyLimits(t *testing.T) {
	c := caps.Full()
	c.MkeyUpdateTag = false
	b := newBackend(t, WithCaps(c))
	src, _ := newConnectedPair(t, b, verbs.DefaultQPConfig())

	_, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 17, CreateFlags: verbs.MkeyFlagIndirect})
	assert.Equal(t, unix.EINVAL, verbs.Status(err))

	_, err = src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect | verbs.MkeyFlagUpdateTag})
	assert.Equal(t, unix.EOPNOTSUPP, verbs.Status(err))

	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect})
	require.NoError(t, err)
	assert.Equal(t, unix.EOPNOTSUPP, verbs.Status(mk.IncTag()))
}

func TestRDMAReadCRC32(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())
	attr := &verbs.SigBlockAttr{Mem: crc32Domain(), Wire: crc32Domain(), CheckMask: 0xff, CopyMask: 0xff}

	s := newKeyedBuffer(t, src, crc32Block(), attr)
	d := newKeyedBuffer(t, dst, make([]byte, 516), attr)

	postRead(t, dst, d, s, 516)

	wc := pollOne(t, dst.cq)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, verbs.WCOpRDMARead, wc.Opcode)
	assert.Equal(t, uint64(7), wc.WRID)
	assert.Equal(t, uint32(516), wc.ByteLen)
	assertEmpty(t, src.cq)

	for _, k := range []verbs.DeviceMkey{s.mk, d.mk} {
		e, err := k.Check()
		require.NoError(t, err)
		assert.Equal(t, verbs.MkeyNoErr, e.Type)
	}
	assert.Equal(t, crc32Block(), d.buf)
}

func TestWireOnlyInsertAndStrip(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())
	attr := &verbs.SigBlockAttr{Wire: crc32Domain(), CheckMask: 0xff}

	payload := bytes.Repeat([]byte{0xa5}, 512)
	s := newKeyedBuffer(t, src, append([]byte(nil), payload...), attr)
	d := newKeyedBuffer(t, dst, make([]byte, 512), attr)

	// The wire carries the trailer, so the transfer is 516 bytes long.
	postRead(t, dst, d, s, 516)

	assert.Equal(t, verbs.WCSuccess, pollOne(t, dst.cq).Status)
	e, err := d.mk.Check()
	require.NoError(t, err)
	assert.Equal(t, verbs.MkeyNoErr, e.Type)
	assert.Equal(t, payload, d.buf)
}

func TestBadGuardLatchesOnSource(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())
	attr := &verbs.SigBlockAttr{Mem: crc32Domain(), Wire: crc32Domain(), CheckMask: 0xff}

	bad := crc32Block()
	bad[515] = 0x22
	s := newKeyedBuffer(t, src, bad, attr)
	d := newKeyedBuffer(t, dst, make([]byte, 516), attr)

	postRead(t, dst, d, s, 516)
	assert.Equal(t, verbs.WCSuccess, pollOne(t, dst.cq).Status)

	e, err := s.mk.Check()
	require.NoError(t, err)
	assert.Equal(t, verbs.MkeyErr{Type: verbs.MkeyErrBadGuard, Actual: 0x699aca22, Expected: 0x699aca21}, e)

	// Check clears the latch.
	e, err = s.mk.Check()
	require.NoError(t, err)
	assert.Equal(t, verbs.MkeyNoErr, e.Type)

	e, err = d.mk.Check()
	require.NoError(t, err)
	assert.Equal(t, verbs.MkeyNoErr, e.Type)
}

func TestSigBlockWithoutCreateFlag(t *testing.T) {
	b := newBackend(t)
	src, _ := newConnectedPair(t, b, verbs.DefaultQPConfig())

	mr, err := src.pd.RegisterMemory(make([]byte, 512), verbs.AccessLocalWrite)
	require.NoError(t, err)
	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect})
	require.NoError(t, err)

	src.qp.WRStart()
	src.qp.Post(verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 2})
	src.qp.Post(verbs.SetLayoutList{Entries: []verbs.SGE{mr.SGE()}})
	src.qp.Post(verbs.SetSigBlock{})
	err = src.qp.WRComplete()

	var se *verbs.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, unix.EOPNOTSUPP, se.Errno)
	assert.ErrorIs(t, err, unix.EOPNOTSUPP)
	assertEmpty(t, src.cq)
}

func TestConfigureBatchValidation(t *testing.T) {
	b := newBackend(t)
	src, _ := newConnectedPair(t, b, verbs.DefaultQPConfig())

	mr, err := src.pd.RegisterMemory(make([]byte, 1024), verbs.AccessLocalWrite)
	require.NoError(t, err)
	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect | verbs.MkeyFlagBlockSignature})
	require.NoError(t, err)

	half := mr.SGE()
	half.Length = 512

	tests := []struct {
		name  string
		posts []verbs.WorkRequest
		errno unix.Errno
	}{
		{
			name:  "too few setters",
			posts: []verbs.WorkRequest{verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 2}, verbs.SetLayoutList{Entries: []verbs.SGE{half}}},
			errno: unix.EINVAL,
		},
		{
			name: "too many setters",
			posts: []verbs.WorkRequest{
				verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 1},
				verbs.SetLayoutList{Entries: []verbs.SGE{half}},
				verbs.SetAccessFlags{},
			},
			errno: unix.EINVAL,
		},
		{
			name: "layout exceeds max entries",
			posts: []verbs.WorkRequest{
				verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 1},
				verbs.SetLayoutList{Entries: []verbs.SGE{half, half}},
			},
			errno: unix.EINVAL,
		},
		{
			name: "unknown key",
			posts: []verbs.WorkRequest{
				verbs.MkeyConfigure{Key: 0xffffff00, NumSetters: 1},
			},
			errno: unix.EINVAL,
		},
		{
			name: "malformed signature",
			posts: []verbs.WorkRequest{
				verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 1},
				verbs.SetSigBlock{Attr: verbs.SigBlockAttr{Mem: &verbs.SigBlockDomain{Type: verbs.SigTypeCRC}}},
			},
			errno: unix.EINVAL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.qp.WRStart()
			for _, wr := range tt.posts {
				src.qp.Post(wr)
			}
			assert.Equal(t, tt.errno, verbs.Status(src.qp.WRComplete()))
		})
	}
}

func TestUnsupportedSignatureRejected(t *testing.T) {
	c := caps.Full()
	require.NoError(t, c.Disable("crc32"))
	b := newBackend(t, WithCaps(c))
	src, _ := newConnectedPair(t, b, verbs.DefaultQPConfig())

	mr, err := src.pd.RegisterMemory(make([]byte, 516), verbs.AccessLocalWrite)
	require.NoError(t, err)
	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect | verbs.MkeyFlagBlockSignature})
	require.NoError(t, err)

	src.qp.WRStart()
	src.qp.Post(verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 2})
	src.qp.Post(verbs.SetLayoutList{Entries: []verbs.SGE{mr.SGE()}})
	src.qp.Post(verbs.SetSigBlock{Attr: verbs.SigBlockAttr{Mem: crc32Domain(), CheckMask: 0xff}})
	assert.Equal(t, unix.EOPNOTSUPP, verbs.Status(src.qp.WRComplete()))
}

func TestInvalidateRevokesAccess(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())

	s := newKeyedBuffer(t, src, bytes.Repeat([]byte{1}, 512), nil)
	d := newKeyedBuffer(t, dst, make([]byte, 512), nil)

	src.qp.WRStart()
	src.qp.SetWRID(3)
	src.qp.SetWRFlags(verbs.SendSignaled)
	src.qp.Post(verbs.LocalInvalidate{Key: s.mk.LKey()})
	require.NoError(t, src.qp.WRComplete())
	wc := pollOne(t, src.cq)
	assert.Equal(t, verbs.WCOpLocalInv, wc.Opcode)
	assert.Equal(t, verbs.WCSuccess, wc.Status)

	postRead(t, dst, d, s, 512)
	wc = pollOne(t, dst.cq)
	assert.Equal(t, verbs.WCRemoteAccessErr, wc.Status)
	assert.Equal(t, verbs.QPStateErr, dst.qp.State())
	assert.Equal(t, make([]byte, 512), d.buf)

	// Later requests on the failed queue are flushed.
	postRead(t, dst, d, s, 512)
	assert.Equal(t, verbs.WCWRFlushErr, pollOne(t, dst.cq).Status)
}

func TestSendRequiresReceive(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())

	s := newKeyedBuffer(t, src, bytes.Repeat([]byte{9}, 512), nil)
	d := newKeyedBuffer(t, dst, make([]byte, 512), nil)
	sge := verbs.SGE{Addr: 0, Length: 512, LKey: s.mk.LKey()}

	require.NoError(t, dst.qp.PostRecv(11, verbs.SGE{Addr: 0, Length: 512, LKey: d.mk.LKey()}))

	src.qp.WRStart()
	src.qp.SetWRID(5)
	src.qp.SetWRFlags(verbs.SendSignaled)
	src.qp.Post(verbs.Send{Local: []verbs.SGE{sge}})
	require.NoError(t, src.qp.WRComplete())

	wc := pollOne(t, src.cq)
	assert.Equal(t, verbs.WCOpSend, wc.Opcode)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	rwc := pollOne(t, dst.cq)
	assert.Equal(t, verbs.WCOpRecv, rwc.Opcode)
	assert.Equal(t, uint64(11), rwc.WRID)
	assert.Equal(t, uint32(512), rwc.ByteLen)
	assert.Equal(t, s.buf, d.buf)

	src.qp.WRStart()
	src.qp.Post(verbs.Send{Local: []verbs.SGE{sge}})
	require.NoError(t, src.qp.WRComplete())
	assert.Equal(t, verbs.WCRnrRetryExcErr, pollOne(t, src.cq).Status)
}

func TestPipeliningHoldsAfterSignatureError(t *testing.T) {
	b := newBackend(t)
	cfg := verbs.DefaultQPConfig()
	cfg.SigPipelining = true
	src, dst := newConnectedPair(t, b, cfg)
	attr := &verbs.SigBlockAttr{Mem: crc32Domain(), Wire: crc32Domain(), CheckMask: 0xff}

	bad := crc32Block()
	bad[0] = 0
	s := newKeyedBuffer(t, src, bad, attr)
	d := newKeyedBuffer(t, dst, make([]byte, 516), attr)

	dst.qp.WRStart()
	dst.qp.SetWRFlags(verbs.SendSignaled)
	for id := uint64(1); id <= 3; id++ {
		dst.qp.SetWRID(id)
		dst.qp.Post(verbs.RDMARead{
			Local: []verbs.SGE{{Length: 516, LKey: d.mk.LKey()}},
			RKey:  s.mk.RKey(),
		})
	}
	require.NoError(t, dst.qp.WRComplete())

	assert.Equal(t, uint64(1), pollOne(t, dst.cq).WRID)
	assertEmpty(t, dst.cq)
	assert.Equal(t, verbs.QPStateSQD, dst.qp.State())

	n, err := dst.qp.CancelPosted(2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := s.mk.Check()
	require.NoError(t, err)
	assert.Equal(t, verbs.MkeyErrBadGuard, e.Type)

	// Fix the source so the resumed request runs clean.
	copy(s.buf, crc32Block())
	require.NoError(t, dst.qp.ModifyToRTS())
	assert.Equal(t, uint64(3), pollOne(t, dst.cq).WRID)
	assertEmpty(t, dst.cq)
	assert.Equal(t, verbs.QPStateRTS, dst.qp.State())
}

func TestInterleavedLayout(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())

	// Two repetitions of 4 data bytes followed by 2 skipped bytes.
	raw := []byte{1, 2, 3, 4, 0xee, 0xee, 5, 6, 7, 8, 0xee, 0xee}
	mr, err := src.pd.RegisterMemory(raw, verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	require.NoError(t, err)
	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect})
	require.NoError(t, err)

	src.qp.WRStart()
	src.qp.SetWRFlags(0)
	src.qp.Post(verbs.MkeyConfigure{Key: mk.LKey(), NumSetters: 2})
	src.qp.Post(verbs.SetAccessFlags{Access: verbs.AccessLocalWrite | verbs.AccessRemoteRead})
	src.qp.Post(verbs.SetLayoutInterleaved{
		RepeatCount: 2,
		Entries:     []verbs.Interleaved{{Addr: mr.Addr(), ByteCount: 4, SkipCount: 2, LKey: mr.LKey()}},
	})
	require.NoError(t, src.qp.WRComplete())
	assertEmpty(t, src.cq)

	out := make([]byte, 8)
	dmr, err := dst.pd.RegisterMemory(out, verbs.AccessLocalWrite)
	require.NoError(t, err)

	dst.qp.WRStart()
	dst.qp.SetWRFlags(verbs.SendSignaled)
	dst.qp.Post(verbs.RDMARead{Local: []verbs.SGE{dmr.SGE()}, RKey: mk.RKey()})
	require.NoError(t, dst.qp.WRComplete())

	assert.Equal(t, verbs.WCSuccess, pollOne(t, dst.cq).Status)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out)
}

func TestIncTagRotatesKey(t *testing.T) {
	b := newBackend(t)
	src, _ := newConnectedPair(t, b, verbs.DefaultQPConfig())

	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect | verbs.MkeyFlagUpdateTag})
	require.NoError(t, err)

	before := mk.LKey()
	require.NoError(t, mk.IncTag())
	after := mk.LKey()

	assert.Equal(t, before>>8, after>>8)
	assert.Equal(t, uint8(before)+1, uint8(after))
	assert.Nil(t, b.lookup(before))
	assert.NotNil(t, b.lookup(after))
}

func TestIncTagRequiresCreateFlag(t *testing.T) {
	b := newBackend(t)
	src, _ := newConnectedPair(t, b, verbs.DefaultQPConfig())

	mk, err := src.pd.CreateMkey(verbs.MkeyAttr{MaxEntries: 1, CreateFlags: verbs.MkeyFlagIndirect})
	require.NoError(t, err)

	before := mk.LKey()
	assert.Equal(t, unix.EINVAL, verbs.Status(mk.IncTag()))
	assert.Equal(t, before, mk.LKey())
}

func t10Domain(typ verbs.T10DIFType, refTag uint32) *verbs.SigBlockDomain {
	return &verbs.SigBlockDomain{
		Type:      verbs.SigTypeT10DIF,
		BlockSize: verbs.BlockSize512,
		DIF: &verbs.SigT10DIF{
			Type:   typ,
			BgType: verbs.T10DIFBgCRC,
			Bg:     0xffff,
			AppTag: 0x5678,
			RefTag: refTag,
		},
	}
}

func t10Block(appTag uint16, refTag uint32) []byte {
	buf := bytes.Repeat([]byte{0xa5}, 520)
	copy(buf[512:], []byte{0x9e, 0xc6, byte(appTag >> 8), byte(appTag), byte(refTag >> 24), byte(refTag >> 16), byte(refTag >> 8), byte(refTag)})
	return buf
}

func TestCopyMaskCarriesAppTag(t *testing.T) {
	const srcRef, dstRef = 0x0a0b0c0d, 0x01020304

	tests := []struct {
		name    string
		srcWire verbs.T10DIFType
		dstType verbs.T10DIFType
		want    []byte
	}{
		// Same format on the source key: the stored app tag travels to the
		// destination, guard and ref tag are generated per domain.
		{"same format", verbs.T10DIFType3, verbs.T10DIFType3, t10Block(0x1234, dstRef)},
		// Memory type 3 and wire type 1 differ, so the wire app tag is
		// generated from the source configuration.
		{"formats differ", verbs.T10DIFType1, verbs.T10DIFType1, t10Block(0x5678, dstRef)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())

			srcAttr := &verbs.SigBlockAttr{
				Mem:       t10Domain(verbs.T10DIFType3, srcRef),
				Wire:      t10Domain(tt.srcWire, srcRef),
				Flags:     verbs.SigBlockFlagCopyMask,
				CheckMask: sig.CheckT10DIFGuard | sig.CheckT10DIFRefTag,
				CopyMask:  sig.CheckT10DIFAppTag,
			}
			dstAttr := &verbs.SigBlockAttr{
				Mem:       t10Domain(tt.dstType, dstRef),
				Wire:      t10Domain(tt.dstType, dstRef),
				Flags:     verbs.SigBlockFlagCopyMask,
				CheckMask: sig.CheckT10DIFGuard,
				CopyMask:  sig.CheckT10DIFAppTag,
			}

			s := newKeyedBuffer(t, src, t10Block(0x1234, srcRef), srcAttr)
			d := newKeyedBuffer(t, dst, make([]byte, 520), dstAttr)

			postRead(t, dst, d, s, 520)
			assert.Equal(t, verbs.WCSuccess, pollOne(t, dst.cq).Status)

			for _, k := range []verbs.DeviceMkey{s.mk, d.mk} {
				e, err := k.Check()
				require.NoError(t, err)
				assert.Equal(t, verbs.MkeyNoErr, e.Type)
			}
			assert.Equal(t, tt.want, d.buf)
		})
	}
}

func TestDecodeT10DIFType(t *testing.T) {
	noRemap, err := decodeDomain(t10Domain(verbs.T10DIFType1, 1))
	require.NoError(t, err)
	assert.Equal(t, sig.KindT10DIFType1, noRemap.Sig.Kind())

	type3, err := decodeDomain(t10Domain(verbs.T10DIFType3, 1))
	require.NoError(t, err)
	assert.Equal(t, sig.KindT10DIFType3, type3.Sig.Kind())

	_, err = decodeDomain(t10Domain(verbs.T10DIFType(7), 1))
	assert.ErrorIs(t, err, errBadAttr)
}

func TestMetrics(t *testing.T) {
	b := newBackend(t)
	src, dst := newConnectedPair(t, b, verbs.DefaultQPConfig())

	s := newKeyedBuffer(t, src, make([]byte, 512), nil)
	d := newKeyedBuffer(t, dst, make([]byte, 512), nil)
	postRead(t, dst, d, s, 512)

	m := b.GetMetrics()
	assert.Equal(t, int64(2), m["qps_created"])
	assert.Equal(t, int64(2), m["mkey_configures"])
	assert.Equal(t, int64(1), m["rdma_reads"])
}
