package conformance

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/mkey"
	"github.com/piwi3910/mkeyconform/internal/rdmaop"
	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// plainKey creates an initialized key without signature attributes over a
// size byte region.
func plainKey(f *Fixture, s *rdmaop.Side, flags verbs.MkeyFlags, size int) (*mkey.Key, error) {
	layout, err := mkey.NewListLayoutSizes(s.PD, size)
	if err != nil {
		return nil, err
	}
	k := f.Track(mkey.New(s.PD, 1, verbs.MkeyFlagIndirect|flags, mkey.NewAccess(), layout))
	return k, k.Init()
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}
	return buf
}

func expectData(k *mkey.Key, want []byte) error {
	got := make([]byte, len(want))
	if err := k.Layout().GetData(got); err != nil {
		return err
	}
	return mkey.CompareData(want, got)
}

// noBlockSigAttr configures signature attributes on a key created without
// the block signature flag. The device must refuse the batch.
func noBlockSigAttr(f *Fixture) error {
	layout, err := mkey.NewListLayoutSizes(f.Src.PD, 4096)
	if err != nil {
		return err
	}
	k := f.Track(mkey.New(f.Src.PD, 1, verbs.MkeyFlagIndirect, layout, mkey.NewSigBlock(sig.NoBlock)))
	if err := k.Init(); err != nil {
		return err
	}

	qp := f.Src.QP
	qp.WRStart()
	qp.SetWRFlags(verbs.SendSignaled | verbs.SendInline)
	if err := k.WRConfigure(qp); err != nil {
		return err
	}
	if err := rdmaop.Complete(qp, unix.EOPNOTSUPP); err != nil {
		return err
	}
	return f.Src.TriggerPoll()
}

// invalidateReconfigure checks that an invalidated key refuses remote access
// and serves it again once reconfigured.
func invalidateReconfigure(f *Fixture) error {
	src, err := plainKey(f, f.Src, 0, 512)
	if err != nil {
		return err
	}
	dst, err := plainKey(f, f.Dst, 0, 512)
	if err != nil {
		return err
	}
	payload := pattern(512)
	if err := src.Layout().SetData(payload); err != nil {
		return err
	}
	if err := f.Src.Configure(src); err != nil {
		return err
	}
	if err := f.Dst.Configure(dst); err != nil {
		return err
	}
	if err := f.Src.Invalidate(src); err != nil {
		return err
	}

	read := rdmaop.Read{}
	if err := read.Submit(f.Src, src.SGE(), f.Dst, dst.SGE()); err != nil {
		return err
	}
	if err := read.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCRemoteAccessErr); err != nil {
		return fmt.Errorf("read from invalidated key: %w", err)
	}

	// The failed read moved dst's queue pair to the error state, so the
	// reconfigured key is exercised by a write from src.
	if err := f.Src.Configure(src); err != nil {
		return err
	}
	write := rdmaop.Write{}
	if err := write.Submit(f.Src, src.SGE(), f.Dst, dst.SGE()); err != nil {
		return err
	}
	if err := write.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCSuccess); err != nil {
		return fmt.Errorf("write from reconfigured key: %w", err)
	}
	return expectData(dst, payload)
}

// incTag rotates the tag of a configured key: the new key serves reads and
// the previous one is refused.
func incTag(f *Fixture) error {
	if !f.Caps.MkeyUpdateTag {
		return Skipf("device does not support mkey tag update")
	}
	src, err := plainKey(f, f.Src, verbs.MkeyFlagUpdateTag, 512)
	if err != nil {
		return err
	}
	dst, err := plainKey(f, f.Dst, 0, 512)
	if err != nil {
		return err
	}
	payload := pattern(512)
	if err := src.Layout().SetData(payload); err != nil {
		return err
	}
	if err := f.Src.Configure(src); err != nil {
		return err
	}
	if err := f.Dst.Configure(dst); err != nil {
		return err
	}

	old := src.SGE()
	if err := src.Inc(); err != nil {
		return err
	}
	if src.RKey() == old.LKey {
		return fmt.Errorf("key 0x%x unchanged by tag update", old.LKey)
	}

	read := rdmaop.Read{}
	if err := read.Submit(f.Src, src.SGE(), f.Dst, dst.SGE()); err != nil {
		return err
	}
	if err := read.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCSuccess); err != nil {
		return fmt.Errorf("read with rotated key: %w", err)
	}
	if err := expectData(dst, payload); err != nil {
		return err
	}

	if err := read.Submit(f.Src, old, f.Dst, dst.SGE()); err != nil {
		return err
	}
	if err := read.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCRemoteAccessErr); err != nil {
		return fmt.Errorf("read with retired key: %w", err)
	}
	return nil
}

// listSplit protects a block whose data and trailer span two regions.
func listSplit(f *Fixture) error {
	cfg := both(sig.BlockSize512, sig.CRC32IEEE)
	image := memoryImage(sig.CRC32IEEE, GuardCRC32, 512, 1)

	layout, err := mkey.NewListLayoutSizes(f.Src.PD, 200, len(image)-200)
	if err != nil {
		return err
	}
	src := f.Track(mkey.New(f.Src.PD, 2, verbs.MkeyFlagIndirect|verbs.MkeyFlagBlockSignature,
		mkey.NewAccess(), layout, mkey.NewSigBlock(cfg)))
	if err := src.RequireSupported(f.Caps); err != nil {
		return err
	}
	if err := src.Init(); err != nil {
		return err
	}
	dst, err := newSigKey(f, f.Dst, cfg, len(image))
	if err != nil {
		return err
	}

	if err := src.Layout().SetData(image); err != nil {
		return err
	}
	if err := f.Src.Configure(src); err != nil {
		return err
	}
	if err := f.Dst.Configure(dst); err != nil {
		return err
	}

	read := rdmaop.Read{}
	if err := read.Submit(f.Src, src.SGE(), f.Dst, dst.SGE()); err != nil {
		return err
	}
	if err := read.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCSuccess); err != nil {
		return err
	}
	if err := src.Check(); err != nil {
		return err
	}
	if err := dst.Check(); err != nil {
		return err
	}
	return expectData(dst, image)
}

// interleaved reads strided data through an interleaved layout into a flat
// region.
func interleaved(f *Fixture) error {
	layout, err := mkey.NewInterleavedLayout(f.Src.PD, 4,
		mkey.Stride{ByteCount: 96, SkipCount: 32},
		mkey.Stride{ByteCount: 32})
	if err != nil {
		return err
	}
	src := f.Track(mkey.New(f.Src.PD, 2, verbs.MkeyFlagIndirect, mkey.NewAccess(), layout))
	if err := src.Init(); err != nil {
		return err
	}
	if src.Length() != 512 {
		return fmt.Errorf("interleaved key length %d, want 512", src.Length())
	}
	dst, err := plainKey(f, f.Dst, 0, 512)
	if err != nil {
		return err
	}

	payload := pattern(512)
	if err := src.Layout().SetData(payload); err != nil {
		return err
	}
	if err := f.Src.Configure(src); err != nil {
		return err
	}
	if err := f.Dst.Configure(dst); err != nil {
		return err
	}

	read := rdmaop.Read{}
	if err := read.Submit(f.Src, src.SGE(), f.Dst, dst.SGE()); err != nil {
		return err
	}
	if err := read.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCSuccess); err != nil {
		return err
	}
	return expectData(dst, payload)
}

// pipeliningCancel posts two reads from a source with a corrupted guard on a
// pipelining queue pair. The first drains the queue pair; the second is held
// and then cancelled.
func pipeliningCancel(f *Fixture) error {
	cfg := both(sig.BlockSize512, sig.CRC32IEEE)
	image := memoryImage(sig.CRC32IEEE, GuardCRC32, 512, 1)
	image[len(image)-1]++

	src, err := newSigKey(f, f.Src, cfg, len(image))
	if err != nil {
		return err
	}
	dst, err := newSigKey(f, f.Dst, cfg, len(image))
	if err != nil {
		return err
	}
	if err := src.Layout().SetData(image); err != nil {
		return err
	}
	if err := f.Src.Configure(src); err != nil {
		return err
	}
	if err := f.Dst.Configure(dst); err != nil {
		return err
	}

	const first, second = 1, 2
	qp := f.Dst.QP
	qp.WRStart()
	qp.SetWRFlags(verbs.SendSignaled)
	for _, id := range []uint64{first, second} {
		qp.SetWRID(id)
		qp.Post(verbs.RDMARead{Local: []verbs.SGE{dst.SGE()}, RKey: src.RKey()})
	}
	if err := rdmaop.Complete(qp, 0); err != nil {
		return err
	}

	if err := f.Dst.CheckCompletionOp(verbs.WCOpRDMARead, verbs.WCSuccess); err != nil {
		return err
	}
	if err := f.Dst.TriggerPoll(); err != nil {
		return fmt.Errorf("held request completed: %w", err)
	}
	if st := qp.State(); st != verbs.QPStateSQD {
		return fmt.Errorf("queue pair state %s after signature error, want %s", st, verbs.QPStateSQD)
	}

	n, err := qp.CancelPosted(second)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("cancelled %d requests, want 1", n)
	}
	if err := qp.ModifyToRTS(); err != nil {
		return err
	}
	if err := f.Dst.TriggerPoll(); err != nil {
		return err
	}

	if err := src.CheckDetail(verbs.MkeyErrBadGuard, corruptedCRC32Guard, GuardCRC32, 0); err != nil {
		return err
	}
	if err := dst.Check(); err != nil {
		return err
	}
	return expectData(dst, memoryImage(sig.CRC32IEEE, GuardCRC32, 512, 1))
}
