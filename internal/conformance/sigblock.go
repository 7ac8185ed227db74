package conformance

import (
	"bytes"
	"fmt"

	"github.com/piwi3910/mkeyconform/internal/mkey"
	"github.com/piwi3910/mkeyconform/internal/rdmaop"
	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// DataPattern is the byte every protected block is filled with.
const DataPattern = 0xA5

// SigBlockTest moves NumBlocks pattern blocks from a src key to a dst key,
// each configured with its own block signature attributes, and checks the
// keys' error state and the bytes materialized on dst.
//
// SrcValue is the guard the src memory trailers carry and DstValue the one
// expected in dst memory. They are the values a device computes over one
// DataPattern block.
type SigBlockTest struct {
	Src       sig.BlockConfig
	SrcValue  uint64
	Dst       sig.BlockConfig
	DstValue  uint64
	NumBlocks int
	Op        rdmaop.Op

	// Corrupt edits the src memory image before it is written.
	Corrupt func(buf []byte)
	// WantSrc and WantDst are the expected latched errors.
	WantSrc mkey.SigError
	WantDst mkey.SigError
}

// blockBytes is the data block size moved by cfg.
func blockBytes(cfg sig.BlockConfig) int {
	switch {
	case !cfg.Mem.IsNone():
		return cfg.Mem.BlockSize.Bytes()
	case !cfg.Wire.IsNone():
		return cfg.Wire.BlockSize.Bytes()
	}
	return sig.BlockSize512.Bytes()
}

// memoryImage lays out n pattern blocks of bs bytes, each followed by the
// trailer of signature s.
func memoryImage(s sig.Signature, value uint64, bs, n int) []byte {
	var buf bytes.Buffer
	block := bytes.Repeat([]byte{DataPattern}, bs)
	for i := 0; i < n; i++ {
		buf.Write(block)
		buf.Write(sig.Encode(sig.TrailerFor(s, value), uint64(i)))
	}
	return buf.Bytes()
}

func (t SigBlockTest) blocks() int {
	if t.NumBlocks == 0 {
		return 1
	}
	return t.NumBlocks
}

func (t SigBlockTest) op() rdmaop.Op {
	if t.Op == nil {
		return rdmaop.Read{}
	}
	return t.Op
}

func newSigKey(f *Fixture, s *rdmaop.Side, cfg sig.BlockConfig, size int) (*mkey.Key, error) {
	layout, err := mkey.NewListLayoutSizes(s.PD, size)
	if err != nil {
		return nil, err
	}
	k := f.Track(mkey.New(s.PD, 1, verbs.MkeyFlagIndirect|verbs.MkeyFlagBlockSignature,
		mkey.NewAccess(), layout, mkey.NewSigBlock(cfg)))
	if err := k.RequireSupported(f.Caps); err != nil {
		return nil, err
	}
	return k, k.Init()
}

// Run executes the test on f.
func (t SigBlockTest) Run(f *Fixture) error {
	n := t.blocks()
	srcImage := memoryImage(t.Src.Mem.Sig, t.SrcValue, blockBytes(t.Src), n)
	dstImage := memoryImage(t.Dst.Mem.Sig, t.DstValue, blockBytes(t.Dst), n)

	src, err := newSigKey(f, f.Src, t.Src, len(srcImage))
	if err != nil {
		return err
	}
	dst, err := newSigKey(f, f.Dst, t.Dst, len(dstImage))
	if err != nil {
		return err
	}

	if t.Corrupt != nil {
		t.Corrupt(srcImage)
	}
	if err := src.Layout().SetData(srcImage); err != nil {
		return err
	}

	if err := f.Dst.Configure(dst); err != nil {
		return fmt.Errorf("configure dst: %w", err)
	}
	if err := f.Src.Configure(src); err != nil {
		return fmt.Errorf("configure src: %w", err)
	}

	op := t.op()
	if err := op.Submit(f.Src, src.SGE(), f.Dst, dst.SGE()); err != nil {
		return fmt.Errorf("%s: %w", op.Name(), err)
	}
	if err := op.Complete(f.Src, f.Dst, verbs.WCSuccess, verbs.WCSuccess); err != nil {
		return fmt.Errorf("%s: %w", op.Name(), err)
	}

	if err := src.Expect(t.WantSrc); err != nil {
		return fmt.Errorf("src: %w", err)
	}
	if err := dst.Expect(t.WantDst); err != nil {
		return fmt.Errorf("dst: %w", err)
	}

	got := make([]byte, len(dstImage))
	if err := dst.Layout().GetData(got); err != nil {
		return err
	}
	if err := mkey.CompareData(dstImage, got); err != nil {
		return fmt.Errorf("dst data: %w", err)
	}
	return nil
}
