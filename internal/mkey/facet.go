package mkey

import (
	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Facet is one configurable aspect of a memory key. During configuration
// every facet posts exactly one setter.
type Facet interface {
	// Set posts the facet's setter into the open batch on qp.
	Set(qp verbs.QueuePair)
	// AdjustLength maps a memory-side length to the length the key exposes.
	AdjustLength(n int) int
}

// capabilityChecker is implemented by facets whose configuration depends on
// device support.
type capabilityChecker interface {
	Supported(c caps.Snapshot) bool
}

// DefaultAccess is the access set granted by NewAccess when none is given.
const DefaultAccess = verbs.AccessLocalWrite | verbs.AccessRemoteRead | verbs.AccessRemoteWrite

// Access sets the access rights of a key.
type Access struct {
	Flags verbs.Access
}

// NewAccess returns an access facet. Without flags it grants DefaultAccess.
func NewAccess(flags ...verbs.Access) *Access {
	a := &Access{}
	for _, f := range flags {
		a.Flags |= f
	}
	if len(flags) == 0 {
		a.Flags = DefaultAccess
	}
	return a
}

func (a *Access) Set(qp verbs.QueuePair) {
	qp.Post(verbs.SetAccessFlags{Access: a.Flags})
}

func (a *Access) AdjustLength(n int) int { return n }

// SigBlock attaches block signature attributes to a key.
type SigBlock struct {
	Config sig.BlockConfig
}

// NewSigBlock returns a signature facet for cfg.
func NewSigBlock(cfg sig.BlockConfig) *SigBlock {
	return &SigBlock{Config: cfg}
}

func (s *SigBlock) Set(qp verbs.QueuePair) {
	qp.Post(verbs.SetSigBlock{Attr: EncodeBlock(s.Config)})
}

// AdjustLength converts a memory-side length to the wire-side length.
func (s *SigBlock) AdjustLength(n int) int {
	return s.Config.AdjustLength(n)
}

func (s *SigBlock) Supported(c caps.Snapshot) bool {
	return c.SupportsBlock(s.Config)
}

// EncodeBlock translates a block configuration into device attributes.
func EncodeBlock(cfg sig.BlockConfig) verbs.SigBlockAttr {
	attr := verbs.SigBlockAttr{
		Mem:       EncodeDomain(cfg.Mem),
		Wire:      EncodeDomain(cfg.Wire),
		CheckMask: cfg.CheckMask,
		CopyMask:  cfg.CopyMask,
	}
	if cfg.Flags&sig.FlagCopyMask != 0 {
		attr.Flags |= verbs.SigBlockFlagCopyMask
	}
	return attr
}

// EncodeDomain translates one signature domain. A domain without a
// signature encodes as nil.
func EncodeDomain(d sig.Domain) *verbs.SigBlockDomain {
	if d.IsNone() {
		return nil
	}
	// sig.BlockSize enumerates sizes in device order.
	out := &verbs.SigBlockDomain{BlockSize: verbs.BlockSizeCode(d.BlockSize)}

	switch s := d.Sig.(type) {
	case sig.CRC32:
		out.Type = verbs.SigTypeCRC
		out.CRC = &verbs.SigCRC{Type: verbs.CRCTypeCRC32, Seed: uint64(s.Seed)}
		if s.Type == sig.CRC32TypeCastagnoli {
			out.CRC.Type = verbs.CRCTypeCRC32C
		}
	case sig.CRC64:
		out.Type = verbs.SigTypeCRC
		out.CRC = &verbs.SigCRC{Type: verbs.CRCTypeCRC64XP10, Seed: s.Seed}
	case sig.T10DIF:
		out.Type = verbs.SigTypeT10DIF
		out.DIF = &verbs.SigT10DIF{
			Type:   verbs.T10DIFType1,
			BgType: verbs.T10DIFBgCRC,
			Bg:     s.Bg,
			AppTag: s.AppTag,
			RefTag: s.RefTag,
			Flags:  uint16(s.Flags),
		}
		if s.Type == sig.DIFType3 {
			out.DIF.Type = verbs.T10DIFType3
		}
		if s.BgType == sig.BgCSUM {
			out.DIF.BgType = verbs.T10DIFBgCSUM
		}
	case sig.NVMeDIF:
		out.Type = verbs.SigTypeNVMeDIF
		out.NVMe = &verbs.SigNVMeDIF{
			Format:          nvmeFormats[s.Format],
			Flags:           uint16(s.Flags),
			Seed:            s.Seed,
			StorageTag:      s.StorageTag,
			RefTag:          s.RefTag,
			STS:             s.STS,
			AppTag:          s.AppTag,
			AppTagCheck:     s.AppTagCheck,
			StorageTagCheck: s.StorageTagCheck,
		}
	}
	return out
}

var nvmeFormats = map[sig.NVMeFormat]verbs.NVMeDIFFormat{
	sig.NVMeFormat16: verbs.NVMeDIFFormat16,
	sig.NVMeFormat32: verbs.NVMeDIFFormat32,
	sig.NVMeFormat64: verbs.NVMeDIFFormat64,
}
