// Package caps answers whether a signature configuration is supported by a
// device, given a capability snapshot taken once per run.
package caps

import (
	"errors"
	"fmt"
	"sort"

	"github.com/piwi3910/mkeyconform/internal/sig"
)

// ErrUnknownCapability is returned by Disable for a name not in Names.
var ErrUnknownCapability = errors.New("caps: unknown capability")

// ProtMask holds the block protection families a device offloads.
type ProtMask uint8

const (
	ProtCRC ProtMask = 1 << iota
	ProtT10DIF
	ProtNVMeDIF
)

// CRCMask holds the CRC types a device computes.
type CRCMask uint8

const (
	CRC32 CRCMask = 1 << iota
	CRC32C
	CRC64XP10
)

// BgMask holds the T10-DIF guard types a device computes.
type BgMask uint8

const (
	BgCRC BgMask = 1 << iota
	BgCSUM
)

// BlockSizeMask has one bit per sig.BlockSize.
type BlockSizeMask uint8

// BlockSizeBit returns the mask bit of bs.
func BlockSizeBit(bs sig.BlockSize) BlockSizeMask {
	return 1 << uint(bs)
}

// AllBlockSizes sets every known block size.
var AllBlockSizes = func() BlockSizeMask {
	var m BlockSizeMask
	for _, bs := range sig.BlockSizes {
		m |= BlockSizeBit(bs)
	}
	return m
}()

// Snapshot is the device capability report relevant to memory keys.
type Snapshot struct {
	SignatureOffload bool
	BlockSizes       BlockSizeMask
	BlockProt        ProtMask
	CRCTypes         CRCMask
	T10DIFBg         BgMask
	MaxMkeyEntries   uint32
	MkeyUpdateTag    bool
}

// Full returns a snapshot of a device supporting every feature.
func Full() Snapshot {
	return Snapshot{
		SignatureOffload: true,
		BlockSizes:       AllBlockSizes,
		BlockProt:        ProtCRC | ProtT10DIF | ProtNVMeDIF,
		CRCTypes:         CRC32 | CRC32C | CRC64XP10,
		T10DIFBg:         BgCRC | BgCSUM,
		MaxMkeyEntries:   16,
		MkeyUpdateTag:    true,
	}
}

type requirement struct {
	prot ProtMask
	crc  CRCMask
	bg   BgMask
}

// requirementOf is the single table mapping a signature to the capability
// bits it needs. The same table serves the memory and the wire domain.
func requirementOf(s sig.Signature) requirement {
	switch s := s.(type) {
	case sig.CRC32:
		if s.Type == sig.CRC32TypeCastagnoli {
			return requirement{prot: ProtCRC, crc: CRC32C}
		}
		return requirement{prot: ProtCRC, crc: CRC32}
	case sig.CRC64:
		return requirement{prot: ProtCRC, crc: CRC64XP10}
	case sig.T10DIF:
		if s.BgType == sig.BgCSUM {
			return requirement{prot: ProtT10DIF, bg: BgCSUM}
		}
		return requirement{prot: ProtT10DIF, bg: BgCRC}
	case sig.NVMeDIF:
		return requirement{prot: ProtNVMeDIF}
	}
	return requirement{}
}

// SupportsBlockSize reports whether bs is advertised.
func (s Snapshot) SupportsBlockSize(bs sig.BlockSize) bool {
	return s.BlockSizes&BlockSizeBit(bs) != 0
}

// SupportsDomain reports whether both the block size and the signature kind
// of d are advertised. A domain without signature is always supported.
func (s Snapshot) SupportsDomain(d sig.Domain) bool {
	if d.IsNone() {
		return true
	}
	if !s.SupportsBlockSize(d.BlockSize) {
		return false
	}
	r := requirementOf(d.Sig)
	return s.BlockProt&r.prot == r.prot &&
		s.CRCTypes&r.crc == r.crc &&
		s.T10DIFBg&r.bg == r.bg
}

// SupportsBlock reports whether c can be configured. A configuration without
// signature on either side needs no offload support.
func (s Snapshot) SupportsBlock(c sig.BlockConfig) bool {
	if c.IsNone() {
		return true
	}
	return s.SignatureOffload && s.SupportsDomain(c.Mem) && s.SupportsDomain(c.Wire)
}

type toggle struct {
	desc  string
	clear func(*Snapshot)
	has   func(Snapshot) bool
}

var toggles = map[string]toggle{
	"signature_offload": {
		desc:  "block signature offload",
		clear: func(s *Snapshot) { s.SignatureOffload = false },
		has:   func(s Snapshot) bool { return s.SignatureOffload },
	},
	"crc32":       crcToggle("CRC32 (IEEE)", CRC32),
	"crc32c":      crcToggle("CRC32C (Castagnoli)", CRC32C),
	"crc64_xp10":  crcToggle("CRC64-XP10", CRC64XP10),
	"t10dif":      protToggle("T10-DIF", ProtT10DIF),
	"nvmedif":     protToggle("NVMe-DIF", ProtNVMeDIF),
	"crc":         protToggle("CRC block protection", ProtCRC),
	"t10dif_crc":  bgToggle("T10-DIF CRC guard", BgCRC),
	"t10dif_csum": bgToggle("T10-DIF IP checksum guard", BgCSUM),
	"update_tag": {
		desc:  "mkey tag rotation",
		clear: func(s *Snapshot) { s.MkeyUpdateTag = false },
		has:   func(s Snapshot) bool { return s.MkeyUpdateTag },
	},
}

func init() {
	for _, bs := range sig.BlockSizes {
		bit := BlockSizeBit(bs)
		toggles["block_size_"+bs.String()] = toggle{
			desc:  fmt.Sprintf("%s byte blocks", bs),
			clear: func(s *Snapshot) { s.BlockSizes &^= bit },
			has:   func(s Snapshot) bool { return s.BlockSizes&bit != 0 },
		}
	}
}

func crcToggle(desc string, m CRCMask) toggle {
	return toggle{
		desc:  desc,
		clear: func(s *Snapshot) { s.CRCTypes &^= m },
		has:   func(s Snapshot) bool { return s.CRCTypes&m != 0 },
	}
}

func protToggle(desc string, m ProtMask) toggle {
	return toggle{
		desc:  desc,
		clear: func(s *Snapshot) { s.BlockProt &^= m },
		has:   func(s Snapshot) bool { return s.BlockProt&m != 0 },
	}
}

func bgToggle(desc string, m BgMask) toggle {
	return toggle{
		desc:  desc,
		clear: func(s *Snapshot) { s.T10DIFBg &^= m },
		has:   func(s Snapshot) bool { return s.T10DIFBg&m != 0 },
	}
}

// Names lists the capability names accepted by Disable, sorted.
func Names() []string {
	names := make([]string, 0, len(toggles))
	for n := range toggles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Valid reports whether name is a known capability.
func Valid(name string) bool {
	_, ok := toggles[name]
	return ok
}

// Disable clears the named capability.
func (s *Snapshot) Disable(name string) error {
	t, ok := toggles[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	t.clear(s)
	return nil
}

// Feature is one line of a capability report.
type Feature struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Supported   bool   `json:"supported" yaml:"supported"`
}

// Describe reports every named capability, sorted by name.
func (s Snapshot) Describe() []Feature {
	names := Names()
	out := make([]Feature, 0, len(names))
	for _, n := range names {
		t := toggles[n]
		out = append(out, Feature{Name: n, Description: t.desc, Supported: t.has(s)})
	}
	return out
}
