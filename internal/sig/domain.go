package sig

import "fmt"

// Domain is one side of a signature block configuration: a block size paired
// with the signature protecting each block.
type Domain struct {
	BlockSize BlockSize
	Sig       Signature
}

// NoDomain carries no signature. It is treated as a 512-byte block with a
// zero-sized trailer.
var NoDomain = Domain{BlockSize: BlockSize512, Sig: None{}}

// NewDomain pairs a block size with a signature.
func NewDomain(bs BlockSize, s Signature) Domain {
	if s == nil {
		s = None{}
	}
	return Domain{BlockSize: bs, Sig: s}
}

// IsNone reports whether the domain carries no signature.
func (d Domain) IsNone() bool {
	return d.Sig == nil || d.Sig.Kind() == KindNone
}

// Valid reports whether a signed domain uses a known block size.
func (d Domain) Valid() bool {
	return d.IsNone() || d.BlockSize.Valid()
}

// SigSize is the trailer size in bytes.
func (d Domain) SigSize() int {
	if d.IsNone() {
		return 0
	}
	return d.Sig.Size()
}

// Stride is the number of bytes one protected block occupies.
func (d Domain) Stride() int {
	if d.IsNone() {
		return BlockSize512.Bytes()
	}
	return d.BlockSize.Bytes() + d.SigSize()
}

func (d Domain) String() string {
	if d.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%s/%s", d.Sig.Kind(), d.BlockSize)
}

// BlockConfig pairs the memory and wire domains of a key together with the
// masks selecting which trailer bytes are checked and copied.
type BlockConfig struct {
	Mem       Domain
	Wire      Domain
	CheckMask uint8
	CopyMask  uint8
	Flags     BlockFlags
}

// BlockOption adjusts a BlockConfig built by NewBlockConfig.
type BlockOption func(*BlockConfig)

// WithCheckMask sets the check mask.
func WithCheckMask(m uint8) BlockOption {
	return func(c *BlockConfig) { c.CheckMask = m }
}

// WithCopyMask sets the copy mask.
func WithCopyMask(m uint8) BlockOption {
	return func(c *BlockConfig) { c.CopyMask = m }
}

// WithFlags sets the block flags.
func WithFlags(f BlockFlags) BlockOption {
	return func(c *BlockConfig) { c.Flags = f }
}

// NewBlockConfig returns a configuration checking and copying every trailer
// byte unless overridden by opts.
func NewBlockConfig(mem, wire Domain, opts ...BlockOption) BlockConfig {
	c := BlockConfig{
		Mem:       mem,
		Wire:      wire,
		CheckMask: CheckAll,
		CopyMask:  0xFF,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NoBlock has no signature on either side.
var NoBlock = NewBlockConfig(NoDomain, NoDomain)

// IsNone reports whether neither domain carries a signature.
func (c BlockConfig) IsNone() bool {
	return c.Mem.IsNone() && c.Wire.IsNone()
}

// AdjustLength converts a length in memory representation into the length of
// the same data on the wire. Trailing bytes short of a whole block are carried
// through as data. A domain with an unknown block size yields 0.
func (c BlockConfig) AdjustLength(memLen int) int {
	if !c.Mem.Valid() || !c.Wire.Valid() {
		return 0
	}
	memBlocks := memLen / c.Mem.Stride()
	data := memLen - memBlocks*c.Mem.SigSize()
	wireBlocks := data / wireBlockBytes(c.Wire)
	return data + wireBlocks*c.Wire.SigSize()
}

func wireBlockBytes(d Domain) int {
	if d.IsNone() {
		return BlockSize512.Bytes()
	}
	return d.BlockSize.Bytes()
}

func (c BlockConfig) String() string {
	return fmt.Sprintf("mem=%s wire=%s", c.Mem, c.Wire)
}
