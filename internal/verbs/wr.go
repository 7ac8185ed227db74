package verbs

// WorkRequest is one request posted on a queue pair. The set is closed.
type WorkRequest interface {
	// Op names the request for logs and metrics.
	Op() string
	isWorkRequest()
}

// RDMARead reads from the remote key into the local entries.
type RDMARead struct {
	Local      []SGE
	RemoteAddr uint64
	RKey       uint32
}

// RDMAWrite writes the local entries to the remote key.
type RDMAWrite struct {
	Local      []SGE
	RemoteAddr uint64
	RKey       uint32
}

// Send transmits the local entries into the next receive posted by the peer.
type Send struct {
	Local []SGE
}

// LocalInvalidate releases the binding of a memory key.
type LocalInvalidate struct {
	Key uint32
}

// MkeyConfigure opens a memory key configuration. It must be followed in the
// same batch by exactly NumSetters setter requests.
type MkeyConfigure struct {
	Key        uint32
	NumSetters int
}

// SetAccessFlags sets the access rights of the key being configured.
type SetAccessFlags struct {
	Access Access
}

// SetLayoutList binds a scatter list layout.
type SetLayoutList struct {
	Entries []SGE
}

// Interleaved is one entry of an interleaved layout: ByteCount bytes of data
// followed by SkipCount bytes not addressed by the key.
type Interleaved struct {
	Addr      uint64
	ByteCount uint32
	SkipCount uint32
	LKey      uint32
}

// SetLayoutInterleaved binds a repeated interleaved layout.
type SetLayoutInterleaved struct {
	RepeatCount uint32
	Entries     []Interleaved
}

// SetSigBlock binds block signature attributes.
type SetSigBlock struct {
	Attr SigBlockAttr
}

func (RDMARead) Op() string             { return "rdma_read" }
func (RDMAWrite) Op() string            { return "rdma_write" }
func (Send) Op() string                 { return "send" }
func (LocalInvalidate) Op() string      { return "local_inv" }
func (MkeyConfigure) Op() string        { return "mkey_configure" }
func (SetAccessFlags) Op() string       { return "set_access_flags" }
func (SetLayoutList) Op() string        { return "set_layout_list" }
func (SetLayoutInterleaved) Op() string { return "set_layout_interleaved" }
func (SetSigBlock) Op() string          { return "set_sig_block" }

func (RDMARead) isWorkRequest()             {}
func (RDMAWrite) isWorkRequest()            {}
func (Send) isWorkRequest()                 {}
func (LocalInvalidate) isWorkRequest()      {}
func (MkeyConfigure) isWorkRequest()        {}
func (SetAccessFlags) isWorkRequest()       {}
func (SetLayoutList) isWorkRequest()        {}
func (SetLayoutInterleaved) isWorkRequest() {}
func (SetSigBlock) isWorkRequest()          {}

// IsSetter reports whether wr is a configure setter.
func IsSetter(wr WorkRequest) bool {
	switch wr.(type) {
	case SetAccessFlags, SetLayoutList, SetLayoutInterleaved, SetSigBlock:
		return true
	}
	return false
}

// SigType is the signature family of one block domain.
type SigType int

const (
	SigTypeT10DIF SigType = iota
	SigTypeCRC
	SigTypeNVMeDIF
)

// BlockSizeCode is the device encoding of a block size.
type BlockSizeCode int

const (
	BlockSize512 BlockSizeCode = iota
	BlockSize520
	BlockSize4048
	BlockSize4096
	BlockSize4160
)

// CRCType is the device encoding of a CRC type.
type CRCType int

const (
	CRCTypeCRC32 CRCType = iota
	CRCTypeCRC32C
	CRCTypeCRC64XP10
)

// T10DIFBg is the device encoding of a T10-DIF guard type.
type T10DIFBg int

const (
	T10DIFBgCRC T10DIFBg = iota
	T10DIFBgCSUM
)

// T10DIFType is the device encoding of a T10-DIF protection type.
type T10DIFType int

const (
	T10DIFType1 T10DIFType = iota
	T10DIFType3
)

// NVMeDIFFormat is the device encoding of an NVMe-DIF format.
type NVMeDIFFormat int

const (
	NVMeDIFFormat16 NVMeDIFFormat = iota
	NVMeDIFFormat32
	NVMeDIFFormat64
)

// DIF flags shared by T10-DIF and NVMe-DIF domains.
const (
	DIFFlagRefRemap     uint16 = 1 << 0
	DIFFlagAppEscape    uint16 = 1 << 1
	DIFFlagAppRefEscape uint16 = 1 << 2
)

// SigBlockFlagCopyMask makes the device copy the masked trailer bytes.
const SigBlockFlagCopyMask uint32 = 1 << 0

// SigCRC carries CRC domain parameters.
type SigCRC struct {
	Type CRCType
	Seed uint64
}

// SigT10DIF carries T10-DIF domain parameters.
type SigT10DIF struct {
	Type   T10DIFType
	BgType T10DIFBg
	Bg     uint16
	AppTag uint16
	RefTag uint32
	Flags  uint16
}

// SigNVMeDIF carries NVMe-DIF domain parameters.
type SigNVMeDIF struct {
	Format          NVMeDIFFormat
	Flags           uint16
	Seed            uint64
	StorageTag      uint64
	RefTag          uint64
	STS             uint8
	AppTag          uint16
	AppTagCheck     uint8
	StorageTagCheck uint8
}

// SigBlockDomain is one side of a block signature configuration. Exactly
// one of CRC, DIF and NVMe is set, matching Type.
type SigBlockDomain struct {
	Type      SigType
	BlockSize BlockSizeCode
	CRC       *SigCRC
	DIF       *SigT10DIF
	NVMe      *SigNVMeDIF
}

// SigBlockAttr is the block signature attribute set. A nil domain carries
// no signature.
type SigBlockAttr struct {
	Mem       *SigBlockDomain
	Wire      *SigBlockDomain
	Flags     uint32
	CheckMask uint8
	CopyMask  uint8
}
