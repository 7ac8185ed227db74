// Package verbs defines the narrow RDMA device contract used by memory keys
// and the conformance runner.
//
// It models the libibverbs / mlx5dv objects the harness drives: device
// contexts, protection domains, memory regions, indirect memory keys, queue
// pairs with the batched work-request API (wr_start, post, wr_complete) and
// completion queues. Constants mirror the device ABI values so that a
// hardware backend can pass them through unchanged.
//
// The only backend shipped is the emulated NIC in package sim.
package verbs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/caps"
)

// Verbs errors.
var (
	ErrNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound = errors.New("RDMA device not found")
	ErrClosed         = errors.New("verbs object closed")
	ErrNoCompletion   = errors.New("no completion")
	ErrBadHandle      = errors.New("handle does not belong to this device")
)

// StatusError is a synchronous device rejection: a verbs call or a work
// request batch refused with an errno.
type StatusError struct {
	Op    string
	Errno unix.Errno
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

func (e *StatusError) Unwrap() error {
	return e.Errno
}

// Status returns the errno carried by err: 0 for nil, the StatusError errno
// when present, EIO otherwise.
func Status(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Provider enumerates and opens devices.
type Provider interface {
	Devices() ([]DeviceInfo, error)
	Open(name string) (Context, error)
}

// DeviceInfo describes one RDMA device.
type DeviceInfo struct {
	Name         string `json:"name" yaml:"name"`
	FWVer        string `json:"fw_ver" yaml:"fw_ver"`
	GUID         uint64 `json:"guid" yaml:"guid"`
	VendorID     uint32 `json:"vendor_id" yaml:"vendor_id"`
	VendorPartID uint32 `json:"vendor_part_id" yaml:"vendor_part_id"`
	PhysPortCnt  int    `json:"phys_port_cnt" yaml:"phys_port_cnt"`
}

// Context is an open device.
type Context interface {
	Name() string
	QueryCaps() (caps.Snapshot, error)
	AllocPD() (ProtectionDomain, error)
	CreateCQ(depth int) (CompletionQueue, error)
	CreateQP(pd ProtectionDomain, cq CompletionQueue, cfg QPConfig) (QueuePair, error)
	Close() error
}

// ProtectionDomain registers memory and creates memory keys.
type ProtectionDomain interface {
	RegisterMemory(buf []byte, access Access) (MemoryRegion, error)
	CreateMkey(attr MkeyAttr) (DeviceMkey, error)
	Close() error
}

// MemoryRegion is registered memory. Bytes returns the registered buffer
// itself; device writes are visible through it.
type MemoryRegion interface {
	Addr() uint64
	Len() int
	LKey() uint32
	RKey() uint32
	Bytes() []byte
	SGE() SGE
	Close() error
}

// DeviceMkey is an indirect memory key created on a protection domain.
type DeviceMkey interface {
	LKey() uint32
	RKey() uint32
	// Check returns and clears the latched signature error.
	Check() (MkeyErr, error)
	// IncTag advances the 8-bit tag of the key.
	IncTag() error
	Close() error
}

// QueuePair posts work. Requests posted between WRStart and WRComplete form
// one batch; nothing reaches the device before WRComplete.
type QueuePair interface {
	Num() uint32
	Connect(remote QueuePair) error
	WRStart()
	WRComplete() error
	// SetWRID and SetWRFlags apply to the next posted request.
	SetWRID(id uint64)
	SetWRFlags(flags SendFlags)
	Post(wr WorkRequest)
	PostRecv(wrID uint64, sge SGE) error
	// CancelPosted drops requests with wrID that were posted but not yet
	// executed and returns how many were dropped.
	CancelPosted(wrID uint64) (int, error)
	ModifyToRTS() error
	State() QPState
	Close() error
}

// CompletionQueue delivers completions in FIFO order. Poll never blocks.
type CompletionQueue interface {
	Poll() (WorkCompletion, bool, error)
	Close() error
}

// Access is the ibv access flag set.
type Access uint32

const (
	AccessLocalWrite   Access = 1 << 0
	AccessRemoteWrite  Access = 1 << 1
	AccessRemoteRead   Access = 1 << 2
	AccessRemoteAtomic Access = 1 << 3
)

// SendFlags is the ibv send flag set.
type SendFlags uint32

const (
	SendFence     SendFlags = 1 << 0
	SendSignaled  SendFlags = 1 << 1
	SendSolicited SendFlags = 1 << 2
	SendInline    SendFlags = 1 << 3
)

// MkeyFlags are memory key creation flags.
type MkeyFlags uint32

const (
	MkeyFlagIndirect       MkeyFlags = 1 << 0
	MkeyFlagBlockSignature MkeyFlags = 1 << 1
	MkeyFlagCrypto         MkeyFlags = 1 << 2
	MkeyFlagUpdateTag      MkeyFlags = 1 << 3
)

// MkeyAttr are the memory key creation attributes.
type MkeyAttr struct {
	MaxEntries  uint16
	CreateFlags MkeyFlags
}

// SGE is a scatter/gather entry.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// QPState is the queue pair state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

var qpStateNames = [...]string{"RESET", "INIT", "RTR", "RTS", "SQD", "SQE", "ERR"}

func (s QPState) String() string {
	if s >= 0 && int(s) < len(qpStateNames) {
		return qpStateNames[s]
	}
	return fmt.Sprintf("QPState(%d)", int(s))
}

// QPConfig sizes a queue pair.
type QPConfig struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
	// SigPipelining holds requests that follow a transfer with a signature
	// error until ModifyToRTS.
	SigPipelining bool
}

// DefaultQPConfig returns the queue pair sizing used by the harness.
func DefaultQPConfig() QPConfig {
	return QPConfig{
		MaxSendWR:     128,
		MaxRecvWR:     32,
		MaxSendSge:    16,
		MaxRecvSge:    4,
		MaxInlineData: 512,
	}
}

// WCStatus is the work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:             "success",
	WCLocalLenErr:         "local length error",
	WCLocalQPOpErr:        "local QP operation error",
	WCLocalProtErr:        "local protection error",
	WCWRFlushErr:          "work request flushed",
	WCLocalAccessErr:      "local access error",
	WCRemoteInvalidReqErr: "remote invalid request",
	WCRemoteAccessErr:     "remote access error",
	WCRemoteOpErr:         "remote operation error",
	WCRnrRetryExcErr:      "RNR retry exceeded",
	WCGeneralErr:          "general error",
}

func (s WCStatus) String() string {
	if n, ok := wcStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// WCOpcode is the work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
	WCOpRecv
	WCOpRecvRDMAWithImm
	// WCOpMkeyConfigure is the driver-specific opcode of a configure request.
	WCOpMkeyConfigure
)

var wcOpcodeNames = map[WCOpcode]string{
	WCOpSend:          "send",
	WCOpRDMAWrite:     "rdma_write",
	WCOpRDMARead:      "rdma_read",
	WCOpLocalInv:      "local_inv",
	WCOpRecv:          "recv",
	WCOpMkeyConfigure: "mkey_configure",
}

func (o WCOpcode) String() string {
	if n, ok := wcOpcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("WCOpcode(%d)", int(o))
}

// WorkCompletion is one completion queue entry.
type WorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	QPN     uint32
}

// MkeyErrType is the kind of a latched signature error.
type MkeyErrType int

const (
	MkeyNoErr MkeyErrType = iota
	MkeyErrBadGuard
	MkeyErrBadRefTag
	MkeyErrBadAppTag
	MkeyErrBadStorageTag
)

var mkeyErrNames = [...]string{"none", "bad guard", "bad reftag", "bad apptag", "bad storage tag"}

func (t MkeyErrType) String() string {
	if t >= 0 && int(t) < len(mkeyErrNames) {
		return mkeyErrNames[t]
	}
	return fmt.Sprintf("MkeyErrType(%d)", int(t))
}

// MkeyErr is the signature error latched on a memory key. Actual, Expected
// and Offset are meaningful only when Type is not MkeyNoErr.
type MkeyErr struct {
	Type     MkeyErrType
	Actual   uint64
	Expected uint64
	Offset   uint64
}
