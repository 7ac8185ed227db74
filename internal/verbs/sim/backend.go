// Package sim is an emulated RDMA NIC with memory key signature offload.
//
// It implements the verbs contracts in software so the harness can run
// without hardware: memory registration, indirect memory keys with list and
// interleaved layouts, batched work requests, RDMA read/write/send through a
// loopback fabric, and per-block signature generation, checking and
// stripping with the device's trailer formats. Signature errors latch on the
// key that detected them, exactly once, until the key is checked.
package sim

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Options configure the emulated device.
type Options struct {
	Caps    caps.Snapshot
	Devices []verbs.DeviceInfo
}

// Option adjusts Options.
type Option func(*Options)

// WithCaps replaces the advertised capability snapshot.
func WithCaps(c caps.Snapshot) Option {
	return func(o *Options) { o.Caps = c }
}

// WithDevices replaces the device list.
func WithDevices(devices ...verbs.DeviceInfo) Option {
	return func(o *Options) { o.Devices = devices }
}

// DefaultDevices are two ConnectX-6 ports.
func DefaultDevices() []verbs.DeviceInfo {
	return []verbs.DeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000001,
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-6
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000002,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
	}
}

// Backend is the emulated fabric. All devices opened from one Backend share
// a key space so queue pairs on any of them can be connected.
type Backend struct {
	opts        Options
	keys        map[uint32]*keyEntry
	qps         map[uint32]*queuePair
	metrics     *simMetrics
	logger      zerolog.Logger
	nextIndex   uint32
	nextAddr    uint64
	nextQPN     uint32
	mu          sync.Mutex
	initialized bool
}

type keyEntry struct {
	mr *memoryRegion
	mk *mkey
}

type simMetrics struct {
	DevicesOpened   int64
	PDsCreated      int64
	CQsCreated      int64
	QPsCreated      int64
	MRsRegistered   int64
	MkeysCreated    int64
	MkeyConfigures  int64
	Invalidates     int64
	RDMAReads       int64
	RDMAWrites      int64
	Sends           int64
	BatchesRejected int64
	SigErrors       int64
	Completions     int64
	ErrorWCs        int64
}

// New creates a backend. Without options it advertises every capability and
// the DefaultDevices.
func New(opts ...Option) *Backend {
	o := Options{Caps: caps.Full(), Devices: DefaultDevices()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Backend{
		opts:     o,
		keys:     make(map[uint32]*keyEntry),
		qps:      make(map[uint32]*queuePair),
		metrics:  &simMetrics{},
		logger:   log.With().Str("component", "verbs-sim").Logger(),
		nextAddr: 0x7f0000000000,
		nextQPN:  0x100,
	}
}

// Init brings the backend up. Repeated calls are no-ops.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = true

	return nil
}

// Close drops every object created on the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.keys = make(map[uint32]*keyEntry)
	b.qps = make(map[uint32]*queuePair)
	b.initialized = false

	return nil
}

// Devices lists the emulated devices.
func (b *Backend) Devices() ([]verbs.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, verbs.ErrNotInitialized
	}

	result := make([]verbs.DeviceInfo, len(b.opts.Devices))
	copy(result, b.opts.Devices)

	return result, nil
}

// Open opens the named device.
func (b *Backend) Open(name string) (verbs.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, verbs.ErrNotInitialized
	}

	for _, d := range b.opts.Devices {
		if d.Name == name {
			atomic.AddInt64(&b.metrics.DevicesOpened, 1)
			b.logger.Debug().Str("device", name).Msg("Opened device")
			return &deviceContext{b: b, info: d}, nil
		}
	}

	return nil, verbs.ErrDeviceNotFound
}

// GetMetrics returns backend counters.
func (b *Backend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"devices_opened":   atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":      atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":      atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":      atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered":   atomic.LoadInt64(&b.metrics.MRsRegistered),
		"mkeys_created":    atomic.LoadInt64(&b.metrics.MkeysCreated),
		"mkey_configures":  atomic.LoadInt64(&b.metrics.MkeyConfigures),
		"invalidates":      atomic.LoadInt64(&b.metrics.Invalidates),
		"rdma_reads":       atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":      atomic.LoadInt64(&b.metrics.RDMAWrites),
		"sends":            atomic.LoadInt64(&b.metrics.Sends),
		"batches_rejected": atomic.LoadInt64(&b.metrics.BatchesRejected),
		"sig_errors":       atomic.LoadInt64(&b.metrics.SigErrors),
		"completions":      atomic.LoadInt64(&b.metrics.Completions),
		"error_wcs":        atomic.LoadInt64(&b.metrics.ErrorWCs),
	}
}

// allocIndex returns a fresh key index. Caller holds b.mu.
func (b *Backend) allocIndex() uint32 {
	b.nextIndex++
	return b.nextIndex
}

// lookup resolves a local or remote key. Caller holds b.mu.
func (b *Backend) lookup(key uint32) *keyEntry {
	e, ok := b.keys[key>>8]
	if !ok {
		return nil
	}
	switch {
	case e.mr != nil && e.mr.key == key:
		return e
	case e.mk != nil && e.mk.key() == key:
		return e
	}
	return nil
}

func (b *Backend) lookupMkey(key uint32) *mkey {
	if e := b.lookup(key); e != nil {
		return e.mk
	}
	return nil
}

func statusErr(op string, errno unix.Errno) error {
	return &verbs.StatusError{Op: op, Errno: errno}
}

type deviceContext struct {
	b      *Backend
	info   verbs.DeviceInfo
	closed bool
}

func (c *deviceContext) Name() string { return c.info.Name }

func (c *deviceContext) QueryCaps() (caps.Snapshot, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return caps.Snapshot{}, verbs.ErrClosed
	}

	return c.b.opts.Caps, nil
}

func (c *deviceContext) AllocPD() (verbs.ProtectionDomain, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, verbs.ErrClosed
	}
	atomic.AddInt64(&c.b.metrics.PDsCreated, 1)

	return &protectionDomain{b: c.b, ctx: c}, nil
}

func (c *deviceContext) CreateCQ(depth int) (verbs.CompletionQueue, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, verbs.ErrClosed
	}
	if depth <= 0 {
		return nil, statusErr("create_cq", unix.EINVAL)
	}
	atomic.AddInt64(&c.b.metrics.CQsCreated, 1)

	return &completionQueue{b: c.b, depth: depth}, nil
}

func (c *deviceContext) CreateQP(pd verbs.ProtectionDomain, cq verbs.CompletionQueue, cfg verbs.QPConfig) (verbs.QueuePair, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, verbs.ErrClosed
	}
	spd, ok := pd.(*protectionDomain)
	if !ok || spd.b != c.b {
		return nil, verbs.ErrBadHandle
	}
	scq, ok := cq.(*completionQueue)
	if !ok || scq.b != c.b {
		return nil, verbs.ErrBadHandle
	}
	if cfg.MaxSendWR == 0 {
		return nil, statusErr("create_qp", unix.EINVAL)
	}

	c.b.nextQPN++
	qp := &queuePair{
		b:     c.b,
		pd:    spd,
		cq:    scq,
		cfg:   cfg,
		num:   c.b.nextQPN,
		state: verbs.QPStateInit,
	}
	c.b.qps[qp.num] = qp
	atomic.AddInt64(&c.b.metrics.QPsCreated, 1)

	return qp, nil
}

func (c *deviceContext) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.closed = true

	return nil
}

type protectionDomain struct {
	b      *Backend
	ctx    *deviceContext
	closed bool
}

func (pd *protectionDomain) RegisterMemory(buf []byte, access verbs.Access) (verbs.MemoryRegion, error) {
	pd.b.mu.Lock()
	defer pd.b.mu.Unlock()

	if pd.closed {
		return nil, verbs.ErrClosed
	}
	if len(buf) == 0 {
		return nil, statusErr("reg_mr", unix.EINVAL)
	}

	idx := pd.b.allocIndex()
	mr := &memoryRegion{
		b:      pd.b,
		pd:     pd,
		buf:    buf,
		addr:   pd.b.nextAddr,
		key:    idx << 8,
		access: access,
	}
	// Leave a page gap so regions never touch.
	pd.b.nextAddr += (uint64(len(buf))+4095)&^4095 + 4096
	pd.b.keys[idx] = &keyEntry{mr: mr}
	atomic.AddInt64(&pd.b.metrics.MRsRegistered, 1)

	return mr, nil
}

func (pd *protectionDomain) CreateMkey(attr verbs.MkeyAttr) (verbs.DeviceMkey, error) {
	pd.b.mu.Lock()
	defer pd.b.mu.Unlock()

	if pd.closed {
		return nil, verbs.ErrClosed
	}
	c := pd.b.opts.Caps
	if attr.MaxEntries == 0 || uint32(attr.MaxEntries) > c.MaxMkeyEntries {
		return nil, statusErr("create_mkey", unix.EINVAL)
	}
	if attr.CreateFlags&verbs.MkeyFlagUpdateTag != 0 && !c.MkeyUpdateTag {
		return nil, statusErr("create_mkey", unix.EOPNOTSUPP)
	}
	if attr.CreateFlags&verbs.MkeyFlagCrypto != 0 {
		return nil, statusErr("create_mkey", unix.EOPNOTSUPP)
	}

	idx := pd.b.allocIndex()
	mk := &mkey{b: pd.b, pd: pd, index: idx, attr: attr}
	pd.b.keys[idx] = &keyEntry{mk: mk}
	atomic.AddInt64(&pd.b.metrics.MkeysCreated, 1)

	return mk, nil
}

func (pd *protectionDomain) Close() error {
	pd.b.mu.Lock()
	defer pd.b.mu.Unlock()

	for _, e := range pd.b.keys {
		if (e.mr != nil && e.mr.pd == pd) || (e.mk != nil && e.mk.pd == pd) {
			return statusErr("dealloc_pd", unix.EBUSY)
		}
	}
	pd.closed = true

	return nil
}

type memoryRegion struct {
	b      *Backend
	pd     *protectionDomain
	buf    []byte
	addr   uint64
	key    uint32
	access verbs.Access
}

func (mr *memoryRegion) Addr() uint64  { return mr.addr }
func (mr *memoryRegion) Len() int      { return len(mr.buf) }
func (mr *memoryRegion) LKey() uint32  { return mr.key }
func (mr *memoryRegion) RKey() uint32  { return mr.key }
func (mr *memoryRegion) Bytes() []byte { return mr.buf }

func (mr *memoryRegion) SGE() verbs.SGE {
	return verbs.SGE{Addr: mr.addr, Length: uint32(len(mr.buf)), LKey: mr.key}
}

func (mr *memoryRegion) Close() error {
	mr.b.mu.Lock()
	defer mr.b.mu.Unlock()

	delete(mr.b.keys, mr.key>>8)

	return nil
}

// slice returns the n bytes at absolute address addr.
func (mr *memoryRegion) slice(addr uint64, n int) ([]byte, bool) {
	if addr < mr.addr {
		return nil, false
	}
	off := addr - mr.addr
	if off+uint64(n) > uint64(len(mr.buf)) {
		return nil, false
	}
	return mr.buf[off : off+uint64(n)], true
}

type completionQueue struct {
	b       *Backend
	entries []verbs.WorkCompletion
	depth   int
	closed  bool
}

func (cq *completionQueue) Poll() (verbs.WorkCompletion, bool, error) {
	cq.b.mu.Lock()
	defer cq.b.mu.Unlock()

	if cq.closed {
		return verbs.WorkCompletion{}, false, verbs.ErrClosed
	}
	if len(cq.entries) == 0 {
		return verbs.WorkCompletion{}, false, nil
	}

	wc := cq.entries[0]
	cq.entries = cq.entries[1:]
	atomic.AddInt64(&cq.b.metrics.Completions, 1)

	return wc, true, nil
}

func (cq *completionQueue) Close() error {
	cq.b.mu.Lock()
	defer cq.b.mu.Unlock()

	cq.closed = true
	cq.entries = nil

	return nil
}

// push queues a completion. Caller holds b.mu.
func (cq *completionQueue) push(wc verbs.WorkCompletion) {
	if len(cq.entries) >= cq.depth {
		cq.b.logger.Warn().Uint64("wr_id", wc.WRID).Msg("Completion queue overrun, dropping completion")
		return
	}
	cq.entries = append(cq.entries, wc)
}
