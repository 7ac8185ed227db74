package sim

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/verbs"
)

type mkey struct {
	b     *Backend
	pd    *protectionDomain
	attr  verbs.MkeyAttr
	cfg   *mkeyConfig
	err   verbs.MkeyErr
	index uint32
	tag   uint8
}

// segment is one contiguous piece of a key layout, in layout order.
type segment struct {
	addr uint64
	len  int
	lkey uint32
}

// mkeyConfig is what a configure batch binds to a key.
type mkeyConfig struct {
	access   verbs.Access
	segments []segment
	hasSig   bool
	block    blockConfig
}

func (c *mkeyConfig) length() int {
	n := 0
	for _, s := range c.segments {
		n += s.len
	}
	return n
}

func (m *mkey) key() uint32 {
	return m.index<<8 | uint32(m.tag)
}

func (m *mkey) LKey() uint32 {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	return m.key()
}

func (m *mkey) RKey() uint32 {
	return m.LKey()
}

func (m *mkey) Check() (verbs.MkeyErr, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	if m.b.keys[m.index] == nil {
		return verbs.MkeyErr{}, verbs.ErrClosed
	}
	e := m.err
	m.err = verbs.MkeyErr{}

	return e, nil
}

func (m *mkey) IncTag() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	if !m.b.opts.Caps.MkeyUpdateTag {
		return statusErr("mkey_inc_tag", unix.EOPNOTSUPP)
	}
	if m.attr.CreateFlags&verbs.MkeyFlagUpdateTag == 0 {
		return statusErr("mkey_inc_tag", unix.EINVAL)
	}
	m.tag++

	return nil
}

func (m *mkey) Close() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	if m.b.keys[m.index] == nil {
		return verbs.ErrClosed
	}
	delete(m.b.keys, m.index)

	return nil
}

// latch records a signature error unless one is already pending.
func (m *mkey) latch(e verbs.MkeyErr) {
	atomic.AddInt64(&m.b.metrics.SigErrors, 1)
	if m.err.Type != verbs.MkeyNoErr {
		return
	}
	m.err = e
	m.b.logger.Debug().
		Uint32("mkey", m.key()).
		Str("type", e.Type.String()).
		Uint64("actual", e.Actual).
		Uint64("expected", e.Expected).
		Uint64("offset", e.Offset).
		Msg("Signature error latched")
}

// segmentBytes resolves one layout segment to registered memory.
func (m *mkey) segmentBytes(s segment) ([]byte, verbs.WCStatus) {
	e := m.b.lookup(s.lkey)
	if e == nil || e.mr == nil {
		return nil, verbs.WCLocalProtErr
	}
	buf, ok := e.mr.slice(s.addr, s.len)
	if !ok {
		return nil, verbs.WCLocalProtErr
	}
	return buf, verbs.WCSuccess
}

// readLayout gathers n bytes starting at off from the layout.
func (m *mkey) readLayout(off, n int) ([]byte, verbs.WCStatus) {
	if off < 0 || off+n > m.cfg.length() {
		return nil, verbs.WCLocalLenErr
	}
	out := make([]byte, 0, n)
	for _, s := range m.cfg.segments {
		if n == 0 {
			break
		}
		if off >= s.len {
			off -= s.len
			continue
		}
		buf, st := m.segmentBytes(s)
		if st != verbs.WCSuccess {
			return nil, st
		}
		chunk := buf[off:]
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		out = append(out, chunk...)
		n -= len(chunk)
		off = 0
	}
	return out, verbs.WCSuccess
}

// writeLayout scatters data into the layout starting at off.
func (m *mkey) writeLayout(off int, data []byte) verbs.WCStatus {
	if off < 0 || off+len(data) > m.cfg.length() {
		return verbs.WCLocalLenErr
	}
	for _, s := range m.cfg.segments {
		if len(data) == 0 {
			break
		}
		if off >= s.len {
			off -= s.len
			continue
		}
		buf, st := m.segmentBytes(s)
		if st != verbs.WCSuccess {
			return st
		}
		n := copy(buf[off:], data)
		data = data[n:]
		off = 0
	}
	return verbs.WCSuccess
}

// produce emits n wire bytes starting at key offset off. A key with a
// signature converts its memory stream to the wire domain on the way out.
func (m *mkey) produce(off uint64, n int) ([]byte, bool, verbs.WCStatus) {
	if m.cfg == nil {
		return nil, false, verbs.WCLocalProtErr
	}
	if !m.cfg.hasSig || m.cfg.block.IsNone() {
		buf, st := m.readLayout(int(off), n)
		return buf, false, st
	}
	if off != 0 {
		return nil, false, verbs.WCLocalLenErr
	}

	bc := m.cfg.block
	memLen := memLength(bc, n)
	mem, st := m.readLayout(0, memLen)
	if st != verbs.WCSuccess {
		return nil, false, st
	}
	data, trailers, sigErr := m.fromDomain(bc.Mem, mem)
	wire := toDomain(bc.Wire, data, trailers, bc, bc.Mem)
	if len(wire) != n {
		return nil, sigErr, verbs.WCLocalLenErr
	}
	return wire, sigErr, verbs.WCSuccess
}

// consume accepts wire bytes at key offset off. A key with a signature
// checks and strips the wire domain and materializes the memory domain.
func (m *mkey) consume(off uint64, wire []byte) (bool, verbs.WCStatus) {
	if m.cfg == nil {
		return false, verbs.WCLocalProtErr
	}
	if !m.cfg.hasSig || m.cfg.block.IsNone() {
		return false, m.writeLayout(int(off), wire)
	}
	if off != 0 {
		return false, verbs.WCLocalLenErr
	}

	bc := m.cfg.block
	data, trailers, sigErr := m.fromDomain(bc.Wire, wire)
	mem := toDomain(bc.Mem, data, trailers, bc, bc.Wire)
	return sigErr, m.writeLayout(0, mem)
}
