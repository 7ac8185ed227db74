package sim

import (
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// endpoint is one side of a transfer: a registered region at an absolute
// address or a memory key at a zero-based offset.
type endpoint struct {
	mr   *memoryRegion
	mk   *mkey
	addr uint64
}

func (e endpoint) produce(n int) ([]byte, bool, verbs.WCStatus) {
	if e.mk != nil {
		return e.mk.produce(e.addr, n)
	}
	buf, ok := e.mr.slice(e.addr, n)
	if !ok {
		return nil, false, verbs.WCLocalProtErr
	}
	out := make([]byte, n)
	copy(out, buf)
	return out, false, verbs.WCSuccess
}

func (e endpoint) consume(wire []byte) (bool, verbs.WCStatus) {
	if e.mk != nil {
		return e.mk.consume(e.addr, wire)
	}
	buf, ok := e.mr.slice(e.addr, len(wire))
	if !ok {
		return false, verbs.WCLocalProtErr
	}
	copy(buf, wire)
	return false, verbs.WCSuccess
}

func accessOf(e *keyEntry) (verbs.Access, bool) {
	if e.mr != nil {
		return e.mr.access, true
	}
	if e.mk.cfg == nil {
		return 0, false
	}
	return e.mk.cfg.access, true
}

// localTarget resolves a local entry posted on q.
func (q *queuePair) localTarget(sge verbs.SGE, need verbs.Access) (endpoint, verbs.WCStatus) {
	e := q.b.lookup(sge.LKey)
	if e == nil {
		return endpoint{}, verbs.WCLocalProtErr
	}
	access, ok := accessOf(e)
	if !ok || access&need != need {
		return endpoint{}, verbs.WCLocalProtErr
	}
	if (e.mr != nil && e.mr.pd != q.pd) || (e.mk != nil && e.mk.pd != q.pd) {
		return endpoint{}, verbs.WCLocalProtErr
	}
	return endpoint{mr: e.mr, mk: e.mk, addr: sge.Addr}, verbs.WCSuccess
}

// remoteTarget resolves an rkey on the connected peer.
func (q *queuePair) remoteTarget(rkey uint32, addr uint64, need verbs.Access) (endpoint, verbs.WCStatus) {
	if q.peer == nil {
		return endpoint{}, verbs.WCRemoteInvalidReqErr
	}
	e := q.b.lookup(rkey)
	if e == nil {
		return endpoint{}, verbs.WCRemoteAccessErr
	}
	access, ok := accessOf(e)
	if !ok || access&need != need {
		return endpoint{}, verbs.WCRemoteAccessErr
	}
	if (e.mr != nil && e.mr.pd != q.peer.pd) || (e.mk != nil && e.mk.pd != q.peer.pd) {
		return endpoint{}, verbs.WCRemoteAccessErr
	}
	return endpoint{mr: e.mr, mk: e.mk, addr: addr}, verbs.WCSuccess
}

// gather reads the local entries in order and concatenates their wire bytes.
func (q *queuePair) gather(sges []verbs.SGE) ([]byte, bool, verbs.WCStatus) {
	var (
		out    []byte
		sigErr bool
	)
	for _, s := range sges {
		t, st := q.localTarget(s, 0)
		if st != verbs.WCSuccess {
			return nil, sigErr, st
		}
		buf, bad, st := t.produce(int(s.Length))
		sigErr = sigErr || bad
		if st != verbs.WCSuccess {
			return nil, sigErr, st
		}
		out = append(out, buf...)
	}
	return out, sigErr, verbs.WCSuccess
}

// scatter writes wire bytes across the local entries in order.
func (q *queuePair) scatter(sges []verbs.SGE, wire []byte) (bool, verbs.WCStatus) {
	sigErr := false
	for _, s := range sges {
		if len(wire) < int(s.Length) {
			return sigErr, verbs.WCLocalLenErr
		}
		t, st := q.localTarget(s, verbs.AccessLocalWrite)
		if st != verbs.WCSuccess {
			return sigErr, st
		}
		bad, st := t.consume(wire[:s.Length])
		sigErr = sigErr || bad
		if st != verbs.WCSuccess {
			return sigErr, st
		}
		wire = wire[s.Length:]
	}
	return sigErr, verbs.WCSuccess
}
