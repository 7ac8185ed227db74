package sim

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/verbs"
)

type queuePair struct {
	b     *Backend
	pd    *protectionDomain
	cq    *completionQueue
	peer  *queuePair
	cfg   verbs.QPConfig
	state verbs.QPState
	num   uint32

	// Batch state between WRStart and WRComplete.
	inBatch  bool
	batch    []posted
	batchErr unix.Errno
	open     *openConfig
	wrID     uint64
	wrFlags  verbs.SendFlags

	// Requests held while the queue is drained after a signature error.
	held  []posted
	recvs []recvRequest
}

// posted is a validated request waiting for execution.
type posted struct {
	wr    verbs.WorkRequest
	cfg   *mkeyConfig
	mk    *mkey
	wrID  uint64
	flags verbs.SendFlags
}

type openConfig struct {
	posted
	remaining int
	layoutSet bool
}

type recvRequest struct {
	wrID uint64
	sge  verbs.SGE
}

func (q *queuePair) Num() uint32 { return q.num }

func (q *queuePair) Connect(remote verbs.QueuePair) error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	r, ok := remote.(*queuePair)
	if !ok || r.b != q.b {
		return verbs.ErrBadHandle
	}
	if q.state != verbs.QPStateInit {
		return statusErr("modify_qp", unix.EINVAL)
	}
	q.peer = r
	q.state = verbs.QPStateRTS

	return nil
}

func (q *queuePair) State() verbs.QPState {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	return q.state
}

func (q *queuePair) WRStart() {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	q.inBatch = true
	q.batch = nil
	q.batchErr = 0
	q.open = nil
}

func (q *queuePair) SetWRID(id uint64) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	q.wrID = id
}

func (q *queuePair) SetWRFlags(flags verbs.SendFlags) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	q.wrFlags = flags
}

// fail latches the first error of the batch.
func (q *queuePair) fail(errno unix.Errno) {
	if q.batchErr == 0 {
		q.batchErr = errno
	}
}

func (q *queuePair) Post(wr verbs.WorkRequest) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	if !q.inBatch {
		q.fail(unix.EINVAL)
		return
	}
	if q.batchErr != 0 {
		return
	}

	p := posted{wr: wr, wrID: q.wrID, flags: q.wrFlags}

	switch w := wr.(type) {
	case verbs.MkeyConfigure:
		if q.open != nil {
			q.fail(unix.EINVAL)
			return
		}
		mk := q.b.lookupMkey(w.Key)
		if mk == nil || mk.pd != q.pd || mk.attr.CreateFlags&verbs.MkeyFlagIndirect == 0 || w.NumSetters <= 0 {
			q.fail(unix.EINVAL)
			return
		}
		p.mk = mk
		p.cfg = &mkeyConfig{access: verbs.AccessLocalWrite}
		q.open = &openConfig{posted: p, remaining: w.NumSetters}

	case verbs.SetAccessFlags, verbs.SetLayoutList, verbs.SetLayoutInterleaved, verbs.SetSigBlock:
		if q.open == nil {
			q.fail(unix.EINVAL)
			return
		}
		if errno := q.applySetter(wr); errno != 0 {
			q.fail(errno)
			return
		}
		q.open.remaining--
		if q.open.remaining == 0 {
			q.batch = append(q.batch, q.open.posted)
			q.open = nil
		}

	default:
		if q.open != nil {
			q.fail(unix.EINVAL)
			return
		}
		q.batch = append(q.batch, p)
	}
}

// applySetter validates a setter against the key being configured and
// records it. Caller holds b.mu.
func (q *queuePair) applySetter(wr verbs.WorkRequest) unix.Errno {
	mk, cfg := q.open.mk, q.open.cfg

	switch w := wr.(type) {
	case verbs.SetAccessFlags:
		cfg.access = w.Access

	case verbs.SetLayoutList:
		if q.open.layoutSet || len(w.Entries) == 0 || len(w.Entries) > int(mk.attr.MaxEntries) {
			return unix.EINVAL
		}
		for _, e := range w.Entries {
			cfg.segments = append(cfg.segments, segment{addr: e.Addr, len: int(e.Length), lkey: e.LKey})
		}
		q.open.layoutSet = true

	case verbs.SetLayoutInterleaved:
		if q.open.layoutSet || len(w.Entries) == 0 || len(w.Entries) > int(mk.attr.MaxEntries) || w.RepeatCount == 0 {
			return unix.EINVAL
		}
		for r := uint32(0); r < w.RepeatCount; r++ {
			for _, e := range w.Entries {
				stride := uint64(e.ByteCount) + uint64(e.SkipCount)
				cfg.segments = append(cfg.segments, segment{
					addr: e.Addr + uint64(r)*stride,
					len:  int(e.ByteCount),
					lkey: e.LKey,
				})
			}
		}
		q.open.layoutSet = true

	case verbs.SetSigBlock:
		if mk.attr.CreateFlags&verbs.MkeyFlagBlockSignature == 0 {
			return unix.EOPNOTSUPP
		}
		bc, err := decodeSigBlock(w.Attr)
		if err != nil {
			return unix.EINVAL
		}
		if !q.b.opts.Caps.SupportsBlock(bc.BlockConfig) {
			return unix.EOPNOTSUPP
		}
		cfg.hasSig = true
		cfg.block = bc
	}

	return 0
}

func (q *queuePair) WRComplete() error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	if !q.inBatch {
		return statusErr("wr_complete", unix.EINVAL)
	}
	q.inBatch = false

	errno := q.batchErr
	if errno == 0 && q.open != nil {
		errno = unix.EINVAL
	}
	if errno == 0 && (q.state == verbs.QPStateInit || q.state == verbs.QPStateReset) {
		errno = unix.EINVAL
	}
	batch := q.batch
	q.batch, q.open = nil, nil

	if errno != 0 {
		atomic.AddInt64(&q.b.metrics.BatchesRejected, 1)
		q.b.logger.Debug().Uint32("qpn", q.num).Str("errno", errno.Error()).Msg("Work request batch rejected")
		return statusErr("wr_complete", errno)
	}

	q.submit(batch)

	return nil
}

// submit executes requests in order, holding everything once the queue is
// drained. Caller holds b.mu.
func (q *queuePair) submit(batch []posted) {
	for i, p := range batch {
		if q.state == verbs.QPStateSQD {
			q.held = append(q.held, batch[i:]...)
			return
		}
		q.execute(p)
	}
}

func (q *queuePair) PostRecv(wrID uint64, sge verbs.SGE) error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	if uint32(len(q.recvs)) >= q.cfg.MaxRecvWR {
		return statusErr("post_recv", unix.ENOMEM)
	}
	q.recvs = append(q.recvs, recvRequest{wrID: wrID, sge: sge})

	return nil
}

func (q *queuePair) CancelPosted(wrID uint64) (int, error) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	kept := q.held[:0]
	n := 0
	for _, p := range q.held {
		if p.wrID == wrID {
			n++
			continue
		}
		kept = append(kept, p)
	}
	q.held = kept

	return n, nil
}

func (q *queuePair) ModifyToRTS() error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	switch q.state {
	case verbs.QPStateRTS:
		return nil
	case verbs.QPStateSQD:
	default:
		return statusErr("modify_qp", unix.EINVAL)
	}

	q.state = verbs.QPStateRTS
	held := q.held
	q.held = nil
	q.submit(held)

	return nil
}

func (q *queuePair) Close() error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	delete(q.b.qps, q.num)
	q.state = verbs.QPStateReset

	return nil
}

// complete reports the outcome of p. Errors are always reported and move the
// queue to the error state. Caller holds b.mu.
func (q *queuePair) complete(p posted, status verbs.WCStatus, op verbs.WCOpcode, byteLen int) {
	if status != verbs.WCSuccess {
		atomic.AddInt64(&q.b.metrics.ErrorWCs, 1)
		if status != verbs.WCWRFlushErr {
			q.b.logger.Debug().
				Uint32("qpn", q.num).
				Uint64("wr_id", p.wrID).
				Str("status", status.String()).
				Msg("Work request failed")
		}
		q.state = verbs.QPStateErr
	} else if p.flags&verbs.SendSignaled == 0 {
		return
	}
	q.cq.push(verbs.WorkCompletion{
		WRID:    p.wrID,
		Status:  status,
		Opcode:  op,
		ByteLen: uint32(byteLen),
		QPN:     q.num,
	})
}

func (q *queuePair) execute(p posted) {
	op := opcodeOf(p.wr)
	if q.state == verbs.QPStateErr {
		q.complete(p, verbs.WCWRFlushErr, op, 0)
		return
	}

	switch w := p.wr.(type) {
	case verbs.MkeyConfigure:
		p.mk.cfg = p.cfg
		atomic.AddInt64(&q.b.metrics.MkeyConfigures, 1)
		q.complete(p, verbs.WCSuccess, op, 0)

	case verbs.LocalInvalidate:
		mk := q.b.lookupMkey(w.Key)
		if mk == nil || mk.pd != q.pd {
			q.complete(p, verbs.WCLocalQPOpErr, op, 0)
			return
		}
		mk.cfg = nil
		atomic.AddInt64(&q.b.metrics.Invalidates, 1)
		q.complete(p, verbs.WCSuccess, op, 0)

	case verbs.RDMARead:
		atomic.AddInt64(&q.b.metrics.RDMAReads, 1)
		q.rdmaRead(p, w)

	case verbs.RDMAWrite:
		atomic.AddInt64(&q.b.metrics.RDMAWrites, 1)
		q.rdmaWrite(p, w)

	case verbs.Send:
		atomic.AddInt64(&q.b.metrics.Sends, 1)
		q.send(p, w)
	}
}

func opcodeOf(wr verbs.WorkRequest) verbs.WCOpcode {
	switch wr.(type) {
	case verbs.RDMARead:
		return verbs.WCOpRDMARead
	case verbs.RDMAWrite:
		return verbs.WCOpRDMAWrite
	case verbs.Send:
		return verbs.WCOpSend
	case verbs.LocalInvalidate:
		return verbs.WCOpLocalInv
	}
	return verbs.WCOpMkeyConfigure
}

// afterTransfer completes a data transfer and drains the queue if a
// signature error was detected on a pipelining queue pair.
func (q *queuePair) afterTransfer(p posted, status verbs.WCStatus, n int, sigErr bool) {
	q.complete(p, status, opcodeOf(p.wr), n)
	if status == verbs.WCSuccess && sigErr && q.cfg.SigPipelining {
		q.state = verbs.QPStateSQD
	}
}

func (q *queuePair) rdmaRead(p posted, w verbs.RDMARead) {
	n := sgeLength(w.Local)
	remote, st := q.remoteTarget(w.RKey, w.RemoteAddr, verbs.AccessRemoteRead)
	if st != verbs.WCSuccess {
		q.complete(p, st, verbs.WCOpRDMARead, 0)
		return
	}
	wire, srcErr, st := remote.produce(n)
	if st != verbs.WCSuccess {
		q.complete(p, remoteStatus(st), verbs.WCOpRDMARead, 0)
		return
	}
	dstErr, st := q.scatter(w.Local, wire)
	q.afterTransfer(p, st, n, srcErr || dstErr)
}

func (q *queuePair) rdmaWrite(p posted, w verbs.RDMAWrite) {
	n := sgeLength(w.Local)
	wire, srcErr, st := q.gather(w.Local)
	if st != verbs.WCSuccess {
		q.complete(p, st, verbs.WCOpRDMAWrite, 0)
		return
	}
	remote, st := q.remoteTarget(w.RKey, w.RemoteAddr, verbs.AccessRemoteWrite)
	if st != verbs.WCSuccess {
		q.complete(p, st, verbs.WCOpRDMAWrite, 0)
		return
	}
	dstErr, st := remote.consume(wire)
	q.afterTransfer(p, remoteStatus(st), n, srcErr || dstErr)
}

func (q *queuePair) send(p posted, w verbs.Send) {
	peer := q.peer
	if peer == nil || len(peer.recvs) == 0 {
		q.complete(p, verbs.WCRnrRetryExcErr, verbs.WCOpSend, 0)
		return
	}
	wire, srcErr, st := q.gather(w.Local)
	if st != verbs.WCSuccess {
		q.complete(p, st, verbs.WCOpSend, 0)
		return
	}

	recv := peer.recvs[0]
	peer.recvs = peer.recvs[1:]
	rp := posted{wrID: recv.wrID, flags: verbs.SendSignaled}
	if len(wire) > int(recv.sge.Length) {
		peer.complete(rp, verbs.WCLocalLenErr, verbs.WCOpRecv, 0)
		q.complete(p, verbs.WCRemoteOpErr, verbs.WCOpSend, 0)
		return
	}
	dstErr, rst := peer.scatter([]verbs.SGE{{Addr: recv.sge.Addr, Length: uint32(len(wire)), LKey: recv.sge.LKey}}, wire)
	peer.complete(rp, rst, verbs.WCOpRecv, len(wire))
	if rst != verbs.WCSuccess {
		q.complete(p, verbs.WCRemoteOpErr, verbs.WCOpSend, 0)
		return
	}
	q.afterTransfer(p, verbs.WCSuccess, len(wire), srcErr || dstErr)
	if dstErr && peer.cfg.SigPipelining {
		peer.state = verbs.QPStateSQD
	}
}

func sgeLength(sges []verbs.SGE) int {
	n := 0
	for _, s := range sges {
		n += int(s.Length)
	}
	return n
}

// remoteStatus maps a failure on the responder to the status the requester
// observes.
func remoteStatus(st verbs.WCStatus) verbs.WCStatus {
	switch st {
	case verbs.WCSuccess:
		return st
	case verbs.WCLocalLenErr:
		return verbs.WCRemoteInvalidReqErr
	case verbs.WCLocalProtErr:
		return verbs.WCRemoteAccessErr
	}
	return verbs.WCRemoteOpErr
}
