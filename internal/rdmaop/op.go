package rdmaop

import (
	"fmt"
	"sort"

	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Op is an RDMA data movement from src to dst. The SGEs name the memory on
// each side; remote SGEs are addressed with their LKey, which memory keys
// share with their RKey.
type Op interface {
	Name() string
	// WRSubmit posts the operation into the batch already open on the
	// initiating side.
	WRSubmit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE)
	// Submit opens a batch, posts the operation and completes the batch.
	Submit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE) error
	// Complete checks the completions each side is expected to observe.
	Complete(src, dst *Side, srcStatus, dstStatus verbs.WCStatus) error
}

// Work request ids used for transfers.
const (
	TransferWRID uint64 = 0x10
	RecvWRID     uint64 = 0x11
)

func start(s *Side) {
	s.QP.WRStart()
	s.QP.SetWRID(TransferWRID)
}

// Read is an RDMA read issued by the destination.
type Read struct{}

func (Read) Name() string { return "read" }

func (Read) WRSubmit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE) {
	dst.QP.SetWRFlags(verbs.SendSignaled)
	dst.QP.Post(verbs.RDMARead{Local: []verbs.SGE{dstSGE}, RemoteAddr: srcSGE.Addr, RKey: srcSGE.LKey})
}

func (r Read) Submit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE) error {
	start(dst)
	r.WRSubmit(src, srcSGE, dst, dstSGE)
	return Complete(dst.QP, 0)
}

// Complete expects the read completion on dst and nothing on src.
func (Read) Complete(src, dst *Side, _, dstStatus verbs.WCStatus) error {
	if err := dst.CheckCompletion(dstStatus); err != nil {
		return err
	}
	return src.TriggerPoll()
}

// Write is an RDMA write issued by the source.
type Write struct{}

func (Write) Name() string { return "write" }

func (Write) WRSubmit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE) {
	src.QP.SetWRFlags(verbs.SendSignaled)
	src.QP.Post(verbs.RDMAWrite{Local: []verbs.SGE{srcSGE}, RemoteAddr: dstSGE.Addr, RKey: dstSGE.LKey})
}

func (w Write) Submit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE) error {
	start(src)
	w.WRSubmit(src, srcSGE, dst, dstSGE)
	return Complete(src.QP, 0)
}

// Complete expects the write completion on src and nothing on dst.
func (Write) Complete(src, dst *Side, srcStatus, _ verbs.WCStatus) error {
	if err := src.CheckCompletion(srcStatus); err != nil {
		return err
	}
	return dst.TriggerPoll()
}

// Send is a two-sided send matched by a receive posted on the destination.
type Send struct{}

func (Send) Name() string { return "send" }

// WRSubmit posts the send only; Submit also posts the matching receive.
func (Send) WRSubmit(src *Side, srcSGE verbs.SGE, _ *Side, _ verbs.SGE) {
	src.QP.SetWRFlags(verbs.SendSignaled)
	src.QP.Post(verbs.Send{Local: []verbs.SGE{srcSGE}})
}

func (s Send) Submit(src *Side, srcSGE verbs.SGE, dst *Side, dstSGE verbs.SGE) error {
	if err := dst.QP.PostRecv(RecvWRID, dstSGE); err != nil {
		return fmt.Errorf("%s: post recv: %w", dst.Name, err)
	}
	start(src)
	s.WRSubmit(src, srcSGE, dst, dstSGE)
	return Complete(src.QP, 0)
}

// Complete expects the send completion on src and the receive completion
// on dst.
func (Send) Complete(src, dst *Side, srcStatus, dstStatus verbs.WCStatus) error {
	if err := src.CheckCompletionOp(verbs.WCOpSend, srcStatus); err != nil {
		return err
	}
	return dst.CheckCompletionOp(verbs.WCOpRecv, dstStatus)
}

var ops = map[string]Op{
	Read{}.Name():  Read{},
	Write{}.Name(): Write{},
	Send{}.Name():  Send{},
}

// ByName returns the operation registered under name.
func ByName(name string) (Op, error) {
	op, ok := ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown rdma operation %q", name)
	}
	return op, nil
}

// Names lists the registered operations.
func Names() []string {
	names := make([]string, 0, len(ops))
	for n := range ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

