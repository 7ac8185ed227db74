// Package rdmaop drives RDMA data movement between two endpoints ("sides")
// of a conformance test: batch submission, completion polling and the
// per-operation rules about which side observes completions.
package rdmaop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/metrics"
	"github.com/piwi3910/mkeyconform/internal/mkey"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Completion errors.
var (
	ErrUnexpectedCompletion = errors.New("unexpected completion")
	ErrStatusMismatch       = errors.New("unexpected batch status")
)

// DefaultCQDepth is the completion queue depth of a side.
const DefaultCQDepth = 64

// CompletionError reports a completion that differs from the expected one.
type CompletionError struct {
	Side       string
	Want       verbs.WCStatus
	WantOpcode verbs.WCOpcode
	Got        verbs.WorkCompletion
}

func (e *CompletionError) Error() string {
	if e.Got.Status != e.Want {
		return fmt.Sprintf("%s: completion status %q, want %q", e.Side, e.Got.Status, e.Want)
	}
	return fmt.Sprintf("%s: completion opcode %s, want %s", e.Side, e.Got.Opcode, e.WantOpcode)
}

// Side is one endpoint: a protection domain with its queue pair and
// completion queue.
type Side struct {
	Name string
	PD   verbs.ProtectionDomain
	CQ   verbs.CompletionQueue
	QP   verbs.QueuePair
}

// NewSide allocates the objects of one endpoint on ctx.
func NewSide(ctx verbs.Context, name string, cfg verbs.QPConfig) (*Side, error) {
	pd, err := ctx.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("%s: alloc pd: %w", name, err)
	}
	cq, err := ctx.CreateCQ(DefaultCQDepth)
	if err != nil {
		_ = pd.Close()
		return nil, fmt.Errorf("%s: create cq: %w", name, err)
	}
	qp, err := ctx.CreateQP(pd, cq, cfg)
	if err != nil {
		_ = cq.Close()
		_ = pd.Close()
		return nil, fmt.Errorf("%s: create qp: %w", name, err)
	}
	return &Side{Name: name, PD: pd, CQ: cq, QP: qp}, nil
}

// Connect connects the queue pairs of a and b to each other.
func Connect(a, b *Side) error {
	if err := a.QP.Connect(b.QP); err != nil {
		return fmt.Errorf("%s: connect: %w", a.Name, err)
	}
	if err := b.QP.Connect(a.QP); err != nil {
		return fmt.Errorf("%s: connect: %w", b.Name, err)
	}
	return nil
}

// PollOne returns the next completion, or verbs.ErrNoCompletion.
func (s *Side) PollOne() (verbs.WorkCompletion, error) {
	wc, ok, err := s.CQ.Poll()
	if err != nil {
		return verbs.WorkCompletion{}, fmt.Errorf("%s: poll: %w", s.Name, err)
	}
	if !ok {
		return verbs.WorkCompletion{}, fmt.Errorf("%s: %w", s.Name, verbs.ErrNoCompletion)
	}
	metrics.RecordCompletion(wc.Opcode.String(), wc.Status.String())
	return wc, nil
}

// TriggerPoll asserts that the completion queue is empty.
func (s *Side) TriggerPoll() error {
	wc, ok, err := s.CQ.Poll()
	if err != nil {
		return fmt.Errorf("%s: poll: %w", s.Name, err)
	}
	if ok {
		return fmt.Errorf("%s: %w: %s %q", s.Name, ErrUnexpectedCompletion, wc.Opcode, wc.Status)
	}
	return nil
}

// CheckCompletion polls one completion and compares its status.
func (s *Side) CheckCompletion(want verbs.WCStatus) error {
	wc, err := s.PollOne()
	if err != nil {
		return err
	}
	if wc.Status != want {
		return &CompletionError{Side: s.Name, Want: want, Got: wc}
	}
	return nil
}

// CheckCompletionOp polls one completion and compares its status and
// opcode.
func (s *Side) CheckCompletionOp(op verbs.WCOpcode, want verbs.WCStatus) error {
	wc, err := s.PollOne()
	if err != nil {
		return err
	}
	if wc.Status != want || wc.Opcode != op {
		return &CompletionError{Side: s.Name, Want: want, WantOpcode: op, Got: wc}
	}
	return nil
}

// Configure configures k on this side and waits for its completion.
func (s *Side) Configure(k *mkey.Key) error {
	if err := k.Configure(s.QP); err != nil {
		return err
	}
	return s.CheckCompletionOp(verbs.WCOpMkeyConfigure, verbs.WCSuccess)
}

// Invalidate invalidates k on this side and waits for its completion.
func (s *Side) Invalidate(k *mkey.Key) error {
	if err := k.Invalidate(s.QP); err != nil {
		return err
	}
	return s.CheckCompletionOp(verbs.WCOpLocalInv, verbs.WCSuccess)
}

// Close releases the queue pair, the completion queue and the protection
// domain.
func (s *Side) Close() error {
	return errors.Join(s.QP.Close(), s.CQ.Close(), s.PD.Close())
}

// Complete rings the doorbell on qp and compares the batch status with
// want. A zero want expects success.
func Complete(qp verbs.QueuePair, want unix.Errno) error {
	err := qp.WRComplete()
	if got := verbs.Status(err); got != want {
		return fmt.Errorf("%w: wr_complete returned %v, want %v", ErrStatusMismatch, errnoName(got), errnoName(want))
	}
	return nil
}

// errnoName names e for diagnostics. EOPNOTSUPP shares its value with
// ENOTSUP on Linux and is reported under the verbs name.
func errnoName(e unix.Errno) string {
	switch e {
	case 0:
		return "success"
	case unix.EOPNOTSUPP:
		return "EOPNOTSUPP"
	}
	if name := unix.ErrnoName(e); name != "" {
		return name
	}
	return e.Error()
}
