// Package conformance holds the memory key signature-offload conformance
// suites and the runner that executes them against a verbs device.
//
// Every test gets a fresh fixture: a device context, a capability snapshot
// and two connected endpoints (src and dst). A test body is a plain
// function over the fixture that returns nil on success. Errors wrapping
// mkey.ErrUnsupportedConfiguration or ErrSkip mark the test skipped; any
// other error fails it.
package conformance

import (
	"errors"
	"fmt"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/mkey"
	"github.com/piwi3910/mkeyconform/internal/rdmaop"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// ErrSkip marks a test that does not apply to the device.
var ErrSkip = errors.New("skipped")

// Skipf returns an ErrSkip carrying a reason.
func Skipf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...))
}

// Test is one conformance case.
type Test struct {
	Suite       string
	Name        string
	Description string
	// Pipelining creates the fixture's queue pairs with signature
	// pipelining enabled.
	Pipelining bool
	Run        func(f *Fixture) error
}

// ID is the "suite/name" identifier used for filtering and reporting.
func (t Test) ID() string {
	return t.Suite + "/" + t.Name
}

// Fixture is the per-test environment.
type Fixture struct {
	Ctx  verbs.Context
	Caps caps.Snapshot
	Src  *rdmaop.Side
	Dst  *rdmaop.Side

	keys []*mkey.Key
}

// NewFixture creates two connected sides on ctx.
func NewFixture(ctx verbs.Context, qp verbs.QPConfig) (*Fixture, error) {
	c, err := ctx.QueryCaps()
	if err != nil {
		return nil, fmt.Errorf("query caps: %w", err)
	}
	src, err := rdmaop.NewSide(ctx, "src", qp)
	if err != nil {
		return nil, err
	}
	dst, err := rdmaop.NewSide(ctx, "dst", qp)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	if err := rdmaop.Connect(src, dst); err != nil {
		_ = src.Close()
		_ = dst.Close()
		return nil, err
	}
	return &Fixture{Ctx: ctx, Caps: c, Src: src, Dst: dst}, nil
}

// Track registers k for teardown.
func (f *Fixture) Track(k *mkey.Key) *mkey.Key {
	f.keys = append(f.keys, k)
	return k
}

// Close destroys tracked keys in reverse order, then both sides.
func (f *Fixture) Close() error {
	var errs []error
	for i := len(f.keys) - 1; i >= 0; i-- {
		if err := f.keys[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.keys = nil
	errs = append(errs, f.Src.Close(), f.Dst.Close())
	return errors.Join(errs...)
}

// IsSkip reports whether err marks a skipped test.
func IsSkip(err error) bool {
	return errors.Is(err, ErrSkip) || errors.Is(err, mkey.ErrUnsupportedConfiguration)
}
