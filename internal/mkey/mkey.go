// Package mkey builds indirect memory keys out of facets (access rights, a
// data layout and block signature attributes), configures them through the
// batched work-request API and interprets their signature error state.
package mkey

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/metrics"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// State is the lifecycle state of a Key.
type State int

const (
	StateUninitialized State = iota
	StateCreated
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreated:
		return "created"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Key is an indirect memory key and the facets that configure it.
type Key struct {
	pd     verbs.ProtectionDomain
	attr   verbs.MkeyAttr
	facets []Facet
	layout Layout
	dev    verbs.DeviceMkey
	state  State
	logger zerolog.Logger
}

// New describes a key on pd. The device object is created by Init.
func New(pd verbs.ProtectionDomain, maxEntries uint16, flags verbs.MkeyFlags, facets ...Facet) *Key {
	k := &Key{
		pd:     pd,
		attr:   verbs.MkeyAttr{MaxEntries: maxEntries, CreateFlags: flags},
		logger: log.With().Str("component", "mkey").Logger(),
	}
	for _, f := range facets {
		k.Add(f)
	}
	return k
}

// Add appends a facet. A Layout replaces the current layout in place.
func (k *Key) Add(f Facet) *Key {
	if l, ok := f.(Layout); ok {
		return k.SetLayout(l)
	}
	k.facets = append(k.facets, f)
	return k
}

// SetLayout binds l as the key's data layout.
func (k *Key) SetLayout(l Layout) *Key {
	for i, f := range k.facets {
		if f == Facet(k.layout) && k.layout != nil {
			k.facets[i] = l
			k.layout = l
			return k
		}
	}
	k.facets = append(k.facets, l)
	k.layout = l
	return k
}

// Layout returns the bound layout, or nil.
func (k *Key) Layout() Layout { return k.layout }

// Facets returns the facets in configuration order.
func (k *Key) Facets() []Facet { return k.facets }

// State returns the lifecycle state.
func (k *Key) State() State { return k.state }

// Init creates the device key. Calling Init on a created key is a no-op.
func (k *Key) Init() error {
	switch k.state {
	case StateCreated:
		return nil
	case StateDestroyed:
		return ErrNotCreated
	}
	if n := k.Length(); int64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrLayoutTooLarge, n)
	}
	dev, err := k.pd.CreateMkey(k.attr)
	if err != nil {
		return fmt.Errorf("create mkey: %w", err)
	}
	k.dev = dev
	k.state = StateCreated
	k.logger.Debug().Uint32("lkey", dev.LKey()).Int("facets", len(k.facets)).Msg("Created mkey")
	return nil
}

// Supported reports whether every facet is supported by c.
func (k *Key) Supported(c caps.Snapshot) bool {
	for _, f := range k.facets {
		if cc, ok := f.(capabilityChecker); ok && !cc.Supported(c) {
			return false
		}
	}
	return true
}

// RequireSupported returns ErrUnsupportedConfiguration unless c supports
// every facet.
func (k *Key) RequireSupported(c caps.Snapshot) error {
	if !k.Supported(c) {
		return ErrUnsupportedConfiguration
	}
	return nil
}

// LKey returns the local key, 0 before Init.
func (k *Key) LKey() uint32 {
	if k.dev == nil {
		return 0
	}
	return k.dev.LKey()
}

// RKey returns the remote key, 0 before Init.
func (k *Key) RKey() uint32 {
	if k.dev == nil {
		return 0
	}
	return k.dev.RKey()
}

// WRConfigure posts the configure request and one setter per facet into
// the batch open on qp.
func (k *Key) WRConfigure(qp verbs.QueuePair) error {
	if k.state != StateCreated {
		return ErrNotCreated
	}
	qp.Post(verbs.MkeyConfigure{Key: k.LKey(), NumSetters: len(k.facets)})
	for _, f := range k.facets {
		f.Set(qp)
	}
	return nil
}

// Configure runs a single-key configure batch on qp. Completions are left
// for the caller to poll.
func (k *Key) Configure(qp verbs.QueuePair) error {
	if k.state != StateCreated {
		return ErrNotCreated
	}
	qp.WRStart()
	qp.SetWRFlags(verbs.SendSignaled | verbs.SendInline)
	if err := k.WRConfigure(qp); err != nil {
		return err
	}
	if err := qp.WRComplete(); err != nil {
		return fmt.Errorf("configure mkey 0x%x: %w", k.LKey(), err)
	}
	return nil
}

// WRInvalidate posts a local invalidate for the key into the open batch.
func (k *Key) WRInvalidate(qp verbs.QueuePair) error {
	if k.state != StateCreated {
		return ErrNotCreated
	}
	qp.Post(verbs.LocalInvalidate{Key: k.LKey()})
	return nil
}

// Invalidate runs a single-request invalidate batch on qp.
func (k *Key) Invalidate(qp verbs.QueuePair) error {
	if k.state != StateCreated {
		return ErrNotCreated
	}
	qp.WRStart()
	qp.SetWRFlags(verbs.SendSignaled)
	if err := k.WRInvalidate(qp); err != nil {
		return err
	}
	if err := qp.WRComplete(); err != nil {
		return fmt.Errorf("invalidate mkey 0x%x: %w", k.LKey(), err)
	}
	return nil
}

// Length is the number of bytes the key exposes: the layout length adjusted
// by every facet.
func (k *Key) Length() int {
	n := 0
	if k.layout != nil {
		n = k.layout.DataLength()
	}
	for _, f := range k.facets {
		n = f.AdjustLength(n)
	}
	return n
}

// SGE covers the whole key. Keys are zero based; Init rejects keys whose
// length does not fit the SGE.
func (k *Key) SGE() verbs.SGE {
	return verbs.SGE{Addr: 0, Length: uint32(k.Length()), LKey: k.LKey()}
}

// SGERange covers length bytes at offset.
func (k *Key) SGERange(offset uint64, length uint32) verbs.SGE {
	return verbs.SGE{Addr: offset, Length: length, LKey: k.LKey()}
}

// Status returns and clears the latched signature error.
func (k *Key) Status() (SigError, error) {
	if k.state != StateCreated {
		return NoError, ErrNotCreated
	}
	e, err := k.dev.Check()
	if err != nil {
		return NoError, fmt.Errorf("check mkey 0x%x: %w", k.LKey(), err)
	}
	if e.Type != verbs.MkeyNoErr {
		metrics.RecordSigError(e.Type.String())
	}
	return FromDevice(e), nil
}

// Expect fails with a CheckError unless the latched error equals want.
func (k *Key) Expect(want SigError) error {
	got, err := k.Status()
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return &CheckError{Key: k.LKey(), Want: want, Got: got}
	}
	return nil
}

// Check expects no signature error.
func (k *Key) Check() error {
	return k.Expect(NoError)
}

// CheckType expects a signature error of type t with any detail.
func (k *Key) CheckType(t verbs.MkeyErrType) error {
	return k.Expect(ErrorOfType(t))
}

// CheckDetail expects a signature error with exact detail.
func (k *Key) CheckDetail(t verbs.MkeyErrType, actual, expected, offset uint64) error {
	return k.Expect(ErrorWithDetail(t, actual, expected, offset))
}

// Inc advances the key tag. Devices without tag update support fail with
// ErrNotSupported.
func (k *Key) Inc() error {
	if k.state != StateCreated {
		return ErrNotCreated
	}
	if err := k.dev.IncTag(); err != nil {
		if verbs.Status(err) == unix.EOPNOTSUPP {
			return fmt.Errorf("%w: %v", ErrNotSupported, err)
		}
		return err
	}
	return nil
}

// Close destroys the device key, then releases facet resources. Closing an
// uninitialized or destroyed key only releases facets.
func (k *Key) Close() error {
	var errs []error
	if k.state == StateCreated {
		if err := k.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("destroy mkey 0x%x: %w", k.LKey(), err))
		}
		k.dev = nil
	}
	for _, f := range k.facets {
		if c, ok := f.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	k.state = StateDestroyed
	return errors.Join(errs...)
}
