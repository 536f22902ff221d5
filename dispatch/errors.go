package dispatch

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gohv/vmx"
)

var (
	// ErrDecode is returned when a trapped instruction could not be classified.
	ErrDecode = errors.New("instruction decode error")

	// ErrUnsupportedMSR is returned when no device claims an MSR index.
	ErrUnsupportedMSR = errors.New("unsupported msr")

	// ErrMSRAccess is returned when an MSR device rejects an access.
	ErrMSRAccess = errors.New("msr access failed")

	// ErrMissingFaultInfo is returned when an EPT violation exit has no fault qualification.
	ErrMissingFaultInfo = errors.New("ept violation without fault info")
)

// Fault is an error the vCPU cannot recover from by itself. It carries
// the state needed to diagnose the guest: the faulting RIP, the MSR index
// involved and a dump of the register file.
// The caller decides whether to stop the vCPU or the whole core; a Fault
// is never reported as a handled exit.
type Fault struct {
	Err      error
	VCPU     int
	GuestRIP uint64
	MSR      *uint32
	Regs     string
}

// NewFault captures the current state of vcpu alongside err.
func NewFault(err error, vcpu vmx.VCPU) *Fault {
	return &Fault{
		Err:      err,
		VCPU:     vcpu.ID(),
		GuestRIP: vcpu.Regs().RIP,
		Regs:     vcpu.Regs().String(),
	}
}

func (f *Fault) withMSR(msr uint32) *Fault {
	f.MSR = &msr

	return f
}

func (f *Fault) Error() string {
	s := fmt.Sprintf("vcpu %d fault @ %#x: %v", f.VCPU, f.GuestRIP, f.Err)

	if f.MSR != nil {
		s += fmt.Sprintf(" (msr %#x)", *f.MSR)
	}

	return s
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFatal reports whether err carries a Fault.
func IsFatal(err error) bool {
	var f *Fault

	return errors.As(err, &f)
}
