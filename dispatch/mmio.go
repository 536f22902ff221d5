package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/vmx"
	"golang.org/x/arch/x86/x86asm"
)

// MMIOAccess is what an EPT violation exit resolved to.
type MMIOAccess struct {
	Addr    uint64
	Size    uint8
	IsWrite bool
	Device  *device.MMIOHandle
}

// ResolveMMIO computes the faulting address, direction and width of a
// trapped memory access and looks up the device behind it: the MMIO list
// first, then a PCI memory BAR. Device is nil when nothing claims Addr.
func (l *DeviceList) ResolveMMIO(vcpu vmx.VCPU, inst *x86asm.Inst) (MMIOAccess, error) {
	npf, err := vcpu.NestedPageFaultInfo()
	if err != nil {
		return MMIOAccess{}, NewFault(fmt.Errorf("%w: %w", ErrMissingFaultInfo, err), vcpu)
	}

	size, err := AccessSize(inst)
	if err != nil {
		return MMIOAccess{}, fmt.Errorf("mmio at %#x: %w", npf.GuestPAddr, err)
	}

	a := MMIOAccess{
		Addr:    npf.GuestPAddr,
		Size:    size,
		IsWrite: npf.Access.Contains(vmx.AccessWrite),
		Device:  l.FindMMIODevice(npf.GuestPAddr),
	}

	if a.Device == nil && l.pciHost != nil {
		a.Device = l.pciHost.FindMMIOBar(npf.GuestPAddr)
	}

	return a, nil
}

// HandleMMIOInstruction recognizes an EPT violation caused by an MMIO
// access. Memory operands are not emulated yet: the access is resolved
// and logged, and the exit is reported as not handled so it falls through
// to the caller.
// TODO: perform the device read/write once operand write-back for memory
// destinations exists.
func (l *DeviceList) HandleMMIOInstruction(vcpu vmx.VCPU, exit *vmx.ExitInfo, inst *x86asm.Inst) (bool, error) {
	if inst == nil {
		return false, nil
	}

	a, err := l.ResolveMMIO(vcpu, inst)
	if err != nil {
		return false, err
	}

	slog.Debug("dispatch: mmio access", "rip", fmt.Sprintf("%#x", exit.GuestRIP),
		"addr", fmt.Sprintf("%#x", a.Addr), "size", a.Size, "write", a.IsWrite,
		"inst", inst.String(), "device", a.Device != nil)

	return false, nil
}
