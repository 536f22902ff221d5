package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/vmx"
)

const (
	instrLenRDMSR = 2
	instrLenWRMSR = 2
)

// PCIHost is a secondary address space searched only after the device
// lists miss.
type PCIHost interface {
	FindPIOBar(port uint16) *device.PortIOHandle
	FindMMIOBar(addr uint64) *device.MMIOHandle
}

// DeviceList holds the devices of one device set, grouped by capability.
//
// Lookup is a linear first-match scan in registration order. Ranges are
// not checked for overlap: when two devices claim the same key the one
// added first serves it.
type DeviceList struct {
	portIODevices []*device.PortIOHandle
	mmioDevices   []*device.MMIOHandle
	msrDevices    []*device.MSRHandle
	pciHost       PCIHost
}

func New() *DeviceList {
	return &DeviceList{}
}

// SetPCIHost installs the PCI host used as a fallback for port I/O and MMIO.
func (l *DeviceList) SetPCIHost(host PCIHost) {
	l.pciHost = host
}

func (l *DeviceList) PCIHost() PCIHost {
	return l.pciHost
}

func (l *DeviceList) AddPortIODevice(dev *device.PortIOHandle) {
	l.portIODevices = append(l.portIODevices, dev)
}

func (l *DeviceList) AddPortIODevices(devs ...*device.PortIOHandle) {
	l.portIODevices = append(l.portIODevices, devs...)
}

func (l *DeviceList) FindPortIODevice(port uint16) *device.PortIOHandle {
	for _, dev := range l.portIODevices {
		if device.PortRangeOf(dev).Contains(port) {
			return dev
		}
	}

	return nil
}

func (l *DeviceList) AddMMIODevice(dev *device.MMIOHandle) {
	l.mmioDevices = append(l.mmioDevices, dev)
}

func (l *DeviceList) AddMMIODevices(devs ...*device.MMIOHandle) {
	l.mmioDevices = append(l.mmioDevices, devs...)
}

func (l *DeviceList) FindMMIODevice(addr uint64) *device.MMIOHandle {
	for _, dev := range l.mmioDevices {
		if device.MMIORangeOf(dev).Contains(addr) {
			return dev
		}
	}

	return nil
}

func (l *DeviceList) AddMSRDevice(dev *device.MSRHandle) {
	l.msrDevices = append(l.msrDevices, dev)
}

func (l *DeviceList) AddMSRDevices(devs ...*device.MSRHandle) {
	l.msrDevices = append(l.msrDevices, devs...)
}

func (l *DeviceList) FindMSRDevice(msr uint32) *device.MSRHandle {
	for _, dev := range l.msrDevices {
		if device.MSRRangeOf(dev).Contains(msr) {
			return dev
		}
	}

	return nil
}

// Ranges holds the declared ranges of a DeviceList in registration order.
type Ranges struct {
	PortIO []device.Range[uint16]
	MMIO   []device.Range[uint64]
	MSR    []device.Range[uint32]
}

// Devices lists the declared range of every registered device.
func (l *DeviceList) Devices() Ranges {
	var r Ranges

	for _, dev := range l.portIODevices {
		r.PortIO = append(r.PortIO, device.PortRangeOf(dev))
	}

	for _, dev := range l.mmioDevices {
		r.MMIO = append(r.MMIO, device.MMIORangeOf(dev))
	}

	for _, dev := range l.msrDevices {
		r.MSR = append(r.MSR, device.MSRRangeOf(dev))
	}

	return r
}

// HandleIOInstruction services an I/O instruction exit. handled is false
// when no device, including PCI BARs, claims the port; the caller has to
// treat that exit as unsupported.
func (l *DeviceList) HandleIOInstruction(vcpu vmx.VCPU, exit *vmx.ExitInfo) (bool, error) {
	io, err := vcpu.IOExitInfo()
	if err != nil {
		return true, NewFault(err, vcpu)
	}

	slog.Debug("dispatch: handle io", "port", fmt.Sprintf("%#x", io.Port),
		"size", io.AccessSize, "in", io.IsIn)

	if dev := l.FindPortIODevice(io.Port); dev != nil {
		return true, HandleIOInstructionToDevice(vcpu, exit, dev)
	}

	if l.pciHost != nil {
		if bar := l.pciHost.FindPIOBar(io.Port); bar != nil {
			return true, HandleIOInstructionToDevice(vcpu, exit, bar)
		}
	}

	return false, nil
}

// HandleIOInstructionToDevice runs an IN or OUT against dev and updates
// the guest state. String and REP-prefixed forms are rejected before any
// register is touched.
func HandleIOInstructionToDevice(vcpu vmx.VCPU, exit *vmx.ExitInfo, dev *device.PortIOHandle) error {
	io, err := vcpu.IOExitInfo()
	if err != nil {
		return NewFault(err, vcpu)
	}

	slog.Debug("dispatch: io instruction", "rip", fmt.Sprintf("%#x", exit.GuestRIP),
		"port", fmt.Sprintf("%#x", io.Port), "size", io.AccessSize)

	if io.IsString {
		slog.Error("dispatch: INS/OUTS instructions are not supported")

		return fmt.Errorf("string io on port %#x: %w", io.Port, device.ErrNotSupported)
	}

	if io.IsRepeat {
		slog.Error("dispatch: REP prefixed I/O instructions are not supported")

		return fmt.Errorf("rep io on port %#x: %w", io.Port, device.ErrNotSupported)
	}

	if io.AccessSize != 1 && io.AccessSize != 2 && io.AccessSize != 4 {
		return fmt.Errorf("io on port %#x: %w: %d", io.Port, device.ErrInvalidSize, io.AccessSize)
	}

	regs := vcpu.Regs()

	if io.IsIn {
		var value uint32

		err := dev.Do(func(d device.PortIO) error {
			var err error
			value, err = d.Read(io.Port, io.AccessSize)

			return err
		})
		if err != nil {
			return fmt.Errorf("in %#x: %w", io.Port, err)
		}

		// SDM Vol. 1, Section 3.4.1.1:
		// * 32-bit operands generate a 32-bit result, zero-extended to a 64-bit result in the
		//   destination general-purpose register.
		// * 8-bit and 16-bit operands generate an 8-bit or 16-bit result. The upper 56 bits or
		//   48 bits (respectively) of the destination general-purpose register are not modified
		//   by the operation.
		switch io.AccessSize {
		case 1:
			regs.RAX = regs.RAX&^0xff | uint64(value&0xff)
		case 2:
			regs.RAX = regs.RAX&^0xffff | uint64(value&0xffff)
		case 4:
			regs.RAX = uint64(value)
		}
	} else {
		mask, _ := device.Mask(io.AccessSize)
		value := uint32(regs.RAX & mask)

		err := dev.Do(func(d device.PortIO) error {
			return d.Write(io.Port, io.AccessSize, value)
		})
		if err != nil {
			return fmt.Errorf("out %#x: %w", io.Port, err)
		}
	}

	return vcpu.AdvanceRIP(exit.InstructionLength)
}

// HandleMSRRead services RDMSR: ECX selects the MSR and the value is
// returned in EDX:EAX.
func (l *DeviceList) HandleMSRRead(vcpu vmx.VCPU) error {
	regs := vcpu.Regs()
	msr := uint32(regs.RCX)

	dev := l.FindMSRDevice(msr)
	if dev == nil {
		return NewFault(ErrUnsupportedMSR, vcpu).withMSR(msr)
	}

	var value uint64

	err := dev.Do(func(d device.MSR) error {
		var err error
		value, err = d.Read(msr)

		return err
	})
	if err != nil {
		return NewFault(fmt.Errorf("%w: RDMSR: %w", ErrMSRAccess, err), vcpu).withMSR(msr)
	}

	slog.Debug("dispatch: RDMSR", "msr", fmt.Sprintf("%#x", msr), "value", fmt.Sprintf("%#x", value))

	regs.RAX = value & 0xffff_ffff
	regs.RDX = value >> 32

	return vcpu.AdvanceRIP(instrLenRDMSR)
}

// HandleMSRWrite services WRMSR: ECX selects the MSR and EDX:EAX holds the value.
func (l *DeviceList) HandleMSRWrite(vcpu vmx.VCPU) error {
	regs := vcpu.Regs()
	msr := uint32(regs.RCX)
	value := regs.RAX&0xffff_ffff | regs.RDX<<32

	dev := l.FindMSRDevice(msr)
	if dev == nil {
		return NewFault(ErrUnsupportedMSR, vcpu).withMSR(msr)
	}

	err := dev.Do(func(d device.MSR) error {
		return d.Write(msr, value)
	})
	if err != nil {
		return NewFault(fmt.Errorf("%w: WRMSR: %w", ErrMSRAccess, err), vcpu).withMSR(msr)
	}

	slog.Debug("dispatch: WRMSR", "msr", fmt.Sprintf("%#x", msr), "value", fmt.Sprintf("%#x", value))

	return vcpu.AdvanceRIP(instrLenWRMSR)
}
