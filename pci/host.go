package pci

import (
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// https://github.com/torvalds/linux/blob/master/arch/x86/pci/direct.c

const (
	ConfigAddressPort = uint16(0xcf8)
	ConfigDataPort    = uint16(0xcfc)
	resetControlPort  = uint16(0xcf9)
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 0x1
}

func (a address) devfn() uint8 {
	return uint8(a.getDeviceNumber()<<3 | a.getFunctionNumber())
}

// Host is the host bridge: it decodes the 0xcf8/0xcfc configuration ports
// and owns the root bus.
type Host struct {
	addr    address
	RootBus *Bus
}

func NewHost() *Host {
	h := &Host{RootBus: NewBus(0)}

	// 00:00.0 for the host bridge itself
	_ = h.RootBus.Attach(0, NewBridge())

	return h
}

func (h *Host) PortRange() device.Range[uint16] {
	return device.NewRange(ConfigAddressPort, 8)
}

func (h *Host) Read(port uint16, size uint8) (uint32, error) {
	if port < ConfigDataPort {
		if port == ConfigAddressPort && size == 4 {
			return uint32(h.addr), nil
		}

		return 0, nil
	}

	offset := uint16(h.addr.getRegisterOffset()) + port - ConfigDataPort

	if !h.addr.isEnable() || uint8(h.addr.getBusNumber()) != h.RootBus.Number() {
		mask, err := device.Mask(size)

		return uint32(mask), err
	}

	return h.RootBus.ConfigRead(h.addr.devfn(), offset, size), nil
}

func (h *Host) Write(port uint16, size uint8, value uint32) error {
	if port < ConfigDataPort {
		switch {
		case port == ConfigAddressPort && size == 4:
			h.addr = address(value)
		case port == resetControlPort && size == 1:
			slog.Info("pci: reset control write", "value", value)
		}

		return nil
	}

	if !h.addr.isEnable() || uint8(h.addr.getBusNumber()) != h.RootBus.Number() {
		return nil
	}

	offset := uint16(h.addr.getRegisterOffset()) + port - ConfigDataPort
	h.RootBus.ConfigWrite(h.addr.devfn(), offset, size, value)

	return nil
}

// FindPIOBar searches the root bus for a port I/O BAR containing port.
func (h *Host) FindPIOBar(port uint16) *device.PortIOHandle {
	return h.RootBus.FindPIOBar(port)
}

// FindMMIOBar searches the root bus for a memory BAR containing addr.
func (h *Host) FindMMIOBar(addr uint64) *device.MMIOHandle {
	return h.RootBus.FindMMIOBar(addr)
}

var _ device.PortIO = (*Host)(nil)
