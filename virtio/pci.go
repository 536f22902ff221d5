package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/pci"
)

const (
	VendorID = 0x1af4

	// transitional device IDs are 0x1000 + type - 1
	deviceIDBase = 0x1000

	LegacyIOBase = 0x6300
	LegacyIOSize = 0x100
)

// legacy register block offsets
const (
	regHostFeatures  = 0
	regGuestFeatures = 4
	regQueuePFN      = 8
	regQueueNum      = 12
	regQueueSel      = 14
	regQueueNotify   = 16
	regStatus        = 18
	regISR           = 19
	regConfig        = 20

	isrQueue = 0x1
)

// IRQManager delivers the interrupt of a virtio function.
type IRQManager interface {
	Raise(devfn uint8, pin uint8) error
}

// PCIDevice is the legacy virtio-pci transport around a Device: a type 0
// header with one port I/O BAR holding the register block.
type PCIDevice struct {
	name   string
	devfn  uint8
	config pci.ConfigSpace
	regs   *legacyRegs
	bar    *device.PortIOHandle
}

// NewPCIDevice wraps dev. irq may be nil when the guest polls.
func NewPCIDevice(name string, dev Device, irq IRQManager) *PCIDevice {
	p := &PCIDevice{name: name}

	p.regs = &legacyRegs{
		owner: p,
		dev:   dev,
		irq:   irq,
		pfn:   make([]uint32, len(dev.QueueSizes())),
	}
	p.regs.base.Store(LegacyIOBase)
	p.bar = device.NewHandle[device.PortIO](p.regs)

	p.config.Header = pci.DeviceHeader{
		VendorID:          VendorID,
		DeviceID:          deviceIDBase + uint16(dev.Type()) - 1,
		Command:           pci.CommandIOSpace,
		ClassCode:         classCode(dev.Type()),
		SubsystemVendorID: VendorID,
		SubsystemID:       uint16(dev.Type()),
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin: 1,
	}
	_ = p.config.SetBAR(0, LegacyIOBase, LegacyIOSize, true)

	p.config.OnRelocate = func(index int, base uint64) {
		if index == 0 {
			p.regs.base.Store(uint32(base))
			slog.Debug("virtio: BAR relocated", "name", p.name, "base", fmt.Sprintf("%#x", base))
		}
	}

	return p
}

func classCode(t DeviceType) [3]uint8 {
	switch t {
	case TypeBlock:
		return [3]uint8{0, 0, 0x01} // mass storage
	case TypeNet:
		return [3]uint8{0, 0, 0x02} // network
	}

	return [3]uint8{0, 0, 0xff}
}

// Realize attaches the function to bus at devfn.
func (p *PCIDevice) Realize(bus *pci.Bus, devfn uint8) error {
	p.devfn = devfn

	if err := bus.Attach(devfn, p); err != nil {
		return fmt.Errorf("virtio %s: %w", p.name, err)
	}

	slog.Info("virtio: realized", "name", p.name,
		"bdf", fmt.Sprintf("%02x:%02x.%x", bus.Number(), devfn>>3, devfn&0x7))

	return nil
}

func (p *PCIDevice) Name() string {
	return p.name
}

func (p *PCIDevice) Config() *pci.ConfigSpace {
	return &p.config
}

func (p *PCIDevice) PIOBar(index int) *device.PortIOHandle {
	if index == 0 {
		return p.bar
	}

	return nil
}

func (p *PCIDevice) MMIOBar(int) *device.MMIOHandle {
	return nil
}

// legacyRegs is the legacy virtio register block behind BAR 0.
type legacyRegs struct {
	owner *PCIDevice
	dev   Device
	irq   IRQManager

	// base follows the BAR; it is written under the bus lock.
	base atomic.Uint32

	guestFeatures uint32
	queueSel      uint16
	pfn           []uint32
	status        uint8
	isr           uint8
}

func (r *legacyRegs) PortRange() device.Range[uint16] {
	return device.NewRange(uint16(r.base.Load()), LegacyIOSize)
}

func (r *legacyRegs) Read(port uint16, size uint8) (uint32, error) {
	off := port - uint16(r.base.Load())

	switch off {
	case regHostFeatures:
		return r.dev.Features(), nil
	case regGuestFeatures:
		return r.guestFeatures, nil
	case regQueuePFN:
		if int(r.queueSel) < len(r.pfn) {
			return r.pfn[r.queueSel], nil
		}

		return 0, nil
	case regQueueNum:
		if sizes := r.dev.QueueSizes(); int(r.queueSel) < len(sizes) {
			return uint32(sizes[r.queueSel]), nil
		}

		return 0, nil
	case regQueueSel:
		return uint32(r.queueSel), nil
	case regStatus:
		return uint32(r.status), nil
	case regISR:
		// reading ISR acknowledges it
		v := r.isr
		r.isr = 0

		return uint32(v), nil
	}

	if off >= regConfig {
		return readConfig(r.dev.Config(), int(off-regConfig), size), nil
	}

	return 0, nil
}

func readConfig(cfg []byte, off int, size uint8) uint32 {
	var b [4]byte

	for i := 0; i < int(size) && i < len(b); i++ {
		if off+i < len(cfg) {
			b[i] = cfg[off+i]
		}
	}

	return binary.LittleEndian.Uint32(b[:])
}

func (r *legacyRegs) Write(port uint16, size uint8, value uint32) error {
	off := port - uint16(r.base.Load())

	switch off {
	case regGuestFeatures:
		r.guestFeatures = value
	case regQueuePFN:
		if int(r.queueSel) >= len(r.pfn) {
			return fmt.Errorf("virtio %s: %w: %d", r.owner.name, ErrQueueIndex, r.queueSel)
		}

		r.pfn[r.queueSel] = value
	case regQueueSel:
		r.queueSel = uint16(value)
	case regQueueNotify:
		if err := r.dev.Notify(uint16(value)); err != nil {
			return fmt.Errorf("virtio %s: notify: %w", r.owner.name, err)
		}

		r.isr |= isrQueue

		if r.irq != nil {
			return r.irq.Raise(r.owner.devfn, r.owner.config.Header.InterruptPin)
		}
	case regStatus:
		r.status = uint8(value)
		if r.status == 0 {
			r.reset()
		}
	default:
		slog.Debug("virtio: write ignored", "name", r.owner.name, "offset", off, "value", value)
	}

	return nil
}

func (r *legacyRegs) reset() {
	r.guestFeatures = 0
	r.queueSel = 0
	r.isr = 0

	for i := range r.pfn {
		r.pfn[i] = 0
	}
}

var (
	_ pci.Function  = (*PCIDevice)(nil)
	_ device.PortIO = (*legacyRegs)(nil)
)
