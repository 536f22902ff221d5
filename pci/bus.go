package pci

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/gohv/device"
)

var ErrDevFnInUse = errors.New("devfn already in use")

// Function is one PCI function attached to a bus.
type Function interface {
	Config() *ConfigSpace

	// PIOBar and MMIOBar return the device serving BAR index, or nil.
	PIOBar(index int) *device.PortIOHandle
	MMIOBar(index int) *device.MMIOHandle
}

// Bus is a PCI bus. It owns the configuration spaces of the functions
// attached to it; BAR-backed devices are shared with whoever realized them.
type Bus struct {
	mu        sync.Mutex
	number    uint8
	functions map[uint8]Function
}

func NewBus(number uint8) *Bus {
	return &Bus{
		number:    number,
		functions: make(map[uint8]Function),
	}
}

func (b *Bus) Number() uint8 {
	return b.number
}

// Attach places fn at devfn.
func (b *Bus) Attach(devfn uint8, fn Function) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.functions[devfn]; ok {
		return fmt.Errorf("%w: %02x.%x", ErrDevFnInUse, devfn>>3, devfn&0x7)
	}

	b.functions[devfn] = fn

	return nil
}

func (b *Bus) devfns() []uint8 {
	fns := make([]uint8, 0, len(b.functions))
	for devfn := range b.functions {
		fns = append(fns, devfn)
	}

	sort.Slice(fns, func(i, j int) bool { return fns[i] < fns[j] })

	return fns
}

// ConfigRead reads the configuration space of devfn. Absent functions read
// as all ones.
func (b *Bus) ConfigRead(devfn uint8, offset uint16, size uint8) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn, ok := b.functions[devfn]
	if !ok {
		mask, _ := device.Mask(size)

		return uint32(mask)
	}

	return fn.Config().Read(offset, size)
}

func (b *Bus) ConfigWrite(devfn uint8, offset uint16, size uint8, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fn, ok := b.functions[devfn]; ok {
		fn.Config().Write(offset, size, value)
	}
}

// FindPIOBar returns the device whose enabled port I/O BAR contains port.
func (b *Bus) FindPIOBar(port uint16) *device.PortIOHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, devfn := range b.devfns() {
		fn := b.functions[devfn]
		cfg := fn.Config()

		if cfg.Header.Command&CommandIOSpace == 0 {
			continue
		}

		for i := range cfg.Header.BAR {
			base, size, io := cfg.BAR(i)
			if !io || size == 0 {
				continue
			}

			if uint64(port) >= base && uint64(port) < base+size {
				if h := fn.PIOBar(i); h != nil {
					return h
				}
			}
		}
	}

	return nil
}

// FindMMIOBar returns the device whose enabled memory BAR contains addr.
func (b *Bus) FindMMIOBar(addr uint64) *device.MMIOHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, devfn := range b.devfns() {
		fn := b.functions[devfn]
		cfg := fn.Config()

		if cfg.Header.Command&CommandMemSpace == 0 {
			continue
		}

		for i := range cfg.Header.BAR {
			base, size, io := cfg.BAR(i)
			if io || size == 0 {
				continue
			}

			if addr >= base && addr < base+size {
				if h := fn.MMIOBar(i); h != nil {
					return h
				}
			}
		}
	}

	return nil
}
