// Package chipset emulates the legacy chipset ports that share state:
// system control port A (0x92), system control port B (0x61), the CMOS
// index/data pair (0x70-0x71) and the 8254 PIT (0x40-0x43).
//
// Bit 7 of the CMOS index port gates NMI delivery and port 0x61 reads the
// PIT channel 2 output, so the four port ranges are served by proxies onto
// one Bundle instead of independent devices.
package chipset

import (
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/gohv/device"
)

const (
	SystemControlAPort = 0x92
	SystemControlBPort = 0x61
	CMOSBase           = 0x70
	PITBase            = 0x40

	cmosPortCount = 2
	pitPortCount  = 4
)

// Bundle is the shared state behind the chipset proxies.
type Bundle struct {
	mu   sync.Mutex
	wall func() time.Time
	mono func() time.Time

	sysCtrlA uint8

	gate2   bool
	speaker bool
	refresh bool

	cmos cmos
	pit  [3]pitChannel
}

// New returns a bundle whose CMOS clock reads wall and whose PIT counts
// on mono. A nil clock reads time.Now.
func New(wall, mono func() time.Time) *Bundle {
	if wall == nil {
		wall = time.Now
	}

	if mono == nil {
		mono = time.Now
	}

	b := &Bundle{wall: wall, mono: mono}
	b.cmos.reset()
	b.pit[2].gated = true

	return b
}

// NMIDisabled reports whether the guest set bit 7 of the CMOS index port.
func (b *Bundle) NMIDisabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cmos.nmiDisabled
}

// A20 reports the fast A20 gate bit of system control port A.
func (b *Bundle) A20() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sysCtrlA&sysCtrlAA20 != 0
}

// Proxies returns one port I/O device per chipset port range.
func (b *Bundle) Proxies() []device.PortIO {
	return []device.PortIO{
		&SystemControlA{b: b},
		&SystemControlB{b: b},
		&CMOS{b: b},
		&PIT{b: b},
	}
}

func checkSize(port uint16, size uint8) error {
	if size != 1 {
		return fmt.Errorf("chipset %#x: %w: %d", port, device.ErrInvalidSize, size)
	}

	return nil
}
