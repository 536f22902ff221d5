// Package pic emulates one Intel 8259A programmable interrupt controller.
// The master and slave chips of a PC are two independent instances.
package pic

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
)

const (
	MasterBase = 0x20
	SlaveBase  = 0xa0

	portCount = 2

	icw1Init = 0x10
	icw1ICW4 = 0x01
	ocw3Bit  = 0x08
	ocw2EOI  = 0x20
	ocw2SL   = 0x40
	ocw3RR   = 0x02
	ocw3RIS  = 0x01
)

type initStage int

const (
	initialized initStage = iota
	expectICW2
	expectICW3
	expectICW4
)

// Chip is a single 8259A. Only the register file is modelled: interrupt
// delivery goes through the vCPU event queue, and the mask decides
// whether the legacy timer line is injected.
type Chip struct {
	base uint16

	stage     initStage
	needsICW4 bool

	offset uint8
	imr    uint8
	irr    uint8
	isr    uint8

	readISR bool
}

// New returns a chip at base with every line masked.
func New(base uint16) *Chip {
	return &Chip{base: base, imr: 0xff}
}

// Mask returns the interrupt mask register. A set bit masks that line.
func (c *Chip) Mask() uint8 {
	return c.imr
}

// Offset returns the vector programmed for line 0 by ICW2.
func (c *Chip) Offset() uint8 {
	return c.offset
}

// Raise marks line as requested.
func (c *Chip) Raise(line uint8) {
	c.irr |= 1 << (line & 7)
}

// Acknowledge moves the highest priority unmasked request into service and
// returns its vector.
func (c *Chip) Acknowledge() (uint8, bool) {
	pending := c.irr &^ c.imr

	for line := uint8(0); line < 8; line++ {
		bit := uint8(1) << line
		if c.isr&bit != 0 {
			return 0, false
		}

		if pending&bit != 0 {
			c.irr &^= bit
			c.isr |= bit

			return c.offset + line, true
		}
	}

	return 0, false
}

func (c *Chip) PortRange() device.Range[uint16] {
	return device.NewRange[uint16](c.base, portCount)
}

func (c *Chip) Read(port uint16, size uint8) (uint32, error) {
	if size != 1 {
		return 0, fmt.Errorf("pic %#x: %w: %d", port, device.ErrInvalidSize, size)
	}

	if port == c.base {
		if c.readISR {
			return uint32(c.isr), nil
		}

		return uint32(c.irr), nil
	}

	return uint32(c.imr), nil
}

func (c *Chip) Write(port uint16, size uint8, value uint32) error {
	if size != 1 {
		return fmt.Errorf("pic %#x: %w: %d", port, device.ErrInvalidSize, size)
	}

	v := uint8(value)

	if port == c.base {
		c.writeCommand(v)
	} else {
		c.writeData(v)
	}

	return nil
}

func (c *Chip) writeCommand(v uint8) {
	switch {
	case v&icw1Init != 0:
		c.stage = expectICW2
		c.needsICW4 = v&icw1ICW4 != 0
		c.imr, c.irr, c.isr = 0, 0, 0
		c.readISR = false
	case v&ocw3Bit != 0:
		if v&ocw3RR != 0 {
			c.readISR = v&ocw3RIS != 0
		}
	case v&ocw2EOI != 0:
		if v&ocw2SL != 0 {
			c.isr &^= 1 << (v & 7)
		} else {
			// non-specific: clear the highest priority in-service line
			c.isr &= c.isr - 1
		}
	}
}

func (c *Chip) writeData(v uint8) {
	switch c.stage {
	case expectICW2:
		c.offset = v &^ 7
		c.stage = expectICW3
	case expectICW3:
		if c.needsICW4 {
			c.stage = expectICW4
		} else {
			c.stage = initialized
		}
	case expectICW4:
		c.stage = initialized
		slog.Debug("pic: initialized", "base", fmt.Sprintf("%#x", c.base),
			"offset", fmt.Sprintf("%#x", c.offset))
	default:
		c.imr = v
	}
}

var _ device.PortIO = (*Chip)(nil)
