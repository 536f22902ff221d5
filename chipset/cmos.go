package chipset

import (
	"time"

	"github.com/bobuhiro11/gohv/device"
)

const (
	cmosRegSeconds    = 0x00
	cmosRegMinutes    = 0x02
	cmosRegHours      = 0x04
	cmosRegWeekday    = 0x06
	cmosRegDayOfMonth = 0x07
	cmosRegMonth      = 0x08
	cmosRegYear       = 0x09
	cmosRegStatusA    = 0x0a
	cmosRegStatusB    = 0x0b
	cmosRegStatusC    = 0x0c
	cmosRegStatusD    = 0x0d
	cmosRegCentury    = 0x32

	cmosNMIDisable = 0x80
	cmosIndexMask  = 0x7f

	statusB24Hour = 0x02
	statusBBinary = 0x04
	statusDValid  = 0x80
)

type cmos struct {
	index       uint8
	nmiDisabled bool
	ram         [128]uint8
}

func (c *cmos) reset() {
	c.ram[cmosRegStatusA] = 0x26
	c.ram[cmosRegStatusB] = statusB24Hour
	c.ram[cmosRegStatusD] = statusDValid
}

func (c *cmos) read(now time.Time) uint8 {
	binary := c.ram[cmosRegStatusB]&statusBBinary != 0

	enc := func(v int) uint8 {
		if binary {
			return uint8(v)
		}

		return toBCD(uint8(v))
	}

	switch c.index {
	case cmosRegSeconds:
		return enc(now.Second())
	case cmosRegMinutes:
		return enc(now.Minute())
	case cmosRegHours:
		return enc(now.Hour())
	case cmosRegWeekday:
		return enc(int(now.Weekday()) + 1)
	case cmosRegDayOfMonth:
		return enc(now.Day())
	case cmosRegMonth:
		return enc(int(now.Month()))
	case cmosRegYear:
		return enc(now.Year() % 100)
	case cmosRegCentury:
		return enc(now.Year() / 100)
	case cmosRegStatusC:
		// reading C acknowledges pending flags
		v := c.ram[cmosRegStatusC]
		c.ram[cmosRegStatusC] = 0

		return v
	}

	return c.ram[c.index]
}

func (c *cmos) write(v uint8) {
	switch c.index {
	case cmosRegStatusC, cmosRegStatusD:
		// read-only
	default:
		c.ram[c.index] = v
	}
}

func toBCD(v uint8) uint8 {
	return v/10<<4 | v%10
}

// CMOS serves ports 0x70 (index, bit 7 disables NMI) and 0x71 (data).
type CMOS struct {
	b *Bundle
}

func (p *CMOS) PortRange() device.Range[uint16] {
	return device.NewRange[uint16](CMOSBase, cmosPortCount)
}

func (p *CMOS) Read(port uint16, size uint8) (uint32, error) {
	if err := checkSize(port, size); err != nil {
		return 0, err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	c := &p.b.cmos

	if port == CMOSBase {
		v := c.index
		if c.nmiDisabled {
			v |= cmosNMIDisable
		}

		return uint32(v), nil
	}

	return uint32(c.read(p.b.wall())), nil
}

func (p *CMOS) Write(port uint16, size uint8, value uint32) error {
	if err := checkSize(port, size); err != nil {
		return err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	c := &p.b.cmos

	if port == CMOSBase {
		c.index = uint8(value) & cmosIndexMask
		c.nmiDisabled = value&cmosNMIDisable != 0

		return nil
	}

	c.write(uint8(value))

	return nil
}
