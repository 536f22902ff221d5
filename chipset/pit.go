package chipset

import (
	"log/slog"
	"time"

	"github.com/bobuhiro11/gohv/device"
)

const (
	// PITFrequency is the 8254 input clock in Hz.
	PITFrequency = 1193182

	pitControlPort = PITBase + 3

	accessLatch  = 0
	accessLow    = 1
	accessHigh   = 2
	accessLowHi  = 3
	modeOneShot  = 0
	modeSquare   = 3
	readBackChan = 3
)

type pitChannel struct {
	mode   uint8
	access uint8
	reload uint16
	start  time.Time

	// gated is only ever set for channel 2, whose gate is port 0x61 bit 0.
	gated bool

	latched   bool
	latch     uint16
	readHigh  bool
	writeHigh bool
	low       uint8
}

func (c *pitChannel) period() uint64 {
	if c.reload == 0 {
		return 0x10000
	}

	return uint64(c.reload)
}

func (c *pitChannel) ticks(now time.Time) uint64 {
	if c.gated || c.start.IsZero() || now.Before(c.start) {
		return 0
	}

	d := now.Sub(c.start)
	sec := uint64(d / time.Second)
	ns := uint64(d % time.Second)

	return sec*PITFrequency + ns*PITFrequency/uint64(time.Second)
}

func (c *pitChannel) count(now time.Time) uint16 {
	t := c.ticks(now)

	if c.mode == modeOneShot && t >= c.period() {
		// mode 0 keeps counting down from zero
		return uint16(c.period() - t%0x10000)
	}

	return uint16(c.period() - t%c.period())
}

func (c *pitChannel) outputHigh(now time.Time) bool {
	t := c.ticks(now)

	switch c.mode {
	case modeOneShot:
		return !c.gated && !c.start.IsZero() && t >= c.period()
	case modeSquare:
		return t%c.period() < c.period()/2
	}

	return true
}

func (c *pitChannel) control(access, mode uint8, now time.Time) {
	if access == accessLatch {
		if !c.latched {
			c.latched = true
			c.latch = c.count(now)
		}

		return
	}

	c.access = access
	c.mode = mode
	c.latched = false
	c.readHigh = false
	c.writeHigh = false
}

func (c *pitChannel) read(now time.Time) uint8 {
	v := c.count(now)
	if c.latched {
		v = c.latch
	}

	switch c.access {
	case accessLow:
		c.latched = false

		return uint8(v)
	case accessHigh:
		c.latched = false

		return uint8(v >> 8)
	}

	if !c.readHigh {
		c.readHigh = true

		return uint8(v)
	}

	c.readHigh = false
	c.latched = false

	return uint8(v >> 8)
}

func (c *pitChannel) write(v uint8, now time.Time) {
	switch c.access {
	case accessLow:
		c.reload = c.reload&0xff00 | uint16(v)
	case accessHigh:
		c.reload = c.reload&0x00ff | uint16(v)<<8
	default:
		if !c.writeHigh {
			c.writeHigh = true
			c.low = v

			return
		}

		c.writeHigh = false
		c.reload = uint16(v)<<8 | uint16(c.low)
	}

	c.start = now
}

// PIT serves the 8254 counter ports 0x40-0x42 and its control port 0x43.
type PIT struct {
	b *Bundle
}

func (p *PIT) PortRange() device.Range[uint16] {
	return device.NewRange[uint16](PITBase, pitPortCount)
}

func (p *PIT) Read(port uint16, size uint8) (uint32, error) {
	if err := checkSize(port, size); err != nil {
		return 0, err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	if port == pitControlPort {
		return 0, nil
	}

	return uint32(p.b.pit[port-PITBase].read(p.b.mono())), nil
}

func (p *PIT) Write(port uint16, size uint8, value uint32) error {
	if err := checkSize(port, size); err != nil {
		return err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	now := p.b.mono()

	if port != pitControlPort {
		p.b.pit[port-PITBase].write(uint8(value), now)

		return nil
	}

	ch := uint8(value>>6) & 3
	if ch == readBackChan {
		slog.Debug("chipset: PIT read-back command ignored")

		return nil
	}

	mode := uint8(value>>1) & 7
	if mode > 5 {
		// 6 and 7 alias 2 and 3
		mode -= 4
	}

	p.b.pit[ch].control(uint8(value>>4)&3, mode, now)

	return nil
}
