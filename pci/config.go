package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	configSpaceSize = 256

	offsetCommand       = 0x04
	offsetBAR0          = 0x10
	offsetBAR5End       = 0x28
	offsetInterruptLine = 0x3c

	CommandIOSpace  = 0x1
	CommandMemSpace = 0x2

	barIOSpace = 0x1

	HeaderTypeMultiFunction = 0x80
)

var ErrBARIndex = errors.New("invalid BAR index")

// DeviceHeader is the type 0/1 common configuration header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// SizeToBits returns the value a BAR reports after the all-ones sizing write.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// ConfigSpace is the configuration space of one function. It is only
// accessed with the owning Bus locked.
type ConfigSpace struct {
	Header  DeviceHeader
	barSize [6]uint64

	// OnRelocate is called after the guest moves a BAR.
	OnRelocate func(index int, base uint64)
}

// SetBAR declares BAR index with the given base and size. io selects port
// space instead of 32-bit memory space.
func (c *ConfigSpace) SetBAR(index int, base, size uint64, io bool) error {
	if index < 0 || index >= len(c.barSize) {
		return ErrBARIndex
	}

	v := uint32(base)
	if io {
		v |= barIOSpace
	}

	c.Header.BAR[index] = v
	c.barSize[index] = size

	return nil
}

// BAR returns the decoded base and size of BAR index.
func (c *ConfigSpace) BAR(index int) (base, size uint64, io bool) {
	raw := c.Header.BAR[index]
	io = raw&barIOSpace != 0

	if io {
		base = uint64(raw &^ 0x3)
	} else {
		base = uint64(raw &^ 0xf)
	}

	return base, c.barSize[index], io
}

func (c *ConfigSpace) Read(offset uint16, size uint8) uint32 {
	b, err := c.Header.Bytes()
	if err != nil {
		return ^uint32(0)
	}

	space := make([]byte, configSpaceSize)
	copy(space, b)

	var v uint32

	for i := int(size) - 1; i >= 0; i-- {
		o := int(offset) + i
		if o >= configSpaceSize {
			continue
		}

		v = v<<8 | uint32(space[o])
	}

	return v
}

func (c *ConfigSpace) Write(offset uint16, size uint8, value uint32) {
	switch {
	case offset == offsetCommand:
		c.Header.Command = uint16(value)
	case offset >= offsetBAR0 && offset < offsetBAR5End && size == 4 && offset%4 == 0:
		c.writeBAR(int(offset-offsetBAR0)/4, value)
	case offset == offsetInterruptLine:
		c.Header.InterruptLine = uint8(value)
	}
}

func (c *ConfigSpace) writeBAR(index int, value uint32) {
	size := c.barSize[index]
	if size == 0 {
		return
	}

	flags := c.Header.BAR[index] & 0x1

	if value == ^uint32(0) {
		// sizing probe; the next read reports the size mask
		c.Header.BAR[index] = SizeToBits(size) | flags

		return
	}

	mask := SizeToBits(size)
	c.Header.BAR[index] = value&mask | flags

	if c.OnRelocate != nil {
		base, _, _ := c.BAR(index)
		c.OnRelocate(index, base)
	}
}
