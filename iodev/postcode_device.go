package iodev

import (
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
)

const PostCodePort = uint16(0x80)

// PostCode is the POST diagnostic port. Firmware and early kernels write
// progress codes here; Linux also uses it as an I/O delay.
type PostCode struct {
	Port uint16
	last byte
}

func NewPostCode(port uint16) *PostCode {
	return &PostCode{Port: port}
}

func (p *PostCode) PortRange() device.Range[uint16] {
	return device.NewRange(p.Port, 1)
}

func (p *PostCode) Read(port uint16, size uint8) (uint32, error) {
	return uint32(p.last), nil
}

func (p *PostCode) Write(port uint16, size uint8, value uint32) error {
	if size != 1 {
		return device.ErrInvalidSize
	}

	if byte(value) != p.last {
		slog.Debug("postcode: write", "code", byte(value))
	}

	p.last = byte(value)

	return nil
}

// Last returns the most recent code written.
func (p *PostCode) Last() byte {
	return p.last
}

var _ device.PortIO = (*PostCode)(nil)
