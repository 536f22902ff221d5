package iodev

import "github.com/bobuhiro11/gohv/device"

// Dummy answers a port range the guest probes but that needs no behaviour.
// Reads return 0 and writes are dropped.
type Dummy struct {
	Port  uint16
	Psize uint16
}

func NewDummy(port, size uint16) *Dummy {
	return &Dummy{Port: port, Psize: size}
}

func (d *Dummy) PortRange() device.Range[uint16] {
	return device.NewRange(d.Port, d.Psize)
}

func (d *Dummy) Read(port uint16, size uint8) (uint32, error) {
	return 0, nil
}

func (d *Dummy) Write(port uint16, size uint8, value uint32) error {
	return nil
}

// MSRDummy swallows a single MSR the guest kernel touches defensively.
type MSRDummy struct {
	Index uint32
}

func NewMSRDummy(msr uint32) *MSRDummy {
	return &MSRDummy{Index: msr}
}

func (m *MSRDummy) MSRRange() device.Range[uint32] {
	return device.NewRange(m.Index, 1)
}

func (m *MSRDummy) Read(msr uint32) (uint64, error) {
	return 0, nil
}

func (m *MSRDummy) Write(msr uint32, value uint64) error {
	return nil
}

var (
	_ device.PortIO = (*Dummy)(nil)
	_ device.MSR    = (*MSRDummy)(nil)
)
