package pci

import "github.com/bobuhiro11/gohv/device"

type bridge struct {
	config ConfigSpace
}

// NewBridge returns the host bridge function placed at 00:00.0.
func NewBridge() Function {
	return &bridge{
		config: ConfigSpace{
			Header: DeviceHeader{
				DeviceID:   0x0d57,
				VendorID:   0x8086,
				HeaderType: 0,
				ClassCode:  [3]uint8{0, 0, 0x06}, // host bridge
			},
		},
	}
}

func (br *bridge) Config() *ConfigSpace {
	return &br.config
}

func (br *bridge) PIOBar(int) *device.PortIOHandle {
	return nil
}

func (br *bridge) MMIOBar(int) *device.MMIOHandle {
	return nil
}
