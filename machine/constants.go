package machine

import "time"

const (
	irqCOM1 = 4 // shared with COM3
	irqCOM2 = 3 // shared with COM4

	// TickVector is injected for PIC line 0 by the periodic tick.
	TickVector = 0x30

	// DefaultHostVector is the only physical vector forwarded to the host
	// interrupt dispatcher.
	DefaultHostVector = 0xf0

	// DefaultVirtioDevFn places the virtio block stand-in at 00:03.0.
	DefaultVirtioDevFn = 0x18

	tickDelay    = 5 * time.Second
	tickInterval = time.Millisecond

	// Linux reads this AMD MSR on Intel CPUs too.
	msrAMDDeCfg2      = 0xc0011029
	msrUMWaitControl  = 0xe1
	legacyPICTimerBit = 0x1
)

// dummyPorts lists ranges the guest probes but that need no behaviour.
var dummyPorts = []struct {
	port, size uint16
}{
	{0xf0, 2},  // FPU
	{0x3d4, 2}, // VGA CRTC
	{0x87, 1},  // DMA page
	{0x60, 1},  // PS/2 data
	{0x64, 1},  // PS/2 status/command
}
