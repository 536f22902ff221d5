package chipset

import (
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
)

const (
	sysCtrlAReset = 0x01
	sysCtrlAA20   = 0x02

	sysCtrlBGate2   = 0x01
	sysCtrlBSpeaker = 0x02
	sysCtrlBRefresh = 0x10
	sysCtrlBOut2    = 0x20
)

// SystemControlA serves port 0x92: fast A20 gate and fast reset.
type SystemControlA struct {
	b *Bundle
}

func (p *SystemControlA) PortRange() device.Range[uint16] {
	return device.NewRange[uint16](SystemControlAPort, 1)
}

func (p *SystemControlA) Read(port uint16, size uint8) (uint32, error) {
	if err := checkSize(port, size); err != nil {
		return 0, err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	return uint32(p.b.sysCtrlA), nil
}

func (p *SystemControlA) Write(port uint16, size uint8, value uint32) error {
	if err := checkSize(port, size); err != nil {
		return err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	if value&sysCtrlAReset != 0 {
		slog.Info("chipset: fast reset requested")
	}

	p.b.sysCtrlA = uint8(value) &^ sysCtrlAReset

	return nil
}

// SystemControlB serves port 0x61: PIT channel 2 gate, speaker data,
// refresh toggle and channel 2 output.
type SystemControlB struct {
	b *Bundle
}

func (p *SystemControlB) PortRange() device.Range[uint16] {
	return device.NewRange[uint16](SystemControlBPort, 1)
}

func (p *SystemControlB) Read(port uint16, size uint8) (uint32, error) {
	if err := checkSize(port, size); err != nil {
		return 0, err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	var v uint32

	if p.b.gate2 {
		v |= sysCtrlBGate2
	}

	if p.b.speaker {
		v |= sysCtrlBSpeaker
	}

	if p.b.refresh {
		v |= sysCtrlBRefresh
	}

	if p.b.pit[2].outputHigh(p.b.mono()) {
		v |= sysCtrlBOut2
	}

	// the refresh bit toggles on every read
	p.b.refresh = !p.b.refresh

	return v, nil
}

func (p *SystemControlB) Write(port uint16, size uint8, value uint32) error {
	if err := checkSize(port, size); err != nil {
		return err
	}

	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	gate := value&sysCtrlBGate2 != 0
	if gate && !p.b.gate2 {
		// a rising gate restarts channel 2
		p.b.pit[2].start = p.b.mono()
	}

	p.b.gate2 = gate
	p.b.pit[2].gated = !gate
	p.b.speaker = value&sysCtrlBSpeaker != 0

	return nil
}
