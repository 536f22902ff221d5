package machine

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bobuhiro11/gohv/apic"
	"github.com/bobuhiro11/gohv/chipset"
	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/dispatch"
	"github.com/bobuhiro11/gohv/hvc"
	"github.com/bobuhiro11/gohv/iodev"
	"github.com/bobuhiro11/gohv/nmi"
	"github.com/bobuhiro11/gohv/pic"
	"github.com/bobuhiro11/gohv/serial"
	"github.com/bobuhiro11/gohv/vmx"
)

// VcpuConfig wires a VcpuDevices to its collaborators. Nil fields fall
// back to inert defaults.
type VcpuConfig struct {
	// CPU is the physical CPU the vCPU is bound to; it selects the NMI queue.
	CPU int

	Console    io.Writer
	Clock      Clock
	WallClock  func() time.Time
	Hypercalls *hvc.Dispatcher
	NMI        *nmi.List

	// BootVM is called for every BootVM message delivered by NMI.
	BootVM func(id uint32) error
}

// VcpuDevices is the first dispatch stage of one vCPU: the legacy devices
// every x86 guest expects at fixed ports, plus the local APIC.
type VcpuDevices struct {
	cpu int

	devices *dispatch.DeviceList

	serials [4]*serial.Serial
	pic     [2]*pic.Chip
	picIO   [2]*device.PortIOHandle
	lapic   *apic.LocalApic
	lapicIO *device.MSRHandle
	bundle  *chipset.Bundle

	clock      Clock
	hypercalls *hvc.Dispatcher
	nmis       *nmi.List
	bootVM     func(id uint32) error

	tickArmed bool
	last      time.Time
}

func NewVcpuDevices(cfg VcpuConfig) *VcpuDevices {
	if cfg.Clock == nil {
		cfg.Clock = MonotonicClock{}
	}

	if cfg.WallClock == nil {
		cfg.WallClock = time.Now
	}

	d := &VcpuDevices{
		cpu:        cfg.CPU,
		devices:    dispatch.New(),
		clock:      cfg.Clock,
		hypercalls: cfg.Hypercalls,
		nmis:       cfg.NMI,
		bootVM:     cfg.BootVM,
	}

	d.pic = [2]*pic.Chip{pic.New(pic.MasterBase), pic.New(pic.SlaveBase)}
	d.picIO = [2]*device.PortIOHandle{
		device.NewHandle[device.PortIO](d.pic[0]),
		device.NewHandle[device.PortIO](d.pic[1]),
	}

	for i, base := range serial.Ports {
		line := uint8(irqCOM1)
		if i%2 == 1 {
			line = irqCOM2
		}

		out := cfg.Console
		if i != 0 {
			// only COM1 is connected
			out = nil
		}

		d.serials[i] = serial.New(base, out, d.raiser(line))
		d.devices.AddPortIODevice(device.NewHandle[device.PortIO](d.serials[i]))
	}

	d.devices.AddPortIODevices(d.picIO[0], d.picIO[1])
	d.devices.AddPortIODevice(device.NewHandle[device.PortIO](iodev.NewPostCode(iodev.PostCodePort)))

	// 0x70 bit 7 gates NMI and 0x61 reads the PIT, so these four ranges
	// share one bundle
	d.bundle = chipset.New(cfg.WallClock, cfg.Clock.Now)
	for _, p := range d.bundle.Proxies() {
		d.devices.AddPortIODevice(device.NewHandle(p))
	}

	for _, r := range dummyPorts {
		d.devices.AddPortIODevice(device.NewHandle[device.PortIO](iodev.NewDummy(r.port, r.size)))
	}

	d.lapic = apic.New(uint32(cfg.CPU), cfg.Clock.Now)
	d.lapicIO = device.NewHandle[device.MSR](d.lapic)

	d.devices.AddMSRDevices(
		d.lapicIO,
		device.NewHandle[device.MSR](&apic.BaseMSR{BSP: cfg.CPU == 0}),
		device.NewHandle[device.MSR](iodev.NewMSRDummy(msrAMDDeCfg2)),
		device.NewHandle[device.MSR](iodev.NewMSRDummy(msrUMWaitControl)),
	)

	return d
}

// raiser returns the UART interrupt callback for PIC master line. It runs
// under the UART lock and only takes the PIC lock.
func (d *VcpuDevices) raiser(line uint8) func(level uint32) {
	return func(level uint32) {
		if level == 0 {
			return
		}

		_ = d.picIO[0].Do(func(device.PortIO) error {
			d.pic[0].Raise(line)

			return nil
		})
	}
}

func (d *VcpuDevices) Devices() *dispatch.DeviceList {
	return d.devices
}

// Console returns the input channel of COM1.
func (d *VcpuDevices) Console() chan<- byte {
	return d.serials[0].GetInputChan()
}

func (d *VcpuDevices) Bundle() *chipset.Bundle {
	return d.bundle
}

// HandleExit serves I/O and MSR exits from this vCPU's devices. Any other
// exit, and an I/O exit no device claims, is left to the next stage.
func (d *VcpuDevices) HandleExit(vcpu vmx.VCPU, exit *vmx.ExitInfo) (bool, error) {
	switch exit.Reason {
	case vmx.ExitIOInstruction:
		return d.devices.HandleIOInstruction(vcpu, exit)
	case vmx.ExitMSRRead:
		return true, d.devices.HandleMSRRead(vcpu)
	case vmx.ExitMSRWrite:
		return true, d.devices.HandleMSRWrite(vcpu)
	}

	return false, nil
}

// HandleHypercall forwards a VMCALL to the hypercall dispatcher.
func (d *VcpuDevices) HandleHypercall(vcpu vmx.VCPU, id uint32, args [3]uint64) (uint32, error) {
	if d.hypercalls == nil {
		return 0, fmt.Errorf("hypercall %#x: %w", id, device.ErrNotSupported)
	}

	return d.hypercalls.Dispatch(vcpu, id, args)
}

// HandleNMI consumes one message queued for this physical CPU. An NMI
// with nothing queued is logged and ignored.
func (d *VcpuDevices) HandleNMI(vcpu vmx.VCPU) (uint32, error) {
	slog.Debug("machine: nmi", "cpu", d.cpu)

	var (
		msg nmi.Message
		ok  bool
	)

	if d.nmis != nil {
		msg, ok = d.nmis.Pop(d.cpu)
	}

	if !ok {
		slog.Warn("machine: unexpected NMI, something very bad happened", "cpu", d.cpu)
		slog.Warn("machine: vcpu context", "vcpu", vcpu.ID(), "regs", vcpu.Regs().String())

		return 0, nil
	}

	switch msg.Kind {
	case nmi.KindBootVM:
		slog.Info("machine: boot vm", "cpu", d.cpu, "vm", msg.VMID)

		if d.bootVM == nil {
			return 0, fmt.Errorf("boot vm %d: %w", msg.VMID, device.ErrNotSupported)
		}

		if err := d.bootVM(msg.VMID); err != nil {
			return 0, fmt.Errorf("boot vm %d: %w", msg.VMID, err)
		}
	default:
		slog.Warn("machine: unknown NMI message", "cpu", d.cpu, "msg", msg.String())
	}

	return 0, nil
}

// CheckEvents queues the interrupts that became due since the last call:
// the local APIC timer vector, and vector 0x30 for PIC line 0 once per
// millisecond after an initial five second delay. The tick stands in for
// PIT channel 0.
func (d *VcpuDevices) CheckEvents(vcpu vmx.VCPU) error {
	var (
		fire   bool
		vector uint8
	)

	_ = d.lapicIO.Do(func(device.MSR) error {
		if d.lapic.CheckInterrupt() {
			fire = true
			vector = d.lapic.Vector()
		}

		return nil
	})

	if fire {
		vcpu.QueueEvent(vector, nil)
	}

	now := d.clock.Now()

	if !d.tickArmed {
		d.tickArmed = true
		d.last = now.Add(tickDelay)
		slog.Debug("machine: check events armed", "vcpu", vcpu.ID(), "first", d.last)

		return nil
	}

	if now.Sub(d.last) <= tickInterval {
		return nil
	}

	var mask uint8

	_ = d.picIO[0].Do(func(device.PortIO) error {
		mask = d.pic[0].Mask()

		return nil
	})

	if mask&legacyPICTimerBit == 0 {
		vcpu.QueueEvent(TickVector, nil)
	}

	d.last = now

	return nil
}
