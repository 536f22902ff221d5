package machine_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/gohv/dispatch"
	"github.com/bobuhiro11/gohv/hvc"
	"github.com/bobuhiro11/gohv/machine"
	"github.com/bobuhiro11/gohv/nmi"
	"github.com/bobuhiro11/gohv/vmx"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newVcpuDevices(t *testing.T, cfg machine.VcpuConfig) (*machine.VcpuDevices, *fakeClock) {
	t.Helper()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	cfg.Clock = clk
	cfg.WallClock = clk.Now

	return machine.NewVcpuDevices(cfg), clk
}

func ioExit(v *vmx.SoftVCPU, port uint16, size uint8, in bool, rax uint64) *vmx.ExitInfo {
	v.ClearExit()
	v.IO = &vmx.IOExitInfo{Port: port, AccessSize: size, IsIn: in}
	v.Regs().RAX = rax

	return &vmx.ExitInfo{Reason: vmx.ExitIOInstruction, GuestRIP: v.Regs().RIP, InstructionLength: 1}
}

func out(t *testing.T, d *machine.VcpuDevices, v *vmx.SoftVCPU, port uint16, value uint8) {
	t.Helper()

	handled, err := d.HandleExit(v, ioExit(v, port, 1, false, uint64(value)))
	if err != nil {
		t.Fatal(err)
	}

	if !handled {
		t.Fatalf("port %#x not handled", port)
	}
}

func wrmsr(t *testing.T, d *machine.VcpuDevices, v *vmx.SoftVCPU, msr uint32, value uint64) {
	t.Helper()

	v.Regs().RCX = uint64(msr)
	v.Regs().RAX = value & 0xffff_ffff
	v.Regs().RDX = value >> 32

	handled, err := d.HandleExit(v, &vmx.ExitInfo{Reason: vmx.ExitMSRWrite, InstructionLength: 2})
	if err != nil || !handled {
		t.Fatalf("wrmsr %#x: handled %v, err %v", msr, handled, err)
	}
}

// unmaskTimer runs the 8259A init sequence on the master PIC, which leaves
// every line unmasked.
func unmaskTimer(t *testing.T, d *machine.VcpuDevices, v *vmx.SoftVCPU) {
	t.Helper()

	out(t, d, v, 0x20, 0x11) // ICW1, ICW4 needed
	out(t, d, v, 0x21, 0x30) // ICW2: vector offset
	out(t, d, v, 0x21, 0x04) // ICW3: slave on line 2
	out(t, d, v, 0x21, 0x01) // ICW4: 8086 mode
}

func vectors(v *vmx.SoftVCPU) []uint8 {
	var vs []uint8
	for _, e := range v.PendingEvents() {
		vs = append(vs, e.Vector)
	}

	return vs
}

func TestSerialConsole(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer

	d, _ := newVcpuDevices(t, machine.VcpuConfig{Console: &console})
	v := vmx.NewSoftVCPU(0)
	v.Regs().RIP = 0x1000

	handled, err := d.HandleExit(v, ioExit(v, 0x3f8, 1, false, 0x41))
	if err != nil {
		t.Fatal(err)
	}

	if !handled {
		t.Fatal("COM1 write not handled")
	}

	if console.String() != "A" {
		t.Fatalf("expected: %q, actual: %q", "A", console.String())
	}

	if v.Regs().RIP != 0x1001 {
		t.Fatalf("expected: %#x, actual: %#x", 0x1001, v.Regs().RIP)
	}

	// COM2 is wired but discards output
	if _, err := d.HandleExit(v, ioExit(v, 0x2f8, 1, false, 0x42)); err != nil {
		t.Fatal(err)
	}

	if console.String() != "A" {
		t.Fatalf("expected: %q, actual: %q", "A", console.String())
	}
}

func TestSerialInput(t *testing.T) {
	t.Parallel()

	d, _ := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	d.Console() <- 'x'

	if _, err := d.HandleExit(v, ioExit(v, 0x3fd, 1, true, 0)); err != nil {
		t.Fatal(err)
	}

	if v.Regs().RAX&0x1 == 0 {
		t.Fatalf("LSR %#x has no data ready", v.Regs().RAX)
	}

	if _, err := d.HandleExit(v, ioExit(v, 0x3f8, 1, true, 0)); err != nil {
		t.Fatal(err)
	}

	if v.Regs().RAX != 'x' {
		t.Fatalf("expected: %#x, actual: %#x", 'x', v.Regs().RAX)
	}
}

func TestLegacyPorts(t *testing.T) {
	t.Parallel()

	d, _ := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	for _, port := range []uint16{
		0x20, 0x21, 0xa0, 0xa1, 0x80, 0x92, 0x61, 0x70, 0x71, 0x40, 0x43,
		0xf0, 0xf1, 0x3d4, 0x3d5, 0x87, 0x60, 0x64, 0x3e8, 0x2e8,
	} {
		handled, err := d.HandleExit(v, ioExit(v, port, 1, true, 0))
		if err != nil {
			t.Fatalf("port %#x: %v", port, err)
		}

		if !handled {
			t.Fatalf("port %#x not handled", port)
		}
	}

	handled, err := d.HandleExit(v, ioExit(v, 0xcf8, 4, true, 0))
	if err != nil || handled {
		t.Fatalf("PCI ports belong to the VM set: handled %v, err %v", handled, err)
	}
}

func TestCMOSNMIDisable(t *testing.T) {
	t.Parallel()

	d, _ := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	out(t, d, v, 0x70, 0x8f)

	if !d.Bundle().NMIDisabled() {
		t.Fatal("NMI should be disabled through 0x70 bit 7")
	}
}

func TestPITFollowsVcpuClock(t *testing.T) {
	t.Parallel()

	wall := &fakeClock{t: time.Unix(5000, 0)}

	mono := &fakeClock{t: time.Unix(1000, 0)}
	d := machine.NewVcpuDevices(machine.VcpuConfig{Clock: mono, WallClock: wall.Now})
	v := vmx.NewSoftVCPU(0)

	out(t, d, v, 0x43, 0xb0) // ch2, lo/hi, mode 0
	out(t, d, v, 0x42, 0x9b)
	out(t, d, v, 0x42, 0x2e) // about 10ms
	out(t, d, v, 0x61, 0x01) // gate ch2

	out2 := func() bool {
		if _, err := d.HandleExit(v, ioExit(v, 0x61, 1, true, 0)); err != nil {
			t.Fatal(err)
		}

		return v.Regs().RAX&0x20 != 0
	}

	wall.advance(time.Hour)

	if out2() {
		t.Fatal("PIT counted on the wall clock")
	}

	mono.advance(11 * time.Millisecond)

	if !out2() {
		t.Fatal("PIT did not reach terminal count")
	}
}

func TestOtherExitsNotHandled(t *testing.T) {
	t.Parallel()

	d, _ := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	for _, r := range []vmx.ExitReason{vmx.ExitHLT, vmx.ExitCPUID, vmx.ExitEPTViolation, vmx.ExitExternalInterrupt} {
		handled, err := d.HandleExit(v, &vmx.ExitInfo{Reason: r})
		if err != nil || handled {
			t.Fatalf("%v: handled %v, err %v", r, handled, err)
		}
	}
}

func TestAPICBaseMSR(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cpu      int
		expected uint64
	}{
		{cpu: 0, expected: 0xfee00d00},
		{cpu: 1, expected: 0xfee00c00},
	}

	for _, tt := range tests {
		d, _ := newVcpuDevices(t, machine.VcpuConfig{CPU: tt.cpu})
		v := vmx.NewSoftVCPU(tt.cpu)
		v.Regs().RCX = 0x1b

		handled, err := d.HandleExit(v, &vmx.ExitInfo{Reason: vmx.ExitMSRRead})
		if err != nil || !handled {
			t.Fatalf("rdmsr: handled %v, err %v", handled, err)
		}

		if v.Regs().RAX != tt.expected || v.Regs().RDX != 0 {
			t.Fatalf("expected: %#x, actual: %#x:%#x", tt.expected, v.Regs().RDX, v.Regs().RAX)
		}
	}
}

func TestDummyMSRs(t *testing.T) {
	t.Parallel()

	d, _ := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	wrmsr(t, d, v, 0xc0011029, 0x1234)
	wrmsr(t, d, v, 0xe1, 0x5678)

	v.Regs().RCX = 0xc0011029

	if _, err := d.HandleExit(v, &vmx.ExitInfo{Reason: vmx.ExitMSRRead}); err != nil {
		t.Fatal(err)
	}

	if v.Regs().RAX != 0 {
		t.Fatalf("expected: %v, actual: %#x", 0, v.Regs().RAX)
	}

	v.Regs().RCX = 0x10 // TSC is not emulated here

	handled, err := d.HandleExit(v, &vmx.ExitInfo{Reason: vmx.ExitMSRRead})
	if !handled || !dispatch.IsFatal(err) {
		t.Fatalf("expected fatal unsupported MSR, actual: handled %v, err %v", handled, err)
	}

	if !errors.Is(err, dispatch.ErrUnsupportedMSR) {
		t.Fatalf("expected: %v, actual: %v", dispatch.ErrUnsupportedMSR, err)
	}
}

func TestTickWaitsForInitialDelay(t *testing.T) {
	t.Parallel()

	d, clk := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	unmaskTimer(t, d, v)

	// arms the tick
	if err := d.CheckEvents(v); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5000; i++ {
		clk.advance(time.Millisecond)

		if err := d.CheckEvents(v); err != nil {
			t.Fatal(err)
		}
	}

	// now == armed + 5s exactly: not yet
	if vs := vectors(v); len(vs) != 0 {
		t.Fatalf("tick before the initial delay: %v", vs)
	}

	clk.advance(time.Millisecond)

	if err := d.CheckEvents(v); err != nil {
		t.Fatal(err)
	}

	if vs := vectors(v); len(vs) != 0 {
		t.Fatalf("tick at exactly 1ms past the delay: %v", vs)
	}

	clk.advance(time.Microsecond)

	if err := d.CheckEvents(v); err != nil {
		t.Fatal(err)
	}

	vs := vectors(v)
	if len(vs) != 1 || vs[0] != machine.TickVector {
		t.Fatalf("expected: %v, actual: %v", []uint8{machine.TickVector}, vs)
	}
}

func TestTickAtMostOncePerInterval(t *testing.T) {
	t.Parallel()

	d, clk := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	unmaskTimer(t, d, v)

	_ = d.CheckEvents(v)
	clk.advance(5*time.Second + 2*time.Millisecond)
	_ = d.CheckEvents(v)

	if n := len(vectors(v)); n != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, n)
	}

	// 10 calls within the same millisecond
	for i := 0; i < 10; i++ {
		clk.advance(100 * time.Microsecond)
		_ = d.CheckEvents(v)
	}

	if n := len(vectors(v)); n != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, n)
	}

	clk.advance(time.Millisecond)
	_ = d.CheckEvents(v)

	if n := len(vectors(v)); n != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, n)
	}
}

func TestTickMaskedByPIC(t *testing.T) {
	t.Parallel()

	d, clk := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	// the PIC comes out of reset fully masked
	_ = d.CheckEvents(v)
	clk.advance(6 * time.Second)
	_ = d.CheckEvents(v)

	if vs := vectors(v); len(vs) != 0 {
		t.Fatalf("tick while masked: %v", vs)
	}

	unmaskTimer(t, d, v)
	out(t, d, v, 0x21, 0x01) // OCW1: mask line 0 only

	clk.advance(2 * time.Millisecond)
	_ = d.CheckEvents(v)

	if vs := vectors(v); len(vs) != 0 {
		t.Fatalf("tick while line 0 masked: %v", vs)
	}

	out(t, d, v, 0x21, 0xfe) // unmask line 0 only

	clk.advance(2 * time.Millisecond)
	_ = d.CheckEvents(v)

	if vs := vectors(v); len(vs) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(vs))
	}
}

func TestAPICTimerQueuesVector(t *testing.T) {
	t.Parallel()

	d, clk := newVcpuDevices(t, machine.VcpuConfig{})
	v := vmx.NewSoftVCPU(0)

	wrmsr(t, d, v, 0x83e, 0xb)  // divide by 1
	wrmsr(t, d, v, 0x832, 0xec) // one-shot, vector 0xec
	wrmsr(t, d, v, 0x838, 1000)

	_ = d.CheckEvents(v)

	if vs := vectors(v); len(vs) != 0 {
		t.Fatalf("fired early: %v", vs)
	}

	clk.advance(time.Microsecond)
	_ = d.CheckEvents(v)

	vs := vectors(v)
	if len(vs) != 1 || vs[0] != 0xec {
		t.Fatalf("expected: %v, actual: %v", []uint8{0xec}, vs)
	}
}

func TestNMIBootVM(t *testing.T) {
	t.Parallel()

	nmis := nmi.New(2)

	var booted []uint32

	d, _ := newVcpuDevices(t, machine.VcpuConfig{
		CPU: 1,
		NMI: nmis,
		BootVM: func(id uint32) error {
			booted = append(booted, id)

			return nil
		},
	})
	v := vmx.NewSoftVCPU(1)

	if err := nmis.Send(1, nmi.BootVM(7)); err != nil {
		t.Fatal(err)
	}

	r, err := d.HandleNMI(v)
	if err != nil {
		t.Fatal(err)
	}

	if r != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, r)
	}

	if len(booted) != 1 || booted[0] != 7 {
		t.Fatalf("expected: %v, actual: %v", []uint32{7}, booted)
	}

	// spurious: nothing queued
	r, err = d.HandleNMI(v)
	if err != nil || r != 0 {
		t.Fatalf("expected: 0, <nil>, actual: %v, %v", r, err)
	}

	if len(booted) != 1 {
		t.Fatalf("booted twice: %v", booted)
	}
}

func TestNMIBootFailure(t *testing.T) {
	t.Parallel()

	nmis := nmi.New(1)
	boom := errors.New("boom")

	d, _ := newVcpuDevices(t, machine.VcpuConfig{
		NMI:    nmis,
		BootVM: func(uint32) error { return boom },
	})

	_ = nmis.Send(0, nmi.BootVM(1))

	if _, err := d.HandleNMI(vmx.NewSoftVCPU(0)); !errors.Is(err, boom) {
		t.Fatalf("expected: %v, actual: %v", boom, err)
	}
}

func TestHypercall(t *testing.T) {
	t.Parallel()

	calls := hvc.New()

	err := calls.Register(0x10, func(_ vmx.VCPU, args [3]uint64) (uint32, error) {
		return uint32(args[0] + args[1]), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	d, _ := newVcpuDevices(t, machine.VcpuConfig{Hypercalls: calls})

	r, err := d.HandleHypercall(vmx.NewSoftVCPU(0), 0x10, [3]uint64{2, 3, 0})
	if err != nil {
		t.Fatal(err)
	}

	if r != 5 {
		t.Fatalf("expected: %v, actual: %v", 5, r)
	}
}
