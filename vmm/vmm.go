package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gohv/barrier"
	"github.com/bobuhiro11/gohv/dispatch"
	"github.com/bobuhiro11/gohv/hvc"
	"github.com/bobuhiro11/gohv/irq"
	"github.com/bobuhiro11/gohv/machine"
	"github.com/bobuhiro11/gohv/nmi"
	"github.com/bobuhiro11/gohv/vmx"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnhandledExit = errors.New("unhandled exit")
	ErrAlreadyBooted = errors.New("already booted")
	ErrNoSuchCPU     = errors.New("no such cpu")
)

const (
	// VMCALL is 0f 01 c1.
	instrLenVMCALL = 3

	// VM-exit interruption type of an NMI.
	interruptTypeNMI = 2
)

// Options carries the host side of a VMM: where the console goes and what
// clock drives the timers.
type Options struct {
	Console io.Writer
	Clock   machine.Clock
}

// VMM owns the shared state of every physical CPU: the NMI queues, the
// hypercall and host interrupt dispatchers, the per-VM device set, and
// one per-vCPU device set for each CPU.
type VMM struct {
	Config

	NMI        *nmi.List
	Hypercalls *hvc.Dispatcher
	IRQ        *irq.Dispatcher
	VM         *machine.VMDevices

	vcpus []*machine.VcpuDevices

	initDone barrier.Gate
	ready    *barrier.Rendezvous
	booting  atomic.Bool

	mu     sync.Mutex
	booted []uint32

	hostIRQs atomic.Uint64
}

func New(c Config, opts Options) (*VMM, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	v := &VMM{
		Config:     c,
		NMI:        nmi.New(c.CPUs),
		Hypercalls: hvc.New(),
		IRQ:        irq.New(),
		ready:      barrier.NewRendezvous(c.CPUs),
	}

	if err := v.Hypercalls.Register(c.Hypercalls.BootVM, v.bootHypercall); err != nil {
		return nil, err
	}

	v.IRQ.Register(c.HostVector, v.hostInterrupt)

	vm, err := machine.NewVMDevices(machine.VMConfig{
		HostVector:  c.HostVector,
		VirtioDevFn: c.VirtioDevFn,
		IRQ:         v.IRQ,
	})
	if err != nil {
		return nil, err
	}

	v.VM = vm

	for cpu := 0; cpu < c.CPUs; cpu++ {
		v.vcpus = append(v.vcpus, machine.NewVcpuDevices(machine.VcpuConfig{
			CPU:        cpu,
			Console:    opts.Console,
			Clock:      opts.Clock,
			Hypercalls: v.Hypercalls,
			NMI:        v.NMI,
			BootVM:     v.bootVM,
		}))
	}

	return v, nil
}

// Vcpu returns the per-vCPU device set of cpu.
func (v *VMM) Vcpu(cpu int) (*machine.VcpuDevices, error) {
	if cpu < 0 || cpu >= len(v.vcpus) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCPU, cpu)
	}

	return v.vcpus[cpu], nil
}

// bootHypercall asks physical CPU args[0] to boot VM args[1].
func (v *VMM) bootHypercall(vcpu vmx.VCPU, args [3]uint64) (uint32, error) {
	cpu, id := int(args[0]), uint32(args[1])

	if err := v.NMI.Send(cpu, nmi.BootVM(id)); err != nil {
		return 0, err
	}

	slog.Info("vmm: boot requested", "from", vcpu.ID(), "cpu", cpu, "vm", id)

	return 0, nil
}

func (v *VMM) bootVM(id uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.booted = append(v.booted, id)

	return nil
}

// hostInterrupt services the host vector. The exit itself already let the
// host take the interrupt; only the count is kept here.
func (v *VMM) hostInterrupt() error {
	v.hostIRQs.Add(1)

	return nil
}

// HostInterrupts returns how many host-vector interrupts were serviced.
func (v *VMM) HostInterrupts() uint64 {
	return v.hostIRQs.Load()
}

// Booted returns the VM ids booted through NMI, in order.
func (v *VMM) Booted() []uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]uint32(nil), v.booted...)
}

// HandleExit runs one exit of the vCPU on physical CPU cpu through the
// dispatch chain: NMI and VMCALL first, then the per-vCPU devices, then
// the per-VM devices. inst is the decoded faulting instruction of an EPT
// violation, or nil.
func (v *VMM) HandleExit(cpu int, vcpu vmx.VCPU, exit *vmx.ExitInfo, inst *x86asm.Inst) error {
	devs, err := v.Vcpu(cpu)
	if err != nil {
		return err
	}

	slog.Debug("vmm: exit", "cpu", cpu, "vcpu", vcpu.ID(), "reason", exit.Reason.String(),
		"rip", fmt.Sprintf("%#x", exit.GuestRIP))

	switch exit.Reason {
	case vmx.ExitExceptionNMI:
		if info, err := vcpu.InterruptExitInfo(); err == nil && info.Type != interruptTypeNMI {
			return fmt.Errorf("%w: exception %#x", ErrUnhandledExit, info.Vector)
		}

		_, err := devs.HandleNMI(vcpu)

		return err
	case vmx.ExitVMCall:
		return v.handleVMCall(devs, vcpu)
	}

	handled, err := devs.HandleExit(vcpu, exit)
	if handled || err != nil {
		return err
	}

	handled, err = v.VM.HandleExit(vcpu, exit, inst)
	if handled || err != nil {
		return err
	}

	if exit.Reason == vmx.ExitEPTViolation && inst != nil {
		logMMIO(vcpu, inst)
	}

	return fmt.Errorf("%w: %s at %#x", ErrUnhandledExit, exit.Reason, exit.GuestRIP)
}

func (v *VMM) handleVMCall(devs *machine.VcpuDevices, vcpu vmx.VCPU) error {
	regs := vcpu.Regs()
	id := uint32(regs.RAX)

	r, err := devs.HandleHypercall(vcpu, id, [3]uint64{regs.RDI, regs.RSI, regs.RDX})
	if err != nil {
		return err
	}

	regs.RAX = uint64(r)

	return vcpu.AdvanceRIP(instrLenVMCALL)
}

// logMMIO reports the effective address and text of an MMIO instruction
// left to the caller.
func logMMIO(vcpu vmx.VCPU, inst *x86asm.Inst) {
	for i, a := range inst.Args {
		if _, ok := a.(x86asm.Mem); !ok {
			continue
		}

		addr, err := machine.Pointer(inst, vcpu.Regs(), i)
		if err != nil {
			slog.Debug("vmm: mmio operand", "err", err)

			return
		}

		slog.Info("vmm: mmio not emulated", "vcpu", vcpu.ID(),
			"inst", machine.Asm(inst, vcpu.Regs().RIP), "ea", fmt.Sprintf("%#x", addr))

		return
	}
}

// CheckEvents queues the timer interrupts due on cpu before the next entry.
func (v *VMM) CheckEvents(cpu int, vcpu vmx.VCPU) error {
	devs, err := v.Vcpu(cpu)
	if err != nil {
		return err
	}

	return devs.CheckEvents(vcpu)
}

// Boot starts one goroutine per physical CPU. CPU 0 runs init while the
// others wait on the init gate; then every CPU meets at the ready
// rendezvous and enters run. Boot returns when every run has returned,
// with the first error. It may be called once.
func (v *VMM) Boot(ctx context.Context, init func() error, run func(ctx context.Context, cpu int) error) error {
	if !v.booting.CompareAndSwap(false, true) {
		return ErrAlreadyBooted
	}

	var initErr error

	g, ctx := errgroup.WithContext(ctx)

	for cpu := 0; cpu < v.CPUs; cpu++ {
		g.Go(func() error {
			if cpu == 0 {
				if init != nil {
					initErr = init()
				}

				v.initDone.Open()

				if initErr != nil {
					return fmt.Errorf("cpu 0 init: %w", initErr)
				}
			} else {
				v.initDone.Wait()

				// the gate publishes initErr
				if initErr != nil {
					return nil
				}
			}

			v.ready.ArriveAndWait()
			slog.Info("vmm: cpu ready", "cpu", cpu)

			if err := run(ctx, cpu); err != nil {
				if dispatch.IsFatal(err) {
					slog.Error("vmm: fatal", "cpu", cpu, "err", err)
				}

				return fmt.Errorf("cpu %d: %w", cpu, err)
			}

			return nil
		})
	}

	return g.Wait()
}
