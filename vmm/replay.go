package vmm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bobuhiro11/gohv/dispatch"
	"github.com/bobuhiro11/gohv/machine"
	"github.com/bobuhiro11/gohv/vmx"
	"golang.org/x/arch/x86/x86asm"
	"gopkg.in/yaml.v3"
)

var ErrBadTrace = errors.New("bad trace")

// Trace is a recorded sequence of VM exits. Replaying it drives the
// device sets with software vCPUs, one per physical CPU.
type Trace struct {
	Exits []TraceExit `yaml:"exits"`
}

type TraceExit struct {
	CPU    int    `yaml:"cpu"`
	Reason string `yaml:"reason"`
	RIP    uint64 `yaml:"rip"`
	Len    uint8  `yaml:"len"`

	// After advances the replay clock before the exit, e.g. "1ms".
	After string `yaml:"after,omitempty"`

	Regs map[string]uint64 `yaml:"regs,omitempty"`

	IO        *TraceIO        `yaml:"io,omitempty"`
	Fault     *TraceFault     `yaml:"fault,omitempty"`
	Interrupt *TraceInterrupt `yaml:"interrupt,omitempty"`

	// Code holds the faulting instruction bytes in hex, e.g. "89 18".
	Code string `yaml:"code,omitempty"`

	// Expect lists register values checked after the exit.
	Expect map[string]uint64 `yaml:"expect,omitempty"`
}

type TraceIO struct {
	Port   uint16 `yaml:"port"`
	Size   uint8  `yaml:"size"`
	In     bool   `yaml:"in"`
	String bool   `yaml:"string,omitempty"`
	Repeat bool   `yaml:"repeat,omitempty"`
}

type TraceFault struct {
	Addr  uint64 `yaml:"addr"`
	Write bool   `yaml:"write"`
}

type TraceInterrupt struct {
	Vector uint8 `yaml:"vector"`
	Type   uint8 `yaml:"type"`
	Valid  bool  `yaml:"valid"`
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Exits      int
	Handled    int
	Unhandled  int
	Errors     int
	Events     int
	Mismatches int
}

func (s ReplayStats) String() string {
	return fmt.Sprintf("exits=%d handled=%d unhandled=%d errors=%d events=%d mismatches=%d",
		s.Exits, s.Handled, s.Unhandled, s.Errors, s.Events, s.Mismatches)
}

func LoadTrace(r io.Reader) (*Trace, error) {
	var t Trace

	if err := yaml.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTrace, err)
	}

	return &t, nil
}

// Add accumulates o into s.
func (s *ReplayStats) Add(o ReplayStats) {
	s.Exits += o.Exits
	s.Handled += o.Handled
	s.Unhandled += o.Unhandled
	s.Errors += o.Errors
	s.Events += o.Events
	s.Mismatches += o.Mismatches
}

// Replay feeds every exit of t to the VMM and runs the event check after
// each. clock is advanced by each exit's After; it must be the clock the
// VMM was built with. progress, if set, is called once per exit. A fatal
// dispatch error stops the replay.
func (v *VMM) Replay(t *Trace, clock *machine.ManualClock, progress func()) (ReplayStats, error) {
	var stats ReplayStats

	if err := v.checkTrace(t); err != nil {
		return stats, err
	}

	vcpus := make([]*vmx.SoftVCPU, v.CPUs)
	for i := range vcpus {
		vcpus[i] = vmx.NewSoftVCPU(i)
	}

	for n, e := range t.Exits {
		if err := v.replayExit(n, e, vcpus[e.CPU], clock, &stats); err != nil {
			return stats, err
		}

		if progress != nil {
			progress()
		}
	}

	return stats, nil
}

// ReplayBoot replays t through Boot: CPU 0 checks the trace while the
// others wait at the init gate, then every CPU replays its own exits on
// its own goroutine. Exits of one CPU keep their order; exits of
// different CPUs interleave freely. progress must be safe for concurrent
// use.
func (v *VMM) ReplayBoot(ctx context.Context, t *Trace, clock *machine.ManualClock,
	progress func(),
) (ReplayStats, error) {
	var (
		mu    sync.Mutex
		stats ReplayStats
	)

	err := v.Boot(ctx,
		func() error { return v.checkTrace(t) },
		func(ctx context.Context, cpu int) error {
			var local ReplayStats

			defer func() {
				mu.Lock()
				stats.Add(local)
				mu.Unlock()
			}()

			vcpu := vmx.NewSoftVCPU(cpu)

			for n, e := range t.Exits {
				if e.CPU != cpu {
					continue
				}

				if err := ctx.Err(); err != nil {
					return err
				}

				if err := v.replayExit(n, e, vcpu, clock, &local); err != nil {
					return err
				}

				if progress != nil {
					progress()
				}
			}

			return nil
		})

	return stats, err
}

func (v *VMM) checkTrace(t *Trace) error {
	for n, e := range t.Exits {
		if e.CPU < 0 || e.CPU >= v.CPUs {
			return fmt.Errorf("%w: exit %d: cpu %d", ErrBadTrace, n, e.CPU)
		}
	}

	return nil
}

// replayExit loads exit n into vcpu, dispatches it, and checks the
// expected registers.
func (v *VMM) replayExit(n int, e TraceExit, vcpu *vmx.SoftVCPU, clock *machine.ManualClock,
	stats *ReplayStats,
) error {
	exit, inst, err := e.load(vcpu, clock)
	if err != nil {
		return fmt.Errorf("%w: exit %d: %w", ErrBadTrace, n, err)
	}

	stats.Exits++

	err = v.HandleExit(e.CPU, vcpu, exit, inst)

	switch {
	case err == nil:
		stats.Handled++
	case errors.Is(err, ErrUnhandledExit):
		stats.Unhandled++
		slog.Warn("vmm: replay", "exit", n, "err", err)
	case dispatch.IsFatal(err):
		return fmt.Errorf("exit %d: %w", n, err)
	default:
		stats.Errors++
		slog.Warn("vmm: replay", "exit", n, "err", err)
	}

	if err := v.CheckEvents(e.CPU, vcpu); err != nil {
		return err
	}

	stats.Events += len(vcpu.PendingEvents())

	for name, want := range e.Expect {
		p, err := regByName(vcpu.Regs(), name)
		if err != nil {
			return fmt.Errorf("%w: exit %d: %w", ErrBadTrace, n, err)
		}

		if *p != want {
			stats.Mismatches++
			slog.Warn("vmm: replay mismatch", "exit", n, "reg", name,
				"expected", fmt.Sprintf("%#x", want), "actual", fmt.Sprintf("%#x", *p))
		}
	}

	return nil
}

func (e *TraceExit) load(vcpu *vmx.SoftVCPU, clock *machine.ManualClock) (*vmx.ExitInfo, *x86asm.Inst, error) {
	reason, err := vmx.ParseExitReason(e.Reason)
	if err != nil {
		return nil, nil, err
	}

	if e.After != "" {
		d, err := time.ParseDuration(e.After)
		if err != nil {
			return nil, nil, err
		}

		if clock != nil {
			clock.Advance(d)
		}
	}

	vcpu.ClearExit()

	regs := vcpu.Regs()
	regs.RIP = e.RIP

	for name, val := range e.Regs {
		p, err := regByName(regs, name)
		if err != nil {
			return nil, nil, err
		}

		*p = val
	}

	if e.IO != nil {
		vcpu.IO = &vmx.IOExitInfo{
			Port:       e.IO.Port,
			AccessSize: e.IO.Size,
			IsIn:       e.IO.In,
			IsString:   e.IO.String,
			IsRepeat:   e.IO.Repeat,
		}
	}

	if e.Fault != nil {
		access := vmx.AccessRead
		if e.Fault.Write {
			access = vmx.AccessWrite
		}

		vcpu.Fault = &vmx.NestedPageFault{GuestPAddr: e.Fault.Addr, Access: access}
	}

	if e.Interrupt != nil {
		vcpu.Interrupt = &vmx.InterruptInfo{
			Vector: e.Interrupt.Vector,
			Type:   e.Interrupt.Type,
			Valid:  e.Interrupt.Valid,
		}
	}

	var inst *x86asm.Inst

	if e.Code != "" {
		code, err := hex.DecodeString(strings.ReplaceAll(e.Code, " ", ""))
		if err != nil {
			return nil, nil, err
		}

		inst, err = dispatch.Decode(code)
		if err != nil {
			return nil, nil, err
		}
	}

	return &vmx.ExitInfo{Reason: reason, GuestRIP: e.RIP, InstructionLength: e.Len}, inst, nil
}

// regByName maps a 64-bit register name such as "rax" or "r12" to its
// slot in regs.
func regByName(regs *vmx.Regs, name string) (*uint64, error) {
	name = strings.ToUpper(name)

	for r := x86asm.RAX; r <= x86asm.R15; r++ {
		if r.String() == name {
			return machine.GetReg(regs, r)
		}
	}

	switch name {
	case "RIP":
		return &regs.RIP, nil
	case "RFLAGS":
		return &regs.RFLAGS, nil
	}

	return nil, fmt.Errorf("%w: %q", machine.ErrBadRegister, name)
}
