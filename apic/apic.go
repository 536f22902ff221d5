// Package apic emulates the x2APIC register file of a local APIC and the
// IA32_APIC_BASE MSR. Interrupt delivery other than the local timer is not
// modelled.
package apic

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bobuhiro11/gohv/device"
)

const (
	X2APICMSRBase  = 0x800
	X2APICMSRCount = 0x100

	regID          = 0x802
	regVersion     = 0x803
	regTPR         = 0x808
	regPPR         = 0x80a
	regEOI         = 0x80b
	regLDR         = 0x80d
	regSVR         = 0x80f
	regISR0        = 0x810
	regTMR0        = 0x818
	regIRR0        = 0x820
	regESR         = 0x828
	regICR         = 0x830
	regLVTTimer    = 0x832
	regLVTThermal  = 0x833
	regLVTPerf     = 0x834
	regLVTLINT0    = 0x835
	regLVTLINT1    = 0x836
	regLVTError    = 0x837
	regInitCount   = 0x838
	regCurrCount   = 0x839
	regDivideConf  = 0x83e
	regSelfIPI     = 0x83f
	apicVersion    = 0x50014
	lvtMasked      = 1 << 16
	lvtVectorMask  = 0xff
	timerModeShift = 17
	timerModeMask  = 0x3
	svrReset       = 0xff
)

// TimerMode is the LVT timer mode field.
type TimerMode uint8

const (
	TimerOneShot TimerMode = iota
	TimerPeriodic
	TimerTSCDeadline
)

// LocalApic is the x2APIC MSR interface of one vCPU. The timer counts
// one tick per nanosecond before the divider.
type LocalApic struct {
	id  uint32
	now func() time.Time

	tpr     uint32
	ldr     uint32
	svr     uint32
	esr     uint32
	icr     uint64
	lvt     map[uint32]uint32
	divide  uint32
	initial uint32

	armed    bool
	deadline time.Time
}

func New(id uint32, now func() time.Time) *LocalApic {
	if now == nil {
		now = time.Now
	}

	a := &LocalApic{
		id:  id,
		now: now,
		ldr: id>>4<<16 | 1<<(id&0xf),
		svr: svrReset,
		lvt: map[uint32]uint32{},
	}

	for r := uint32(regLVTTimer); r <= regLVTError; r++ {
		a.lvt[r] = lvtMasked
	}

	return a
}

func (a *LocalApic) MSRRange() device.Range[uint32] {
	return device.NewRange[uint32](X2APICMSRBase, X2APICMSRCount)
}

// Vector returns the vector programmed in the LVT timer entry.
func (a *LocalApic) Vector() uint8 {
	return uint8(a.lvt[regLVTTimer] & lvtVectorMask)
}

func (a *LocalApic) timerMode() TimerMode {
	return TimerMode(a.lvt[regLVTTimer] >> timerModeShift & timerModeMask)
}

// divider decodes the divide configuration register (bits 0, 1 and 3).
func (a *LocalApic) divider() time.Duration {
	v := a.divide&0x3 | a.divide&0x8>>1
	if v == 0x7 {
		return 1
	}

	return time.Duration(2) << v
}

func (a *LocalApic) period() time.Duration {
	return time.Duration(a.initial) * a.divider()
}

// CheckInterrupt reports whether the timer reached its deadline since the
// last call. A periodic timer is rearmed; a one-shot timer fires once.
func (a *LocalApic) CheckInterrupt() bool {
	if !a.armed {
		return false
	}

	now := a.now()
	if now.Before(a.deadline) {
		return false
	}

	if a.timerMode() == TimerPeriodic && a.initial != 0 {
		// skip every period that elapsed, the next deadline is after now
		p := a.period()
		n := now.Sub(a.deadline)/p + 1
		a.deadline = a.deadline.Add(n * p)
	} else {
		a.armed = false
	}

	return a.lvt[regLVTTimer]&lvtMasked == 0
}

func (a *LocalApic) currentCount() uint32 {
	if !a.armed || a.initial == 0 {
		return 0
	}

	remaining := a.deadline.Sub(a.now())
	if remaining <= 0 {
		return 0
	}

	return uint32(remaining / a.divider())
}

func (a *LocalApic) Read(msr uint32) (uint64, error) {
	switch {
	case msr == regID:
		return uint64(a.id), nil
	case msr == regVersion:
		return apicVersion, nil
	case msr == regTPR:
		return uint64(a.tpr), nil
	case msr == regPPR:
		return uint64(a.tpr), nil
	case msr == regLDR:
		return uint64(a.ldr), nil
	case msr == regSVR:
		return uint64(a.svr), nil
	case msr >= regISR0 && msr < regIRR0+8:
		return 0, nil
	case msr == regESR:
		return uint64(a.esr), nil
	case msr == regICR:
		return a.icr, nil
	case msr >= regLVTTimer && msr <= regLVTError:
		return uint64(a.lvt[msr]), nil
	case msr == regInitCount:
		return uint64(a.initial), nil
	case msr == regCurrCount:
		return uint64(a.currentCount()), nil
	case msr == regDivideConf:
		return uint64(a.divide), nil
	}

	return 0, fmt.Errorf("x2apic read %#x: %w", msr, device.ErrNotSupported)
}

func (a *LocalApic) Write(msr uint32, value uint64) error {
	switch {
	case msr == regTPR:
		a.tpr = uint32(value) & 0xff
	case msr == regEOI:
		// no in-service tracking
	case msr == regSVR:
		a.svr = uint32(value)
	case msr == regESR:
		a.esr = 0
	case msr == regICR:
		a.icr = value
		slog.Debug("apic: ICR write ignored", "id", a.id, "icr", fmt.Sprintf("%#x", value))
	case msr >= regLVTTimer && msr <= regLVTError:
		a.lvt[msr] = uint32(value)
	case msr == regInitCount:
		a.initial = uint32(value)
		a.arm()
	case msr == regDivideConf:
		a.divide = uint32(value) & 0xb
	case msr == regSelfIPI:
		slog.Debug("apic: self IPI ignored", "vector", value&0xff)
	default:
		return fmt.Errorf("x2apic write %#x: %w", msr, device.ErrNotSupported)
	}

	return nil
}

func (a *LocalApic) arm() {
	if a.initial == 0 {
		a.armed = false

		return
	}

	a.deadline = a.now().Add(a.period())
	a.armed = true
}

var _ device.MSR = (*LocalApic)(nil)
