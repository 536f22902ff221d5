package vmx

import (
	"fmt"
	"sync"
)

// VCPU is the view of a virtual CPU the device layer works against.
// Implementations are only ever used from the goroutine running that vCPU.
type VCPU interface {
	ID() int

	// Regs returns the live register file; writes through the pointer
	// are visible to the guest on the next entry.
	Regs() *Regs

	AdvanceRIP(n uint8) error

	IOExitInfo() (IOExitInfo, error)
	NestedPageFaultInfo() (NestedPageFault, error)
	InterruptExitInfo() (InterruptInfo, error)

	// QueueEvent schedules a vector for injection on the next entry.
	QueueEvent(vector uint8, errCode *uint32)
}

// Event is an interrupt or exception waiting for injection.
type Event struct {
	Vector  uint8
	ErrCode *uint32
}

// SoftVCPU keeps vCPU state in memory. It backs exit replay and tests and
// mirrors what a hardware backend reads out of the VMCS.
type SoftVCPU struct {
	id   int
	regs Regs

	IO        *IOExitInfo
	Fault     *NestedPageFault
	Interrupt *InterruptInfo

	mu     sync.Mutex
	events []Event
}

func NewSoftVCPU(id int) *SoftVCPU {
	return &SoftVCPU{id: id}
}

func (v *SoftVCPU) ID() int {
	return v.id
}

func (v *SoftVCPU) Regs() *Regs {
	return &v.regs
}

func (v *SoftVCPU) AdvanceRIP(n uint8) error {
	if n == 0 || n > 15 {
		return fmt.Errorf("%w: %d", ErrInstrLen, n)
	}

	v.regs.RIP += uint64(n)

	return nil
}

func (v *SoftVCPU) IOExitInfo() (IOExitInfo, error) {
	if v.IO == nil {
		return IOExitInfo{}, fmt.Errorf("io: %w", ErrNoExitInfo)
	}

	return *v.IO, nil
}

func (v *SoftVCPU) NestedPageFaultInfo() (NestedPageFault, error) {
	if v.Fault == nil {
		return NestedPageFault{}, fmt.Errorf("nested page fault: %w", ErrNoExitInfo)
	}

	return *v.Fault, nil
}

func (v *SoftVCPU) InterruptExitInfo() (InterruptInfo, error) {
	if v.Interrupt == nil {
		return InterruptInfo{}, fmt.Errorf("interrupt: %w", ErrNoExitInfo)
	}

	return *v.Interrupt, nil
}

func (v *SoftVCPU) QueueEvent(vector uint8, errCode *uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.events = append(v.events, Event{Vector: vector, ErrCode: errCode})
}

// PendingEvents returns and clears the queued events.
func (v *SoftVCPU) PendingEvents() []Event {
	v.mu.Lock()
	defer v.mu.Unlock()

	e := v.events
	v.events = nil

	return e
}

// ClearExit drops the per-exit descriptors before the next exit is loaded.
func (v *SoftVCPU) ClearExit() {
	v.IO, v.Fault, v.Interrupt = nil, nil, nil
}

func (v *SoftVCPU) String() string {
	return fmt.Sprintf("vcpu %d: %s", v.id, v.regs.String())
}

var _ VCPU = (*SoftVCPU)(nil)
