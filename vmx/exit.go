package vmx

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExitInfo is returned when the current exit carries no descriptor of the requested kind.
	ErrNoExitInfo = errors.New("no exit info for this exit")

	// ErrInstrLen is returned for an instruction length outside 1..15.
	ErrInstrLen = errors.New("invalid instruction length")
)

// ExitReason is a VMX basic exit reason (SDM Vol. 3C, Appendix C).
type ExitReason uint32

const (
	ExitExceptionNMI      ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitInitSignal        ExitReason = 3
	ExitInterruptWindow   ExitReason = 7
	ExitNMIWindow         ExitReason = 8
	ExitCPUID             ExitReason = 10
	ExitHLT               ExitReason = 12
	ExitVMCall            ExitReason = 18
	ExitCRAccess          ExitReason = 28
	ExitIOInstruction     ExitReason = 30
	ExitMSRRead           ExitReason = 31
	ExitMSRWrite          ExitReason = 32
	ExitEPTViolation      ExitReason = 48
	ExitEPTMisconfig      ExitReason = 49
	ExitPreemptionTimer   ExitReason = 52
	ExitXSETBV            ExitReason = 55
)

var exitReasonNames = map[ExitReason]string{
	ExitExceptionNMI:      "EXCEPTION_NMI",
	ExitExternalInterrupt: "EXTERNAL_INTERRUPT",
	ExitTripleFault:       "TRIPLE_FAULT",
	ExitInitSignal:        "INIT_SIGNAL",
	ExitInterruptWindow:   "INTERRUPT_WINDOW",
	ExitNMIWindow:         "NMI_WINDOW",
	ExitCPUID:             "CPUID",
	ExitHLT:               "HLT",
	ExitVMCall:            "VMCALL",
	ExitCRAccess:          "CR_ACCESS",
	ExitIOInstruction:     "IO_INSTRUCTION",
	ExitMSRRead:           "MSR_READ",
	ExitMSRWrite:          "MSR_WRITE",
	ExitEPTViolation:      "EPT_VIOLATION",
	ExitEPTMisconfig:      "EPT_MISCONFIG",
	ExitPreemptionTimer:   "PREEMPTION_TIMER",
	ExitXSETBV:            "XSETBV",
}

func (r ExitReason) String() string {
	if s, ok := exitReasonNames[r]; ok {
		return s
	}

	return fmt.Sprintf("ExitReason(%d)", uint32(r))
}

// ParseExitReason maps a name such as "IO_INSTRUCTION" back to its reason.
func ParseExitReason(s string) (ExitReason, error) {
	for r, name := range exitReasonNames {
		if name == s {
			return r, nil
		}
	}

	return 0, fmt.Errorf("unknown exit reason %q", s)
}

// ExitInfo is the common part of every VM exit.
type ExitInfo struct {
	Reason            ExitReason
	EntryFailure      bool
	GuestRIP          uint64
	InstructionLength uint8
}

// IOExitInfo is the exit qualification of an I/O instruction exit.
type IOExitInfo struct {
	Port       uint16
	AccessSize uint8
	IsIn       bool
	IsString   bool
	IsRepeat   bool
}

// AccessFlags describes the kind of guest access that caused an EPT violation.
type AccessFlags uint8

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
	AccessExecute
)

func (f AccessFlags) Contains(o AccessFlags) bool {
	return f&o == o
}

// NestedPageFault is the decoded EPT violation qualification.
type NestedPageFault struct {
	GuestPAddr uint64
	Access     AccessFlags
}

// InterruptInfo is the VM-exit interruption information field.
type InterruptInfo struct {
	Vector uint8
	Type   uint8
	Valid  bool
}
