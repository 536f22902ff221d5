package apic

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
)

const (
	IA32APICBase = 0x1b

	DefaultBaseAddr = 0xfee00000

	baseBSP    = 1 << 8
	baseX2APIC = 1 << 10
	baseEnable = 1 << 11
)

// BaseMSR serves IA32_APIC_BASE. The APIC is always reported enabled in
// x2APIC mode at the default address; guest writes are logged and dropped.
type BaseMSR struct {
	BSP bool
}

func (b *BaseMSR) MSRRange() device.Range[uint32] {
	return device.NewRange[uint32](IA32APICBase, 1)
}

func (b *BaseMSR) Read(uint32) (uint64, error) {
	v := uint64(DefaultBaseAddr | baseEnable | baseX2APIC)
	if b.BSP {
		v |= baseBSP
	}

	return v, nil
}

func (b *BaseMSR) Write(msr uint32, value uint64) error {
	slog.Debug("apic: IA32_APIC_BASE write ignored", "value", fmt.Sprintf("%#x", value))

	return nil
}

var _ device.MSR = (*BaseMSR)(nil)
