package machine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/dispatch"
	"github.com/bobuhiro11/gohv/irq"
	"github.com/bobuhiro11/gohv/pci"
	"github.com/bobuhiro11/gohv/virtio"
	"github.com/bobuhiro11/gohv/vmx"
	"golang.org/x/arch/x86/x86asm"
)

var ErrUnexpectedInterrupt = errors.New("unexpected external interrupt")

const (
	virtioQueues    = 1
	virtioQueueSize = 4

	// no backing store, so the disk is empty
	virtioCapacity = 0
)

type VMConfig struct {
	// HostVector is the physical vector reserved for host interrupts.
	// Zero selects DefaultHostVector.
	HostVector uint8

	// VirtioDevFn is where the virtio block function sits on bus 0. Zero
	// selects DefaultVirtioDevFn; devfn 0 belongs to the host bridge.
	VirtioDevFn uint8

	IRQ       *irq.Dispatcher
	VirtioIRQ virtio.IRQManager
}

// VMDevices is the second dispatch stage, shared by every vCPU of a VM:
// the PCI host bridge and the functions behind it.
type VMDevices struct {
	hostVector uint8
	devices    *dispatch.DeviceList
	host       *pci.Host
	virtio     *virtio.PCIDevice
	irqs       *irq.Dispatcher
}

func NewVMDevices(cfg VMConfig) (*VMDevices, error) {
	if cfg.HostVector == 0 {
		cfg.HostVector = DefaultHostVector
	}

	if cfg.VirtioDevFn == 0 {
		cfg.VirtioDevFn = DefaultVirtioDevFn
	}

	if cfg.IRQ == nil {
		cfg.IRQ = irq.New()
	}

	d := &VMDevices{
		hostVector: cfg.HostVector,
		devices:    dispatch.New(),
		host:       pci.NewHost(),
		irqs:       cfg.IRQ,
	}

	d.devices.AddPortIODevice(device.NewHandle[device.PortIO](d.host))
	d.devices.SetPCIHost(d.host)

	blk := virtio.NewDummyDevice(virtio.TypeBlock, virtioQueues, virtioQueueSize, virtioCapacity)
	d.virtio = virtio.NewPCIDevice("blk0", blk, cfg.VirtioIRQ)

	if err := d.virtio.Realize(d.host.RootBus, cfg.VirtioDevFn); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *VMDevices) Devices() *dispatch.DeviceList {
	return d.devices
}

func (d *VMDevices) Host() *pci.Host {
	return d.host
}

func (d *VMDevices) Virtio() *virtio.PCIDevice {
	return d.virtio
}

// HandleExit serves the exits that reach the VM stage. inst is the decoded
// faulting instruction of an EPT violation and may be nil.
func (d *VMDevices) HandleExit(vcpu vmx.VCPU, exit *vmx.ExitInfo, inst *x86asm.Inst) (bool, error) {
	switch exit.Reason {
	case vmx.ExitExternalInterrupt:
		return true, d.handleExternalInterrupt(vcpu)
	case vmx.ExitEPTViolation:
		return d.devices.HandleMMIOInstruction(vcpu, exit, inst)
	case vmx.ExitIOInstruction:
		return d.devices.HandleIOInstruction(vcpu, exit)
	case vmx.ExitMSRRead:
		return true, d.devices.HandleMSRRead(vcpu)
	case vmx.ExitMSRWrite:
		return true, d.devices.HandleMSRWrite(vcpu)
	}

	return false, nil
}

func (d *VMDevices) handleExternalInterrupt(vcpu vmx.VCPU) error {
	info, err := vcpu.InterruptExitInfo()
	if err != nil {
		return dispatch.NewFault(err, vcpu)
	}

	if !info.Valid || info.Vector != d.hostVector {
		return dispatch.NewFault(
			fmt.Errorf("%w: vector %#x valid %v", ErrUnexpectedInterrupt, info.Vector, info.Valid), vcpu)
	}

	slog.Debug("machine: host interrupt", "vcpu", vcpu.ID(), "vector", fmt.Sprintf("%#x", info.Vector))

	return d.irqs.Dispatch(info.Vector)
}
