package virtio

import (
	"encoding/binary"
	"errors"
	"log/slog"
)

// DeviceType is the virtio device ID, also used as the PCI subsystem ID
// of a legacy transitional device.
type DeviceType uint16

const (
	TypeNet   DeviceType = 1
	TypeBlock DeviceType = 2
)

var ErrQueueIndex = errors.New("virtio queue index out of range")

// Device is the device-specific half of a virtio function. The transport
// owns the register block and calls back into the device.
type Device interface {
	Type() DeviceType
	Features() uint32
	QueueSizes() []uint16
	// Config returns the device-specific configuration space.
	Config() []byte
	// Notify is called when the driver kicks queue.
	Notify(queue uint16) error
}

// DummyDevice answers the virtio probe sequence but never completes a
// request. It holds a bus slot for a real backend.
type DummyDevice struct {
	typ      DeviceType
	sizes    []uint16
	capacity uint64
	kicks    []uint64
}

// NewDummyDevice returns a device of type typ with queues queues of
// queueSize entries. capacity is reported in sectors by a block device.
func NewDummyDevice(typ DeviceType, queues int, queueSize uint16, capacity uint64) *DummyDevice {
	sizes := make([]uint16, queues)
	for i := range sizes {
		sizes[i] = queueSize
	}

	return &DummyDevice{typ: typ, sizes: sizes, capacity: capacity, kicks: make([]uint64, queues)}
}

func (d *DummyDevice) Type() DeviceType { return d.typ }

func (d *DummyDevice) Features() uint32 { return 0 }

func (d *DummyDevice) QueueSizes() []uint16 { return d.sizes }

// Config is the block device capacity in sectors for TypeBlock and empty
// otherwise.
func (d *DummyDevice) Config() []byte {
	if d.typ != TypeBlock {
		return nil
	}

	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, d.capacity)

	return b
}

func (d *DummyDevice) Notify(queue uint16) error {
	if int(queue) >= len(d.sizes) {
		return ErrQueueIndex
	}

	d.kicks[queue]++
	slog.Debug("virtio: dummy device kicked", "type", d.typ, "queue", queue)

	return nil
}

// Kicks returns how many times queue was notified.
func (d *DummyDevice) Kicks(queue uint16) uint64 {
	if int(queue) >= len(d.kicks) {
		return 0
	}

	return d.kicks[queue]
}
