package device

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotSupported is returned for accesses the emulation deliberately does not implement.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidSize is returned when an access width is not 1, 2, 4 (or 8 for MMIO).
	ErrInvalidSize = errors.New("invalid access size")
)

// Range is a half-open interval [Start, End) of ports, addresses or MSR indices.
type Range[T ~uint16 | ~uint32 | ~uint64] struct {
	Start T
	End   T
}

// NewRange returns the range [start, start+size).
func NewRange[T ~uint16 | ~uint32 | ~uint64](start, size T) Range[T] {
	return Range[T]{Start: start, End: start + size}
}

func (r Range[T]) Contains(v T) bool {
	return r.Start <= v && v < r.End
}

func (r Range[T]) Len() T {
	return r.End - r.Start
}

func (r Range[T]) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// PortIO describes a device reachable through IN/OUT instructions.
// Values are right-aligned in the returned or passed integer.
type PortIO interface {
	PortRange() Range[uint16]
	Read(port uint16, size uint8) (uint32, error)
	Write(port uint16, size uint8, value uint32) error
}

// MMIO describes a device mapped into guest physical memory.
type MMIO interface {
	MMIORange() Range[uint64]
	Read(addr uint64, size uint8) (uint64, error)
	Write(addr uint64, size uint8, value uint64) error
}

// MSR describes a device reachable through RDMSR/WRMSR.
type MSR interface {
	MSRRange() Range[uint32]
	Read(msr uint32) (uint64, error)
	Write(msr uint32, value uint64) error
}

// Handle is a mutex-guarded reference to a device. The same handle may be
// held by several owners (a DeviceList, a PCI bus, a device set); every
// access goes through Do so the device only ever sees one caller at a time.
//
// fn must not call back into a DeviceList: the lock is not reentrant.
type Handle[T any] struct {
	mu  sync.Mutex
	dev T
}

func NewHandle[T any](dev T) *Handle[T] {
	return &Handle[T]{dev: dev}
}

// Do runs fn with exclusive access to the device.
func (h *Handle[T]) Do(fn func(dev T) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return fn(h.dev)
}

type (
	PortIOHandle = Handle[PortIO]
	MMIOHandle   = Handle[MMIO]
	MSRHandle    = Handle[MSR]
)

// PortRangeOf reads the declared range of a port I/O device under its lock.
func PortRangeOf(h *PortIOHandle) Range[uint16] {
	var r Range[uint16]

	_ = h.Do(func(d PortIO) error {
		r = d.PortRange()

		return nil
	})

	return r
}

// MMIORangeOf reads the declared range of an MMIO device under its lock.
func MMIORangeOf(h *MMIOHandle) Range[uint64] {
	var r Range[uint64]

	_ = h.Do(func(d MMIO) error {
		r = d.MMIORange()

		return nil
	})

	return r
}

// MSRRangeOf reads the declared range of an MSR device under its lock.
func MSRRangeOf(h *MSRHandle) Range[uint32] {
	var r Range[uint32]

	_ = h.Do(func(d MSR) error {
		r = d.MSRRange()

		return nil
	})

	return r
}

// Mask returns the low size bytes mask. size must be 1, 2, 4 or 8.
func Mask(size uint8) (uint64, error) {
	switch size {
	case 1:
		return 0xff, nil
	case 2:
		return 0xffff, nil
	case 4:
		return 0xffff_ffff, nil
	case 8:
		return ^uint64(0), nil
	}

	return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
}
