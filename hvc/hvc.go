// Package hvc dispatches guest hypercalls by id.
package hvc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/vmx"
)

var ErrAlreadyRegistered = errors.New("hypercall already registered")

// Handler serves one hypercall. The result is returned to the guest.
type Handler func(vcpu vmx.VCPU, args [3]uint64) (uint32, error)

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

func New() *Dispatcher {
	return &Dispatcher{handlers: map[uint32]Handler{}}
}

func (d *Dispatcher) Register(id uint32, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[id]; ok {
		return fmt.Errorf("%w: %#x", ErrAlreadyRegistered, id)
	}

	d.handlers[id] = h

	return nil
}

// Dispatch runs the handler registered for id.
func (d *Dispatcher) Dispatch(vcpu vmx.VCPU, id uint32, args [3]uint64) (uint32, error) {
	d.mu.RLock()
	h, ok := d.handlers[id]
	d.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("hypercall %#x: %w", id, device.ErrNotSupported)
	}

	slog.Debug("hvc: dispatch", "vcpu", vcpu.ID(), "id", fmt.Sprintf("%#x", id),
		"args", fmt.Sprintf("%#x", args))

	return h(vcpu, args)
}
