// Package irq forwards host interrupts that arrive as external-interrupt
// exits to the handler registered for their vector.
package irq

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoHandler = errors.New("no handler for vector")

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint8]func() error
}

func New() *Dispatcher {
	return &Dispatcher{handlers: map[uint8]func() error{}}
}

// Register replaces the handler for vector.
func (d *Dispatcher) Register(vector uint8, h func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[vector] = h
}

func (d *Dispatcher) Dispatch(vector uint8) error {
	d.mu.RLock()
	h, ok := d.handlers[vector]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoHandler, vector)
	}

	return h()
}
