package virtio

// IRQFunc adapts a function to IRQManager.
type IRQFunc func(devfn uint8, pin uint8) error

func (f IRQFunc) Raise(devfn uint8, pin uint8) error {
	return f(devfn, pin)
}
