package virtio_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/pci"
	"github.com/bobuhiro11/gohv/virtio"
)

func configAddress(devfn uint8, offset uint8) uint32 {
	return 1<<31 | uint32(devfn)<<8 | uint32(offset)
}

func readBAR(t *testing.T, h *pci.Host, port uint16, size uint8) uint32 {
	t.Helper()

	bar := h.FindPIOBar(port)
	if bar == nil {
		t.Fatalf("no BAR at %#x", port)
	}

	var v uint32

	err := bar.Do(func(d device.PortIO) error {
		var err error
		v, err = d.Read(port, size)

		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	return v
}

func writeBAR(t *testing.T, h *pci.Host, port uint16, size uint8, value uint32) error {
	t.Helper()

	bar := h.FindPIOBar(port)
	if bar == nil {
		t.Fatalf("no BAR at %#x", port)
	}

	return bar.Do(func(d device.PortIO) error {
		return d.Write(port, size, value)
	})
}

func realize(t *testing.T, irq virtio.IRQManager) (*pci.Host, *virtio.DummyDevice) {
	t.Helper()

	dev := virtio.NewDummyDevice(virtio.TypeBlock, 1, 4, 0x800)
	h := pci.NewHost()

	if err := virtio.NewPCIDevice("virtio_blk_dummy", dev, irq).Realize(h.RootBus, 0x18); err != nil {
		t.Fatal(err)
	}

	return h, dev
}

func TestPCIHeader(t *testing.T) {
	t.Parallel()

	h, _ := realize(t, nil)

	_ = h.Write(pci.ConfigAddressPort, 4, configAddress(0x18, 0))

	if v, _ := h.Read(pci.ConfigDataPort, 4); v != 0x10011af4 {
		t.Fatalf("expected: %#x, actual: %#x", 0x10011af4, v)
	}

	// subsystem id is the device type
	_ = h.Write(pci.ConfigAddressPort, 4, configAddress(0x18, 0x2c))

	if v, _ := h.Read(pci.ConfigDataPort, 4); v != 0x00021af4 {
		t.Fatalf("expected: %#x, actual: %#x", 0x00021af4, v)
	}

	_ = h.Write(pci.ConfigAddressPort, 4, configAddress(0x18, 0x10))

	if v, _ := h.Read(pci.ConfigDataPort, 4); v != virtio.LegacyIOBase|1 {
		t.Fatalf("expected: %#x, actual: %#x", virtio.LegacyIOBase|1, v)
	}
}

func TestQueueProbe(t *testing.T) {
	t.Parallel()

	h, _ := realize(t, nil)

	if v := readBAR(t, h, virtio.LegacyIOBase+12, 2); v != 4 {
		t.Fatalf("expected: %v, actual: %v", 4, v)
	}

	if err := writeBAR(t, h, virtio.LegacyIOBase+14, 2, 1); err != nil {
		t.Fatal(err)
	}

	if v := readBAR(t, h, virtio.LegacyIOBase+12, 2); v != 0 {
		t.Fatalf("queue 1 should not exist, size %v", v)
	}

	if err := writeBAR(t, h, virtio.LegacyIOBase+8, 4, 0x1234); !errors.Is(err, virtio.ErrQueueIndex) {
		t.Fatalf("expected: %v, actual: %v", virtio.ErrQueueIndex, err)
	}

	_ = writeBAR(t, h, virtio.LegacyIOBase+14, 2, 0)
	_ = writeBAR(t, h, virtio.LegacyIOBase+8, 4, 0x1234)

	if v := readBAR(t, h, virtio.LegacyIOBase+8, 4); v != 0x1234 {
		t.Fatalf("expected: %#x, actual: %#x", 0x1234, v)
	}

	// status 0 resets
	_ = writeBAR(t, h, virtio.LegacyIOBase+18, 1, 0)

	if v := readBAR(t, h, virtio.LegacyIOBase+8, 4); v != 0 {
		t.Fatalf("expected: %#x, actual: %#x", 0, v)
	}
}

func TestBlockCapacity(t *testing.T) {
	t.Parallel()

	h, _ := realize(t, nil)

	if v := readBAR(t, h, virtio.LegacyIOBase+20, 4); v != 0x800 {
		t.Fatalf("expected: %#x, actual: %#x", 0x800, v)
	}

	if v := readBAR(t, h, virtio.LegacyIOBase+24, 4); v != 0 {
		t.Fatalf("expected: %#x, actual: %#x", 0, v)
	}
}

func TestKicksAreCounted(t *testing.T) {
	t.Parallel()

	h, dev := realize(t, nil)

	for i := 0; i < 1000; i++ {
		if err := writeBAR(t, h, virtio.LegacyIOBase+16, 2, 0); err != nil {
			t.Fatal(err)
		}
	}

	if dev.Kicks(0) != 1000 {
		t.Fatalf("expected: %v, actual: %v", 1000, dev.Kicks(0))
	}

	if err := writeBAR(t, h, virtio.LegacyIOBase+16, 2, 1); err == nil {
		t.Fatal("notify of queue 1 accepted")
	}

	if dev.Kicks(1) != 0 {
		t.Fatalf("expected: %v, actual: %v", 0, dev.Kicks(1))
	}
}

func TestNotifyRaisesIRQ(t *testing.T) {
	t.Parallel()

	var raised []uint8

	h, dev := realize(t, virtio.IRQFunc(func(devfn uint8, pin uint8) error {
		raised = append(raised, devfn)

		return nil
	}))

	if err := writeBAR(t, h, virtio.LegacyIOBase+16, 2, 0); err != nil {
		t.Fatal(err)
	}

	if dev.Kicks(0) != 1 || len(raised) != 1 || raised[0] != 0x18 {
		t.Fatalf("kicks %v, raised %v", dev.Kicks(0), raised)
	}

	if v := readBAR(t, h, virtio.LegacyIOBase+19, 1); v != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, v)
	}

	if v := readBAR(t, h, virtio.LegacyIOBase+19, 1); v != 0 {
		t.Fatalf("ISR not cleared on read: %v", v)
	}
}

func TestBARRelocationMovesRegisters(t *testing.T) {
	t.Parallel()

	h, _ := realize(t, nil)

	_ = h.Write(pci.ConfigAddressPort, 4, configAddress(0x18, 0x10))
	_ = h.Write(pci.ConfigDataPort, 4, 0xc000)

	if h.FindPIOBar(virtio.LegacyIOBase) != nil {
		t.Fatal("old BAR still decoded")
	}

	bar := h.FindPIOBar(0xc000 + 12)
	if bar == nil {
		t.Fatal("relocated BAR not found")
	}

	if r := device.PortRangeOf(bar); r.Start != 0xc000 {
		t.Fatalf("expected: %#x, actual: %#x", 0xc000, r.Start)
	}

	if v := readBAR(t, h, 0xc000+12, 2); v != 4 {
		t.Fatalf("expected: %v, actual: %v", 4, v)
	}
}
