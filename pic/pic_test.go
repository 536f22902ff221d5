package pic_test

import (
	"testing"

	"github.com/bobuhiro11/gohv/pic"
)

func initialize(t *testing.T, c *pic.Chip, base uint16, offset uint8) {
	t.Helper()

	for _, w := range []struct {
		port  uint16
		value uint32
	}{
		{base, 0x11},
		{base + 1, uint32(offset)},
		{base + 1, 0x04},
		{base + 1, 0x01},
	} {
		if err := c.Write(w.port, 1, w.value); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMaskedAfterReset(t *testing.T) {
	t.Parallel()

	c := pic.New(pic.MasterBase)

	if c.Mask() != 0xff {
		t.Fatalf("expected: %#x, actual: %#x", 0xff, c.Mask())
	}
}

func TestInitSequence(t *testing.T) {
	t.Parallel()

	c := pic.New(pic.MasterBase)
	initialize(t, c, pic.MasterBase, 0x30)

	if c.Offset() != 0x30 {
		t.Fatalf("expected: %#x, actual: %#x", 0x30, c.Offset())
	}

	// ICW1 clears the mask
	if c.Mask() != 0 {
		t.Fatalf("expected: %#x, actual: %#x", 0, c.Mask())
	}

	// OCW1
	_ = c.Write(pic.MasterBase+1, 1, 0xfe)

	if v, _ := c.Read(pic.MasterBase+1, 1); v != 0xfe || c.Mask() != 0xfe {
		t.Fatalf("expected: %#x, actual: %#x", 0xfe, v)
	}
}

func TestAcknowledgeAndEOI(t *testing.T) {
	t.Parallel()

	c := pic.New(pic.SlaveBase)
	initialize(t, c, pic.SlaveBase, 0x38)
	_ = c.Write(pic.SlaveBase+1, 1, 0xf0)

	c.Raise(1)
	c.Raise(6) // masked

	vec, ok := c.Acknowledge()
	if !ok || vec != 0x39 {
		t.Fatalf("expected: %#x, actual: %#x %v", 0x39, vec, ok)
	}

	// OCW3 read ISR
	_ = c.Write(pic.SlaveBase, 1, 0x0b)

	if isr, _ := c.Read(pic.SlaveBase, 1); isr != 0x02 {
		t.Fatalf("expected: %#x, actual: %#x", 0x02, isr)
	}

	// non-specific EOI
	_ = c.Write(pic.SlaveBase, 1, 0x20)

	if isr, _ := c.Read(pic.SlaveBase, 1); isr != 0 {
		t.Fatalf("expected: %#x, actual: %#x", 0, isr)
	}

	if _, ok := c.Acknowledge(); ok {
		t.Fatal("masked line acknowledged")
	}
}
