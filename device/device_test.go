package device_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/bobuhiro11/gohv/device"
)

func TestRangeContains(t *testing.T) {
	t.Parallel()

	r := device.NewRange[uint16](0x3f8, 8)

	for _, tc := range []struct {
		port     uint16
		expected bool
	}{
		{0x3f7, false},
		{0x3f8, true},
		{0x3ff, true},
		{0x400, false},
	} {
		if actual := r.Contains(tc.port); actual != tc.expected {
			t.Fatalf("port %#x expected: %v, actual: %v", tc.port, tc.expected, actual)
		}
	}

	if r.Len() != 8 {
		t.Fatalf("expected: %v, actual: %v", 8, r.Len())
	}

	if r.String() != "[0x3f8, 0x400)" {
		t.Fatalf("expected: %v, actual: %v", "[0x3f8, 0x400)", r.String())
	}
}

type counter struct {
	n int
}

func TestHandleSerializes(t *testing.T) {
	t.Parallel()

	h := device.NewHandle(&counter{})

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				_ = h.Do(func(c *counter) error {
					c.n++

					return nil
				})
			}
		}()
	}

	wg.Wait()

	var actual int

	_ = h.Do(func(c *counter) error {
		actual = c.n

		return nil
	})

	if actual != 1600 {
		t.Fatalf("expected: %v, actual: %v", 1600, actual)
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	for size, expected := range map[uint8]uint64{1: 0xff, 2: 0xffff, 4: 0xffffffff, 8: ^uint64(0)} {
		actual, err := device.Mask(size)
		if err != nil {
			t.Fatal(err)
		}

		if actual != expected {
			t.Fatalf("expected: %#x, actual: %#x", expected, actual)
		}
	}

	if _, err := device.Mask(3); !errors.Is(err, device.ErrInvalidSize) {
		t.Fatalf("expected: %v, actual: %v", device.ErrInvalidSize, err)
	}
}
