package irq_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gohv/irq"
)

func TestDispatch(t *testing.T) {
	t.Parallel()

	d := irq.New()
	count := 0

	d.Register(0xf0, func() error {
		count++

		return nil
	})

	if err := d.Dispatch(0xf0); err != nil {
		t.Fatal(err)
	}

	if count != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, count)
	}

	if err := d.Dispatch(0x20); !errors.Is(err, irq.ErrNoHandler) {
		t.Fatalf("expected: %v, actual: %v", irq.ErrNoHandler, err)
	}
}
