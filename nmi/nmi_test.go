package nmi_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/bobuhiro11/gohv/nmi"
)

func TestSendPopFIFO(t *testing.T) {
	t.Parallel()

	l := nmi.New(2)

	_ = l.Send(1, nmi.BootVM(7))
	_ = l.Send(1, nmi.BootVM(8))

	if l.Len(0) != 0 || l.Len(1) != 2 {
		t.Fatalf("unexpected lengths %d %d", l.Len(0), l.Len(1))
	}

	for _, expected := range []uint32{7, 8} {
		m, ok := l.Pop(1)
		if !ok || m.Kind != nmi.KindBootVM || m.VMID != expected {
			t.Fatalf("expected: BootVM(%d), actual: %v %v", expected, m, ok)
		}
	}

	if _, ok := l.Pop(1); ok {
		t.Fatal("message consumed twice")
	}
}

func TestInvalidCPU(t *testing.T) {
	t.Parallel()

	l := nmi.New(1)

	if err := l.Send(1, nmi.BootVM(1)); !errors.Is(err, nmi.ErrNoSuchCPU) {
		t.Fatalf("expected: %v, actual: %v", nmi.ErrNoSuchCPU, err)
	}

	if _, ok := l.Pop(-1); ok {
		t.Fatal("pop from invalid cpu")
	}
}

func TestConcurrentConsumeOnce(t *testing.T) {
	t.Parallel()

	l := nmi.New(1)

	for i := 0; i < 100; i++ {
		_ = l.Send(0, nmi.BootVM(uint32(i)))
	}

	var (
		mu   sync.Mutex
		seen = map[uint32]int{}
		wg   sync.WaitGroup
	)

	for g := 0; g < 8; g++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				m, ok := l.Pop(0)
				if !ok {
					return
				}

				mu.Lock()
				seen[m.VMID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != 100 {
		t.Fatalf("expected: %v, actual: %v", 100, len(seen))
	}

	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %d consumed %d times", id, n)
		}
	}
}

func TestMessageString(t *testing.T) {
	t.Parallel()

	if s := nmi.BootVM(3).String(); s != "BootVM(3)" {
		t.Fatalf("expected: %v, actual: %v", "BootVM(3)", s)
	}
}
