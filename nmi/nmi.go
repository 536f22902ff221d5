// Package nmi holds the per-physical-CPU queues of messages delivered by
// NMI. A sender enqueues a message for a CPU and raises an NMI there; the
// NMI handler of whichever vCPU runs on that CPU pops it.
package nmi

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoSuchCPU = errors.New("no such cpu")

// Kind identifies a Message.
type Kind int

const (
	KindBootVM Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case KindBootVM:
		return "BootVM"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is one cross-core request.
type Message struct {
	Kind Kind
	VMID uint32
}

// BootVM asks the receiving CPU to boot VM id.
func BootVM(id uint32) Message {
	return Message{Kind: KindBootVM, VMID: id}
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d)", m.Kind, m.VMID)
}

type queue struct {
	mu   sync.Mutex
	msgs []Message
}

// List is the set of queues, one per physical CPU. It is created once at
// start and never torn down.
type List struct {
	queues []queue
}

func New(ncpus int) *List {
	return &List{queues: make([]queue, ncpus)}
}

func (l *List) CPUs() int {
	return len(l.queues)
}

// Send appends m to the queue of cpu.
func (l *List) Send(cpu int, m Message) error {
	if cpu < 0 || cpu >= len(l.queues) {
		return fmt.Errorf("%w: %d", ErrNoSuchCPU, cpu)
	}

	q := &l.queues[cpu]

	q.mu.Lock()
	defer q.mu.Unlock()

	q.msgs = append(q.msgs, m)

	return nil
}

// Pop removes the oldest message for cpu. ok is false when the queue is
// empty or cpu is out of range.
func (l *List) Pop(cpu int) (m Message, ok bool) {
	if cpu < 0 || cpu >= len(l.queues) {
		return Message{}, false
	}

	q := &l.queues[cpu]

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return Message{}, false
	}

	m = q.msgs[0]
	q.msgs = q.msgs[1:]

	return m, true
}

// Len returns the number of messages waiting for cpu.
func (l *List) Len(cpu int) int {
	if cpu < 0 || cpu >= len(l.queues) {
		return 0
	}

	q := &l.queues[cpu]

	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.msgs)
}
