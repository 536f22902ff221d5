// Package barrier provides the one-shot boot barriers shared by all
// physical CPUs. Neither primitive can be reset; waiters spin without a
// timeout.
package barrier

import (
	"runtime"
	"sync/atomic"
)

// Gate is opened once by one CPU and then stays open.
type Gate struct {
	open atomic.Bool
}

// Open releases every current and future waiter.
func (g *Gate) Open() {
	g.open.Store(true)
}

func (g *Gate) IsOpen() bool {
	return g.open.Load()
}

// Wait spins until the gate is open.
func (g *Gate) Wait() {
	for !g.open.Load() {
		runtime.Gosched()
	}
}

// Rendezvous releases its waiters once n parties have arrived.
type Rendezvous struct {
	n       int64
	arrived atomic.Int64
}

func NewRendezvous(n int) *Rendezvous {
	return &Rendezvous{n: int64(n)}
}

// Arrive records one party. Arriving more than n times keeps the
// rendezvous released.
func (r *Rendezvous) Arrive() {
	r.arrived.Add(1)
}

func (r *Rendezvous) Arrived() int {
	return int(r.arrived.Load())
}

// Wait spins until n parties have arrived.
func (r *Rendezvous) Wait() {
	for r.arrived.Load() < r.n {
		runtime.Gosched()
	}
}

func (r *Rendezvous) ArriveAndWait() {
	r.Arrive()
	r.Wait()
}
