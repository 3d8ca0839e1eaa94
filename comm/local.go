package comm

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// localHub holds the shared accumulation state for one in-process group.
// Workers arrive, deposit their vector, and block until the whole group has
// arrived; the first arrival of the next round resets the accumulator.
type localHub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	round   int
	sum     []float64
	result  []float64
	length  int
	closed  bool
}

// LocalComm is an in-process Communicator for worlds where every worker is a
// goroutine in the same binary. It is the reference group used by tests and
// single-host multi-worker runs.
type LocalComm struct {
	rank int
	hub  *localHub
}

// NewLocalGroup creates an in-process group of the given size and returns
// one Communicator per rank.
func NewLocalGroup(size int) []*LocalComm {
	if size < 1 {
		size = 1
	}
	hub := &localHub{size: size}
	hub.cond = sync.NewCond(&hub.mu)

	comms := make([]*LocalComm, size)
	for i := range comms {
		comms[i] = &LocalComm{rank: i, hub: hub}
	}
	return comms
}

func (c *LocalComm) Rank() int      { return c.rank }
func (c *LocalComm) WorldSize() int { return c.hub.size }

// Reduce deposits vec into the hub accumulator and blocks until every rank
// has arrived, then returns a copy of the elementwise sum.
func (c *LocalComm) Reduce(vec []float64) ([]float64, error) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, &CommunicationError{Op: "reduce", Rank: c.rank, Err: errClosed}
	}

	if h.arrived == 0 {
		h.sum = make([]float64, len(vec))
		h.length = len(vec)
	}
	if len(vec) != h.length {
		// A length mismatch means the ranks disagree on the loss keys.
		err := fmt.Errorf("vector length %d does not match group length %d", len(vec), h.length)
		return nil, &CommunicationError{Op: "reduce", Rank: c.rank, Err: err}
	}

	floats.Add(h.sum, vec)
	h.arrived++

	round := h.round
	if h.arrived == h.size {
		// Publish the finished sum before the next round's first arrival
		// can reallocate the accumulator.
		h.result = h.sum
		h.sum = nil
		h.arrived = 0
		h.round++
		h.cond.Broadcast()
	} else {
		for h.round == round && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			return nil, &CommunicationError{Op: "reduce", Rank: c.rank, Err: errClosed}
		}
	}

	out := make([]float64, len(h.result))
	copy(out, h.result)
	return out, nil
}

// Barrier blocks until every rank in the group has called Barrier.
func (c *LocalComm) Barrier() error {
	_, err := c.Reduce(nil)
	if err != nil {
		if ce, ok := err.(*CommunicationError); ok {
			ce.Op = "barrier"
		}
		return err
	}
	return nil
}

// Close wakes any blocked workers; their pending collectives fail.
func (c *LocalComm) Close() error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
	return nil
}

var errClosed = fmt.Errorf("group closed")
