package training

import (
	"fmt"
	"strings"

	"detrain/comm"
)

// LossDict is an insertion-ordered mapping from loss name to scalar value.
// Key order is fixed by insertion order and is what the cross-worker
// reduction relies on, so every worker must build its dict in the same
// order.
type LossDict struct {
	keys []string
	vals map[string]float64

	// PartialSum marks a reduced dict held by a non-coordinator rank: the
	// values are the raw cross-worker sums, not averages, and must not be
	// used for arithmetic beyond logging.
	PartialSum bool
}

// NewLossDict creates an empty loss dict.
func NewLossDict() *LossDict {
	return &LossDict{vals: make(map[string]float64)}
}

// Set stores a value, appending the key on first use.
func (d *LossDict) Set(key string, v float64) {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

// Get returns the value for key and whether it is present.
func (d *LossDict) Get(key string) (float64, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order. The returned slice is shared;
// callers must not modify it.
func (d *LossDict) Keys() []string {
	return d.keys
}

// Len returns the number of entries.
func (d *LossDict) Len() int {
	return len(d.keys)
}

// Values returns the values in key order.
func (d *LossDict) Values() []float64 {
	out := make([]float64, len(d.keys))
	for i, k := range d.keys {
		out[i] = d.vals[k]
	}
	return out
}

// Total returns the sum of all entries, the scalar the gradient step
// minimizes.
func (d *LossDict) Total() float64 {
	var sum float64
	for _, k := range d.keys {
		sum += d.vals[k]
	}
	return sum
}

func (d *LossDict) String() string {
	parts := make([]string, 0, len(d.keys))
	for _, k := range d.keys {
		parts = append(parts, fmt.Sprintf("%s: %.4f", k, d.vals[k]))
	}
	return strings.Join(parts, "  ")
}

// ReduceLossDict averages a loss dict across all workers so that rank 0
// holds the averaged results. With a single worker (or a nil communicator)
// the input is returned unchanged and no cross-process call is made.
// Otherwise the values are stacked in key order and sum-reduced; only the
// coordinator divides by the world size. Non-coordinator dicts keep the raw
// sums and are tagged PartialSum. The input dict is never modified.
//
// The reduced values are for logging only: the gradient step must use the
// local, unreduced losses.
func ReduceLossDict(c comm.Communicator, d *LossDict) (*LossDict, error) {
	if c == nil || c.WorldSize() < 2 {
		return d, nil
	}

	sum, err := c.Reduce(d.Values())
	if err != nil {
		return nil, err
	}

	reduced := NewLossDict()
	if c.Rank() == 0 {
		ws := float64(c.WorldSize())
		for i, k := range d.keys {
			reduced.Set(k, sum[i]/ws)
		}
	} else {
		for i, k := range d.keys {
			reduced.Set(k, sum[i])
		}
		reduced.PartialSum = true
	}
	return reduced, nil
}
