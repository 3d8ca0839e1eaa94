// Package comm provides the collective operations a data-parallel training
// job needs: a sum-reduce over per-worker vectors and a barrier. One process
// (or goroutine) per compute device participates; rank 0 is the coordinator.
package comm

import "fmt"

// Communicator is one participant's handle into a collective group.
type Communicator interface {
	// Rank returns this worker's index in the group. Rank 0 is the coordinator.
	Rank() int

	// WorldSize returns the number of workers in the group.
	WorldSize() int

	// Reduce sums the given vector elementwise with every other worker's
	// vector and returns the sum. All workers must call Reduce with vectors
	// of the same length; the call blocks until every worker has arrived.
	// The input slice is not modified.
	Reduce(vec []float64) ([]float64, error)

	// Barrier blocks until every worker in the group has called Barrier.
	Barrier() error

	// Close releases the worker's group resources.
	Close() error
}

// CommunicationError reports a failed collective operation. Collectives
// cannot be retried once a peer has failed, so callers must treat this as
// fatal and terminate the run.
type CommunicationError struct {
	Op   string // "reduce" or "barrier"
	Rank int
	Err  error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("comm: %s failed on rank %d: %v", e.Op, e.Rank, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}
