// Package training drives the distributed object-detection training loop:
// it iterates a data loader, runs forward/backward/step on an externally
// supplied model, reduces losses across workers for logging, keeps smoothed
// meters, persists per-key loss history, and checkpoints and validates on a
// fixed cadence. The model, optimizer, scheduler, and data loading are
// external collaborators described by the interfaces in this file.
package training

import (
	"runtime"
	"runtime/debug"
)

// Device abstracts the compute device a worker trains on. The loop only
// needs to move batches onto it, report its peak memory, and drop cached
// allocations before validation.
type Device interface {
	Name() string
	// MaxMemoryAllocated returns the peak memory footprint in bytes.
	MaxMemoryAllocated() uint64
	// EmptyCache releases cached allocations back to the system.
	EmptyCache()
}

// CPUDevice is the in-tree Device backed by the Go runtime.
type CPUDevice struct{}

func (CPUDevice) Name() string { return "cpu" }

func (CPUDevice) MaxMemoryAllocated() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

func (CPUDevice) EmptyCache() {
	debug.FreeOSMemory()
}

// ImageBatch is one batch of input images as produced by the data loader.
type ImageBatch interface {
	// To returns the batch resident on the given device.
	To(device Device) ImageBatch
}

// Target carries the ground-truth annotations for one image.
type Target interface {
	To(device Device) Target
}

// Sample is one (images, targets, ids) triple from a data loader.
type Sample struct {
	Images  ImageBatch
	Targets []Target
	IDs     []int
}

// Loader produces a finite sequence of samples and knows its length up
// front. Implementations must support resuming iteration from an offset
// after a restart.
type Loader interface {
	Len() int
	Next() (*Sample, error)
}

// Model is the externally supplied detection model. Forward produces the
// named loss mapping for a batch; Backward propagates gradients of the most
// recent forward's total loss.
type Model interface {
	Forward(images ImageBatch, targets []Target) (*LossDict, error)
	Backward() error
	Train()
	Eval()
	IsTraining() bool
}

// DistributedModel is a Model wrapped for data-parallel execution. Unwrap
// exposes the raw model underneath, which validation runs against.
type DistributedModel interface {
	Model
	Unwrap() Model
}

// ParamGroup is one optimizer parameter group with its current learning rate.
type ParamGroup struct {
	Name string
	LR   float64
}

// Optimizer exposes the three operations the loop performs per iteration.
type Optimizer interface {
	ZeroGrad()
	Step() error
	ParamGroups() []ParamGroup
}

// Scheduler advances the learning-rate policy by one unit per call. The
// loop steps it once per iteration, before the forward pass.
type Scheduler interface {
	Step()
}

// Checkpointer persists named training state under a string tag.
type Checkpointer interface {
	Save(tag string, args Arguments) error
}

// Arguments is the mutable state bag persisted with every checkpoint. It
// carries at least the current iteration index.
type Arguments map[string]interface{}

const iterationKey = "iteration"

// Iteration returns the stored iteration index, tolerating the float64
// that a JSON round trip produces.
func (a Arguments) Iteration() int {
	switch v := a[iterationKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// SetIteration records the current iteration index.
func (a Arguments) SetIteration(iter int) {
	a[iterationKey] = iter
}
