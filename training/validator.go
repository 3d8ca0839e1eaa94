package training

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"detrain/comm"
)

// IoUType names an evaluation metric family.
type IoUType string

const (
	// IoUBox evaluates bounding-box overlap. Always requested.
	IoUBox IoUType = "bbox"
	// IoUSegm evaluates segmentation-mask overlap. Requested when masks
	// are enabled.
	IoUSegm IoUType = "segm"
)

// InferenceOptions is everything the external inference routine needs for
// one validation dataset.
type InferenceOptions struct {
	IoUTypes []IoUType
	BoxOnly  bool
	Device   Device
	// ExpectedResults and the sigma tolerance support regression testing
	// of evaluation metrics; empty means no expectation.
	ExpectedResults         []float64
	ExpectedResultsSigmaTol float64
	OutputDir               string
}

// InferenceFn is the external inference routine. It runs the model over the
// loader and writes evaluation artifacts into the output dir; no result is
// consumed here.
type InferenceFn func(model Model, loader Loader, opts InferenceOptions) error

// LoaderFactory builds the evaluation loader for a named dataset.
type LoaderFactory func(dataset string) (Loader, error)

// ValidationConfig describes the validation datasets and metric settings.
type ValidationConfig struct {
	Datasets                []string
	MaskOn                  bool
	BoxOnly                 bool
	OutputDir               string
	ExpectedResults         []float64
	ExpectedResultsSigmaTol float64
}

// Validator runs a full evaluation pass over every configured dataset. The
// pass blocks training until it completes, and workers re-synchronize with
// a barrier after each dataset.
type Validator struct {
	config     ValidationConfig
	makeLoader LoaderFactory
	inference  InferenceFn
	device     Device
	comm       comm.Communicator
}

// NewValidator creates a Validator delegating to the given inference
// routine.
func NewValidator(config ValidationConfig, makeLoader LoaderFactory, inference InferenceFn, device Device) *Validator {
	if device == nil {
		device = CPUDevice{}
	}
	return &Validator{
		config:     config,
		makeLoader: makeLoader,
		inference:  inference,
		device:     device,
	}
}

// SetCommunicator attaches the group used for the per-dataset barrier.
func (v *Validator) SetCommunicator(c comm.Communicator) {
	v.comm = c
}

// Run evaluates the model on every configured dataset. A distributed
// wrapper is unwrapped first so inference sees the raw model.
func (v *Validator) Run(model Model) error {
	if dm, ok := model.(DistributedModel); ok {
		model = dm.Unwrap()
	}
	v.device.EmptyCache()

	iouTypes := []IoUType{IoUBox}
	if v.config.MaskOn {
		iouTypes = append(iouTypes, IoUSegm)
	}

	for _, dataset := range v.config.Datasets {
		outputDir := ""
		if v.config.OutputDir != "" {
			outputDir = filepath.Join(v.config.OutputDir, "inference", dataset)
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return errors.Wrapf(err, "training: creating inference dir for %s", dataset)
			}
		}

		loader, err := v.makeLoader(dataset)
		if err != nil {
			return errors.Wrapf(err, "training: building eval loader for %s", dataset)
		}

		opts := InferenceOptions{
			IoUTypes:                iouTypes,
			BoxOnly:                 v.config.BoxOnly,
			Device:                  v.device,
			ExpectedResults:         v.config.ExpectedResults,
			ExpectedResultsSigmaTol: v.config.ExpectedResultsSigmaTol,
			OutputDir:               outputDir,
		}
		if err := v.inference(model, loader, opts); err != nil {
			return errors.Wrapf(err, "training: inference on %s", dataset)
		}

		if v.comm != nil {
			if err := v.comm.Barrier(); err != nil {
				return err
			}
		}
	}
	return nil
}
