package training

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"detrain/comm"
	"detrain/history"
)

// Config holds configuration for the training loop.
type Config struct {
	Device           Device // defaults to CPUDevice
	CheckpointPeriod int    // checkpoint+validate every N iterations
	LogPeriod        int    // log and re-render plots every N iterations (default 20)
	OutputDir        string // plots and inference artifacts
	HistoryDir       string // per-key loss series files (default ./outputs)
}

// DefaultConfig returns a configuration matching the usual cadences.
func DefaultConfig() Config {
	return Config{
		Device:           CPUDevice{},
		CheckpointPeriod: 2500,
		LogPeriod:        20,
		OutputDir:        ".",
		HistoryDir:       "./outputs",
	}
}

// Validate fills defaults and rejects configurations the loop cannot run
// with.
func (c *Config) Validate() error {
	if c.Device == nil {
		c.Device = CPUDevice{}
	}
	if c.LogPeriod <= 0 {
		c.LogPeriod = 20
	}
	if c.HistoryDir == "" {
		c.HistoryDir = "./outputs"
	}
	if c.CheckpointPeriod < 0 {
		return fmt.Errorf("training: checkpoint period must be >= 0, got %d", c.CheckpointPeriod)
	}
	return nil
}

// Trainer runs the iteration-driven training loop over externally supplied
// collaborators. One Trainer exists per worker process; workers cooperate
// only through the communicator's collectives.
type Trainer struct {
	model        Model
	loader       Loader
	optimizer    Optimizer
	scheduler    Scheduler
	checkpointer Checkpointer
	config       Config

	comm      comm.Communicator
	validator *Validator
	arguments Arguments
	meters    *MetricLogger
	logger    *log.Logger
}

// NewTrainer creates a Trainer. The configuration is validated up front so
// a zero-length schedule or bad period fails before the loop starts.
func NewTrainer(model Model, loader Loader, optimizer Optimizer, scheduler Scheduler, checkpointer Checkpointer, config Config) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		model:        model,
		loader:       loader,
		optimizer:    optimizer,
		scheduler:    scheduler,
		checkpointer: checkpointer,
		config:       config,
		arguments:    Arguments{},
		meters:       NewMetricLogger("  "),
		logger:       log.New(os.Stdout, "detrain.trainer ", log.LstdFlags),
	}, nil
}

// SetCommunicator attaches the collective group for multi-worker runs. A
// nil communicator means world size 1.
func (t *Trainer) SetCommunicator(c comm.Communicator) {
	t.comm = c
}

// SetValidator attaches the validation pass run after each checkpoint.
func (t *Trainer) SetValidator(v *Validator) {
	t.validator = v
}

// SetArguments installs a resumed argument bag; the loop starts at its
// iteration index.
func (t *Trainer) SetArguments(args Arguments) {
	if args != nil {
		t.arguments = args
	}
}

// SetLogger replaces the destination of the cadence log lines.
func (t *Trainer) SetLogger(l *log.Logger) {
	t.logger = l
}

// Meters exposes the smoothed metrics for inspection.
func (t *Trainer) Meters() *MetricLogger {
	return t.meters
}

// Arguments exposes the mutable state bag persisted with checkpoints.
func (t *Trainer) Arguments() Arguments {
	return t.arguments
}

// Run executes the training loop from the resumed iteration through the end
// of the data loader, checkpointing and validating on the configured
// cadence. Communication failures are fatal and returned as
// *comm.CommunicationError.
func (t *Trainer) Run() error {
	maxIter := t.loader.Len()
	if maxIter == 0 {
		return fmt.Errorf("training: data loader is empty")
	}
	startIter := t.arguments.Iteration()

	hist, err := history.New(t.config.HistoryDir)
	if err != nil {
		return err
	}
	var plotter *history.Plotter
	if t.config.OutputDir != "" {
		if plotter, err = history.NewPlotter(t.config.OutputDir); err != nil {
			return err
		}
	}

	t.logger.Println("Start training")
	t.model.Train()
	device := t.config.Device

	trainingStart := time.Now()
	end := time.Now()

	for iteration := startIter; iteration < maxIter; iteration++ {
		sample, err := t.loader.Next()
		if err != nil {
			return errors.Wrapf(err, "training: loading batch at iteration %d", iteration)
		}
		dataTime := time.Since(end).Seconds()
		t.arguments.SetIteration(iteration)

		t.scheduler.Step()

		// Validation may have left the model in eval mode.
		t.model.Train()

		images := sample.Images.To(device)
		targets := make([]Target, len(sample.Targets))
		for i, tgt := range sample.Targets {
			targets[i] = tgt.To(device)
		}

		losses, err := t.model.Forward(images, targets)
		if err != nil {
			return errors.Wrapf(err, "training: forward pass at iteration %d", iteration)
		}

		// Reduced losses are for logging only; the gradient step below uses
		// the local per-worker losses.
		reduced, err := ReduceLossDict(t.comm, losses)
		if err != nil {
			return err
		}
		t.meters.UpdateLosses(reduced.Total(), reduced)

		t.optimizer.ZeroGrad()
		if err := t.model.Backward(); err != nil {
			return errors.Wrapf(err, "training: backward pass at iteration %d", iteration)
		}
		if err := t.optimizer.Step(); err != nil {
			return errors.Wrapf(err, "training: optimizer step at iteration %d", iteration)
		}

		batchTime := time.Since(end).Seconds()
		end = time.Now()
		t.meters.Update("time", batchTime)
		t.meters.Update("data", dataTime)

		etaSeconds := t.meters.Meter("time").GlobalAvg() * float64(maxIter-iteration)

		// Persist every iteration, not just on the logging cadence.
		for _, key := range reduced.Keys() {
			v, _ := reduced.Get(key)
			if err := hist.Append(key, v, iteration); err != nil {
				return err
			}
		}

		if iteration%t.config.LogPeriod == 0 || iteration == maxIter-1 {
			t.logger.Printf("eta: %s  iter: %d  %s  lr: %.6f  max mem: %.0f",
				formatETA(etaSeconds), iteration, t.meters, t.currentLR(),
				float64(device.MaxMemoryAllocated())/1024.0/1024.0)

			if plotter != nil {
				for _, key := range reduced.Keys() {
					if err := plotter.Render(key, hist.Series(key)); err != nil {
						return err
					}
				}
			}
		}

		if t.config.CheckpointPeriod > 0 && iteration > 0 && iteration%t.config.CheckpointPeriod == 0 {
			if err := t.checkpointer.Save(checkpointTag(iteration), t.arguments); err != nil {
				return errors.Wrapf(err, "training: checkpoint at iteration %d", iteration)
			}
			if t.validator != nil {
				if err := t.validator.Run(t.model); err != nil {
					return errors.Wrapf(err, "training: validation at iteration %d", iteration)
				}
			}
		}
	}

	if err := t.checkpointer.Save(checkpointTag(maxIter-1), t.arguments); err != nil {
		return errors.Wrap(err, "training: final checkpoint")
	}

	total := time.Since(trainingStart)
	t.logger.Printf("Total training time: %s (%.4f s / it)",
		formatETA(total.Seconds()), total.Seconds()/float64(maxIter))
	return nil
}

// currentLR reads the learning rate of the first parameter group.
func (t *Trainer) currentLR() float64 {
	if groups := t.optimizer.ParamGroups(); len(groups) > 0 {
		return groups[0].LR
	}
	return 0
}

// checkpointTag formats the tag a checkpoint is saved under.
func checkpointTag(iteration int) string {
	return fmt.Sprintf("model_%07d", iteration)
}

// formatETA renders seconds as H:MM:SS with unbounded hours, truncating
// fractional seconds.
func formatETA(seconds float64) string {
	s := int64(seconds)
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
