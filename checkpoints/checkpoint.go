// Package checkpoints saves and restores training state so a run killed at
// iteration N resumes at iteration N+1. A checkpoint is a JSON file holding
// the opaque state dicts of the model, optimizer, and scheduler plus the
// trainer's argument bag, tagged by iteration; a last_checkpoint pointer
// file names the newest one.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"detrain/training"
)

// Stateful is implemented by collaborators whose state is captured in a
// checkpoint. The state bytes are opaque to this package.
type Stateful interface {
	StateDict() ([]byte, error)
	LoadStateDict(data []byte) error
}

// Checkpoint is the on-disk snapshot.
type Checkpoint struct {
	Model     []byte             `json:"model"`
	Optimizer []byte             `json:"optimizer,omitempty"`
	Scheduler []byte             `json:"scheduler,omitempty"`
	Arguments training.Arguments `json:"arguments"`

	Metadata Metadata `json:"metadata"`
}

// Metadata describes when and by what a checkpoint was written.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	Tag       string    `json:"tag"`
}

const lastCheckpointFile = "last_checkpoint"

// Tag formats the checkpoint tag for an iteration.
func Tag(iteration int) string {
	return fmt.Sprintf("model_%07d", iteration)
}

// Checkpointer writes tagged checkpoints into a directory and restores the
// newest one on request. It satisfies training.Checkpointer.
type Checkpointer struct {
	dir       string
	model     Stateful
	optimizer Stateful
	scheduler Stateful
}

// NewCheckpointer creates a Checkpointer saving into dir. Optimizer and
// scheduler may be nil when their state is not worth persisting.
func NewCheckpointer(dir string, model, optimizer, scheduler Stateful) (*Checkpointer, error) {
	if model == nil {
		return nil, fmt.Errorf("checkpoints: model is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "checkpoints: creating checkpoint dir")
	}
	return &Checkpointer{dir: dir, model: model, optimizer: optimizer, scheduler: scheduler}, nil
}

// Save writes the checkpoint <dir>/<tag>.json and updates last_checkpoint.
func (c *Checkpointer) Save(tag string, args training.Arguments) error {
	ckpt := Checkpoint{
		Arguments: args,
		Metadata: Metadata{
			Version:   "1.0.0",
			Framework: "detrain",
			CreatedAt: time.Now(),
			Tag:       tag,
		},
	}

	var err error
	if ckpt.Model, err = c.model.StateDict(); err != nil {
		return errors.Wrap(err, "checkpoints: capturing model state")
	}
	if c.optimizer != nil {
		if ckpt.Optimizer, err = c.optimizer.StateDict(); err != nil {
			return errors.Wrap(err, "checkpoints: capturing optimizer state")
		}
	}
	if c.scheduler != nil {
		if ckpt.Scheduler, err = c.scheduler.StateDict(); err != nil {
			return errors.Wrap(err, "checkpoints: capturing scheduler state")
		}
	}

	path := filepath.Join(c.dir, tag+".json")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "checkpoints: creating checkpoint file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&ckpt); err != nil {
		return errors.Wrap(err, "checkpoints: encoding checkpoint")
	}

	last := filepath.Join(c.dir, lastCheckpointFile)
	if err := os.WriteFile(last, []byte(tag+".json"), 0o644); err != nil {
		return errors.Wrap(err, "checkpoints: updating last_checkpoint")
	}
	return nil
}

// HasCheckpoint reports whether a resumable checkpoint exists.
func (c *Checkpointer) HasCheckpoint() bool {
	_, err := os.Stat(filepath.Join(c.dir, lastCheckpointFile))
	return err == nil
}

// Load restores the newest checkpoint into the model, optimizer, and
// scheduler and returns its argument bag with the iteration advanced by
// one, so training resumes at the iteration after the one that was saved.
// With no checkpoint on disk it returns ok == false and a fresh bag.
func (c *Checkpointer) Load() (args training.Arguments, ok bool, err error) {
	last, err := os.ReadFile(filepath.Join(c.dir, lastCheckpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return training.Arguments{}, false, nil
		}
		return nil, false, errors.Wrap(err, "checkpoints: reading last_checkpoint")
	}

	name := strings.TrimSpace(string(last))
	f, err := os.Open(filepath.Join(c.dir, name))
	if err != nil {
		return nil, false, errors.Wrapf(err, "checkpoints: opening %s", name)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, false, errors.Wrapf(err, "checkpoints: decoding %s", name)
	}

	if err := c.model.LoadStateDict(ckpt.Model); err != nil {
		return nil, false, errors.Wrap(err, "checkpoints: restoring model state")
	}
	if c.optimizer != nil && ckpt.Optimizer != nil {
		if err := c.optimizer.LoadStateDict(ckpt.Optimizer); err != nil {
			return nil, false, errors.Wrap(err, "checkpoints: restoring optimizer state")
		}
	}
	if c.scheduler != nil && ckpt.Scheduler != nil {
		if err := c.scheduler.LoadStateDict(ckpt.Scheduler); err != nil {
			return nil, false, errors.Wrap(err, "checkpoints: restoring scheduler state")
		}
	}

	if ckpt.Arguments == nil {
		ckpt.Arguments = training.Arguments{}
	}
	ckpt.Arguments.SetIteration(ckpt.Arguments.Iteration() + 1)
	return ckpt.Arguments, true, nil
}
