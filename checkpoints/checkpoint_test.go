package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"detrain/training"
)

type fakeStateful struct {
	state  []byte
	loaded []byte
}

func (s *fakeStateful) StateDict() ([]byte, error) { return s.state, nil }

func (s *fakeStateful) LoadStateDict(data []byte) error {
	s.loaded = data
	return nil
}

func TestCheckpointerSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	model := &fakeStateful{state: []byte("model-weights")}
	optimizer := &fakeStateful{state: []byte("momentum")}
	scheduler := &fakeStateful{state: []byte("milestones")}

	c, err := NewCheckpointer(dir, model, optimizer, scheduler)
	require.NoError(t, err)
	require.False(t, c.HasCheckpoint())

	args := training.Arguments{}
	args.SetIteration(2500)
	require.NoError(t, c.Save(Tag(2500), args))
	require.True(t, c.HasCheckpoint())

	restoredModel := &fakeStateful{}
	restoredOptimizer := &fakeStateful{}
	restoredScheduler := &fakeStateful{}
	c2, err := NewCheckpointer(dir, restoredModel, restoredOptimizer, restoredScheduler)
	require.NoError(t, err)

	loaded, ok, err := c2.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("model-weights"), restoredModel.loaded)
	require.Equal(t, []byte("momentum"), restoredOptimizer.loaded)
	require.Equal(t, []byte("milestones"), restoredScheduler.loaded)

	// Iteration 2500 was completed, so the resumed run starts at 2501.
	require.Equal(t, 2501, loaded.Iteration())
}

func TestCheckpointerLoadWithoutCheckpoint(t *testing.T) {
	c, err := NewCheckpointer(t.TempDir(), &fakeStateful{}, nil, nil)
	require.NoError(t, err)

	args, ok, err := c.Load()
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, args)
	require.Equal(t, 0, args.Iteration())
}

func TestCheckpointerTracksNewest(t *testing.T) {
	dir := t.TempDir()
	model := &fakeStateful{state: []byte("w")}
	c, err := NewCheckpointer(dir, model, nil, nil)
	require.NoError(t, err)

	args := training.Arguments{}
	args.SetIteration(20)
	require.NoError(t, c.Save(Tag(20), args))
	args.SetIteration(40)
	require.NoError(t, c.Save(Tag(40), args))

	last, err := os.ReadFile(filepath.Join(dir, "last_checkpoint"))
	require.NoError(t, err)
	require.Equal(t, "model_0000040.json", string(last))

	loaded, ok, err := c.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 41, loaded.Iteration())
}

func TestCheckpointerRequiresModel(t *testing.T) {
	_, err := NewCheckpointer(t.TempDir(), nil, nil, nil)
	require.Error(t, err)
}

func TestTagFormat(t *testing.T) {
	require.Equal(t, "model_0000000", Tag(0))
	require.Equal(t, "model_0090000", Tag(90000))
}
