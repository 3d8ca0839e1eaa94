package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlotterRendersPNG(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPlotter(dir)
	require.NoError(t, err)

	require.NoError(t, p.Render("loss", []float64{3.2, 2.8, 2.5, 2.6, 2.1}))

	info, err := os.Stat(filepath.Join(dir, "loss.png"))
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestPlotterOverwritesOnRerender(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPlotter(dir)
	require.NoError(t, err)

	require.NoError(t, p.Render("loss", []float64{1}))
	require.NoError(t, p.Render("loss", []float64{1, 0.5}))

	_, err = os.Stat(filepath.Join(dir, "loss.png"))
	require.NoError(t, err)
}
