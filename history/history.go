// Package history persists per-key loss sequences across process restarts.
// Each key lives in its own gob file at <dir>/<key>.p; the file is fully
// rewritten on every append, which is O(n) per iteration but acceptable for
// sequences bounded by a training budget.
package history

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// History holds the append-only loss series for every tracked key. Keys are
// discovered dynamically: the first Append for an unknown key loads any
// persisted series from disk, treating a missing or corrupt file as an
// empty series.
type History struct {
	dir    string
	keys   []string
	series map[string][]float64
}

// New creates a History rooted at dir, creating the directory if needed.
func New(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "history: creating output dir")
	}
	return &History{dir: dir, series: make(map[string][]float64)}, nil
}

// Dir returns the directory the series files live in.
func (h *History) Dir() string {
	return h.dir
}

// Keys returns the tracked keys in discovery order.
func (h *History) Keys() []string {
	return h.keys
}

// Series returns the in-memory sequence for key, oldest first. The slice is
// shared; callers must not modify it.
func (h *History) Series(key string) []float64 {
	return h.series[key]
}

// Len returns the number of persisted entries for key.
func (h *History) Len(key string) int {
	return len(h.series[key])
}

// Load returns the series for key, reading any persisted file on first
// access. A missing or unreadable file yields an empty series.
func (h *History) Load(key string) []float64 {
	return h.ensure(key)
}

// Append records v as the value for key at the given iteration and rewrites
// the key's file. A key first seen at iteration M is back-filled with zeros
// so every series stays aligned with the iteration count.
func (h *History) Append(key string, v float64, iteration int) error {
	s := h.ensure(key)
	for len(s) < iteration {
		s = append(s, 0)
	}
	s = append(s, v)
	h.series[key] = s
	return h.save(key)
}

func (h *History) ensure(key string) []float64 {
	s, ok := h.series[key]
	if !ok {
		s = h.load(key)
		h.series[key] = s
		h.keys = append(h.keys, key)
	}
	return s
}

// load reads a previously persisted series. Read failures of any kind are
// recoverable: the key simply starts over with an empty series.
func (h *History) load(key string) []float64 {
	f, err := os.Open(h.path(key))
	if err != nil {
		return nil
	}
	defer f.Close()

	var s []float64
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil
	}
	return s
}

func (h *History) save(key string) error {
	f, err := os.Create(h.path(key))
	if err != nil {
		return errors.Wrapf(err, "history: writing %s", key)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(h.series[key]); err != nil {
		return errors.Wrapf(err, "history: encoding %s", key)
	}
	return nil
}

func (h *History) path(key string) string {
	return filepath.Join(h.dir, key+".p")
}
