package training

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// defaultWindowSize is the number of recent values a meter smooths over.
const defaultWindowSize = 20

// SmoothedValue tracks a series of scalar values and exposes statistics
// over a bounded window of the most recent ones plus a running global
// average that eviction never affects.
type SmoothedValue struct {
	window []float64
	size   int
	count  int
	total  float64
}

// NewSmoothedValue creates a meter with the given window capacity.
func NewSmoothedValue(windowSize int) *SmoothedValue {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &SmoothedValue{size: windowSize}
}

// Update appends a value, evicting the oldest when the window is full.
func (s *SmoothedValue) Update(v float64) {
	if len(s.window) == s.size {
		s.window = s.window[1:]
	}
	s.window = append(s.window, v)
	s.count++
	s.total += v
}

// Median returns the median of the current window.
func (s *SmoothedValue) Median() float64 {
	if len(s.window) == 0 {
		return 0
	}
	sorted := make([]float64, len(s.window))
	copy(sorted, s.window)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Average returns the mean of the current window.
func (s *SmoothedValue) Average() float64 {
	if len(s.window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.window {
		sum += v
	}
	return sum / float64(len(s.window))
}

// GlobalAvg returns the mean over every value ever recorded, regardless of
// window eviction.
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.total / float64(s.count)
}

// Count returns the number of values ever recorded.
func (s *SmoothedValue) Count() int {
	return s.count
}

func (s *SmoothedValue) String() string {
	return fmt.Sprintf("%.4f (%.4f)", s.Median(), s.GlobalAvg())
}

// MetricLogger keeps one SmoothedValue per metric name. Meters are created
// lazily on first update, and rendering walks them in creation order so the
// cadence log line is stable across iterations.
type MetricLogger struct {
	delimiter  string
	windowSize int
	keys       []string
	meters     map[string]*SmoothedValue
}

// NewMetricLogger creates a logger whose rendered meters are joined by the
// given delimiter.
func NewMetricLogger(delimiter string) *MetricLogger {
	return &MetricLogger{
		delimiter:  delimiter,
		windowSize: defaultWindowSize,
		meters:     make(map[string]*SmoothedValue),
	}
}

// Update records a value for the named metric, creating its meter on first
// use.
func (m *MetricLogger) Update(name string, v float64) {
	meter, ok := m.meters[name]
	if !ok {
		meter = NewSmoothedValue(m.windowSize)
		m.meters[name] = meter
		m.keys = append(m.keys, name)
	}
	meter.Update(v)
}

// UpdateLosses records the total reduced loss under "loss" followed by each
// component in the dict's key order.
func (m *MetricLogger) UpdateLosses(total float64, d *LossDict) {
	m.Update("loss", total)
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		m.Update(k, v)
	}
}

// Meter returns the meter for name, or nil if it was never updated.
func (m *MetricLogger) Meter(name string) *SmoothedValue {
	return m.meters[name]
}

// String renders every meter as "name: median (global_avg)" joined by the
// delimiter. Metrics updated with uneven frequency are simply rendered
// with whatever they have seen so far.
func (m *MetricLogger) String() string {
	parts := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, m.meters[k]))
	}
	return strings.Join(parts, m.delimiter)
}
