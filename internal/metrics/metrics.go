// Package metrics provides the fire-and-forget metrics sink used by the
// pipeline, the submission orchestrator and the event reconciler.
package metrics

import (
	"sort"
	"sync"
)

// Tags are label key/value pairs attached to a sample.
type Tags map[string]string

// Sink records counters and histogram observations. Implementations must
// never block or fail the caller.
type Sink interface {
	IncrementCounter(name string, tags Tags)
	ObserveHistogram(name string, value float64, tags Tags)
}

// OrNop returns sink, or a discarding sink when sink is nil.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}

// NopSink discards every sample.
type NopSink struct{}

func (NopSink) IncrementCounter(string, Tags)          {}
func (NopSink) ObserveHistogram(string, float64, Tags) {}

// Sample is one observation captured by a Recorder.
type Sample struct {
	Name  string
	Value float64
	Tags  Tags
}

// Recorder keeps samples in memory. Tests use it to assert on emitted metrics.
type Recorder struct {
	mu         sync.Mutex
	counters   []Sample
	histograms []Sample
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) IncrementCounter(name string, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, Sample{Name: name, Value: 1, Tags: copyTags(tags)})
}

func (r *Recorder) ObserveHistogram(name string, value float64, tags Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms = append(r.histograms, Sample{Name: name, Value: value, Tags: copyTags(tags)})
}

// Counter sums increments of name whose tags contain every pair in match.
func (r *Recorder) Counter(name string, match Tags) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.counters {
		if s.Name == name && s.Tags.contains(match) {
			n++
		}
	}
	return n
}

// Observations returns the histogram samples of name whose tags contain match.
func (r *Recorder) Observations(name string, match Tags) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sample
	for _, s := range r.histograms {
		if s.Name == name && s.Tags.contains(match) {
			out = append(out, s)
		}
	}
	return out
}

func (t Tags) contains(match Tags) bool {
	for k, v := range match {
		if t[k] != v {
			return false
		}
	}
	return true
}

// keys returns the tag names in sorted order.
func (t Tags) keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTags(tags Tags) Tags {
	if tags == nil {
		return Tags{}
	}
	out := make(Tags, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
