package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBuckets suit stage and submission latencies in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// PrometheusSink creates collectors lazily, one vector per metric name, with
// the label set fixed by the first sample. Samples whose tag keys differ from
// that set are dropped.
type PrometheusSink struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	buckets    []float64
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	dropped    prometheus.Counter
}

// NewPrometheusSink registers collectors on registerer, or the default
// registerer when nil.
func NewPrometheusSink(registerer prometheus.Registerer, buckets ...float64) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "isoflow",
		Subsystem: "metrics",
		Name:      "dropped_samples_total",
		Help:      "Samples dropped because their labels did not match the registered collector",
	})
	if live := register(registerer, dropped); live != nil {
		dropped = live
	}
	return &PrometheusSink{
		registerer: registerer,
		buckets:    buckets,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		dropped:    dropped,
	}
}

func (s *PrometheusSink) IncrementCounter(name string, tags Tags) {
	vec, ok := s.counterVec(name, tags)
	if !ok {
		return
	}
	counter, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		s.dropped.Inc()
		return
	}
	counter.Inc()
}

func (s *PrometheusSink) ObserveHistogram(name string, value float64, tags Tags) {
	vec, ok := s.histogramVec(name, tags)
	if !ok {
		return
	}
	observer, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		s.dropped.Inc()
		return
	}
	observer.Observe(value)
}

func (s *PrometheusSink) counterVec(name string, tags Tags) (*prometheus.CounterVec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.counters[name]; ok {
		return vec, true
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: helpFor(name),
	}, tags.keys())
	registered := register(s.registerer, vec)
	if registered == nil {
		s.dropped.Inc()
		return nil, false
	}
	s.counters[name] = registered
	return registered, true
}

func (s *PrometheusSink) histogramVec(name string, tags Tags) (*prometheus.HistogramVec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.histograms[name]; ok {
		return vec, true
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    helpFor(name),
		Buckets: s.buckets,
	}, tags.keys())
	registered := register(s.registerer, vec)
	if registered == nil {
		s.dropped.Inc()
		return nil, false
	}
	s.histograms[name] = registered
	return registered, true
}

// register tolerates collectors that are already registered and returns the
// live one. It returns the zero value when registration fails for another reason.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	var zero C
	return zero
}

func helpFor(name string) string {
	return "isoflow " + strings.ReplaceAll(strings.TrimPrefix(name, "isoflow_"), "_", " ")
}
