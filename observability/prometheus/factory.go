// Package prometheus implements observability.MetricFactory on the
// Prometheus client. Dotted metric names become underscored, and counters
// gain the conventional _total suffix.
package prometheus

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/credits/observability"
)

var _ observability.MetricFactory = (*Factory)(nil)

// DefaultBuckets fit credit amounts, which range from single digits to a
// few thousand per event.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Factory creates and registers collectors on a Prometheus registerer.
// Asking twice for the same name returns the same collector.
type Factory struct {
	reg     prometheus.Registerer
	buckets []float64

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// Option configures a Factory.
type Option func(*Factory)

// WithBuckets overrides the histogram buckets.
func WithBuckets(b []float64) Option {
	return func(f *Factory) { f.buckets = b }
}

// New creates a Factory registering on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer, opts ...Option) *Factory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := &Factory{
		reg:        reg,
		buckets:    DefaultBuckets,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Counter implements observability.MetricFactory.
func (f *Factory) Counter(name string) observability.Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricName(name) + "_total",
		Help: "Credit ledger counter " + name,
	})
	f.counters[name] = register(f.reg, c)
	return f.counters[name]
}

// Histogram implements observability.MetricFactory.
func (f *Factory) Histogram(name string) observability.Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricName(name),
		Help:    "Credit ledger histogram " + name,
		Buckets: f.buckets,
	})
	f.histograms[name] = register(f.reg, h)
	return f.histograms[name]
}

// register adds c to reg, reusing a collector that is already registered
// under the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok { //nolint:errorlint // registry returns the value type
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
