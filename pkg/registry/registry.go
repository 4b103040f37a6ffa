// Package registry keeps the most recent successfully scraped samples
// of every target and exposes them as prometheus gauges.
//
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/statuspoll/apache-exporter/pkg/modstatus"
)

// namespace prefixes every metric exposed out of the snapshot.
//
const namespace = "apache"

// help carries the exposition help string of each canonical metric.
//
var help = map[string]string{
	modstatus.MetricTotalAccesses: "total number of accesses",
	modstatus.MetricCPULoad:       "cpu load",
	modstatus.MetricUptime:        "uptime in seconds",
	modstatus.MetricReqPerSec:     "requests per second",
	modstatus.MetricBytesPerSec:   "bytes transferred per second",
	modstatus.MetricWorkerRatio:   "ratio of busy to idle workers",
	modstatus.MetricBusyWorkers:   "number of busy workers",
	modstatus.MetricIdleWorkers:   "number of idle workers",
}

// Sample is one scraped value of one target.
//
type Sample struct {
	Target     string
	Metric     string
	Value      float64
	ObservedAt time.Time
}

// Registry is the snapshot of last known values: what the exposition
// endpoint serves between scrape cycles.
//
// A target that stops responding keeps its previous samples - stale
// values beat absent ones, and failures surface in logs instead.
//
type Registry struct {
	mu      sync.RWMutex
	targets map[string]map[string]Sample

	now func() time.Time
}

var _ prometheus.Collector = (*Registry)(nil)

type Option func(r *Registry)

// WithClock overrides the time source used to stamp samples.
//
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		targets: map[string]map[string]Sample{},
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Update merges one target's freshly parsed values into the snapshot.
//
// The merge happens under a single lock acquisition: a concurrent
// reader sees either all of this cycle's values for the target or none
// of them, never a mix of cycles. Metrics absent from `values` keep
// their previous sample.
//
func (r *Registry) Update(target string, values map[string]float64) {
	if len(values) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	samples, found := r.targets[target]
	if !found {
		samples = make(map[string]Sample, len(values))
		r.targets[target] = samples
	}

	observedAt := r.now()

	for metric, value := range values {
		samples[metric] = Sample{
			Target:     target,
			Metric:     metric,
			Value:      value,
			ObservedAt: observedAt,
		}
	}
}

// ReadAll returns a copy of every sample in the snapshot, sorted by
// target and then metric so that consumers render deterministically.
//
func (r *Registry) ReadAll() []Sample {
	r.mu.RLock()

	all := make([]Sample, 0, len(r.targets)*8)
	for _, samples := range r.targets {
		for _, sample := range samples {
			all = append(all, sample)
		}
	}

	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Target != all[j].Target {
			return all[i].Target < all[j].Target
		}

		return all[i].Metric < all[j].Metric
	})

	return all
}

// Describe implements the Describe function of the Collector interface.
//
// The metric set depends on what the targets report, so descriptions
// are only known at collect time and nothing is written here.
//
func (r *Registry) Describe(_ chan<- *prometheus.Desc) {
}

// Collect implements the Collect function of the Collector interface,
// emitting one `apache_<metric>` gauge per sample, labelled with the
// target it was scraped from.
//
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, sample := range r.ReadAll() {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				fmt.Sprintf("%s_%s", namespace, sample.Metric),
				helpFor(sample.Metric),
				[]string{"target"}, nil,
			),
			prometheus.GaugeValue,
			sample.Value,
			sample.Target,
		)
	}
}

func helpFor(metric string) string {
	if h, found := help[metric]; found {
		return h
	}

	return fmt.Sprintf("value of the %s status field", metric)
}
