package collector

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// telemetryCollector exposes the exporter's own operational series: how
// many cycles ran, when the last one finished, and duration
// distributions for whole cycles and individual fetches.
//
// Everything here is scoped to the process. Per-target health is
// deliberately absent from the exposition - failures belong to the
// logs, while the target's last known values keep being served.
//
type telemetryCollector struct {
	mu           sync.Mutex
	cycles       uint64
	lastCycleEnd time.Time

	cycleDurations *Summary
	fetchDurations *Summary
}

var _ prometheus.Collector = (*telemetryCollector)(nil)

func newTelemetryCollector() *telemetryCollector {
	return &telemetryCollector{
		cycleDurations: NewSummary(),
		fetchDurations: NewSummary(),
	}
}

func (t *telemetryCollector) cycleCompleted(elapsed time.Duration) {
	t.mu.Lock()
	t.cycles++
	t.lastCycleEnd = time.Now()
	t.mu.Unlock()

	t.cycleDurations.Insert(elapsed.Seconds())
}

func (t *telemetryCollector) fetchCompleted(elapsed time.Duration) {
	t.fetchDurations.Insert(elapsed.Seconds())
}

// Describe implements the Describe function of the Collector interface.
//
func (t *telemetryCollector) Describe(_ chan<- *prometheus.Desc) {
}

// Collect implements the Collect function of the Collector interface.
//
func (t *telemetryCollector) Collect(ch chan<- prometheus.Metric) {
	t.mu.Lock()
	cycles := t.cycles
	lastCycleEnd := t.lastCycleEnd
	t.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			"apache_exporter_scrape_cycles_total",
			"number of scrape cycles since the exporter started",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(cycles),
	)

	if !lastCycleEnd.IsZero() {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				"apache_exporter_last_cycle_completed_timestamp_seconds",
				"unix timestamp of the most recently completed "+
					"scrape cycle",
				nil, nil,
			),
			prometheus.GaugeValue,
			float64(lastCycleEnd.UnixNano())/1e9,
		)
	}

	t.collectDurations(ch, t.cycleDurations,
		"apache_exporter_cycle_duration_seconds",
		"distribution of scrape cycle durations",
	)

	t.collectDurations(ch, t.fetchDurations,
		"apache_exporter_fetch_duration_seconds",
		"distribution of individual fetch durations",
	)
}

func (t *telemetryCollector) collectDurations(
	ch chan<- prometheus.Metric, summary *Summary, name, help string,
) {
	count, sum, quantiles := summary.Snapshot()
	if count == 0 {
		return
	}

	ch <- prometheus.MustNewConstSummary(
		prometheus.NewDesc(name, help, nil, nil),
		count, sum, quantiles,
	)
}
