// Package modstatus parses the machine-readable form of Apache's
// mod_status report (the `?auto` variant): plain text where each line
// carries a `Key: Value` pair.
//
package modstatus

import (
	"math"
	"strconv"
	"strings"
)

// canonical metric names derived from the mod_status report fields.
//
// these are the names used throughout the exporter - storage, logs, and
// the final `apache_<metric>` exposition all refer to them.
//
const (
	MetricTotalAccesses = "total_accesses"
	MetricCPULoad       = "cpu_load"
	MetricUptime        = "uptime"
	MetricReqPerSec     = "req_per_sec"
	MetricBytesPerSec   = "bytes_per_sec"
	MetricBusyWorkers   = "busy_workers"
	MetricIdleWorkers   = "idle_workers"

	// MetricWorkerRatio is derived from busy/idle workers by the
	// scrape coordinator - it is never produced by Parse itself.
	//
	MetricWorkerRatio = "worker_ratio"
)

// fields maps the report keys we care about to their canonical metric
// names.
//
// `CPU Load` vs `CPULoad`: apache changed the spelling of this field
// across versions, so both are accepted.
//
var fields = map[string]string{
	"Total Accesses": MetricTotalAccesses,
	"CPULoad":        MetricCPULoad,
	"CPU Load":       MetricCPULoad,
	"Uptime":         MetricUptime,
	"ReqPerSec":      MetricReqPerSec,
	"BytesPerSec":    MetricBytesPerSec,
	"BusyWorkers":    MetricBusyWorkers,
	"IdleWorkers":    MetricIdleWorkers,
}

// Parse extracts the known numeric fields out of a raw mod_status report,
// keyed by canonical metric name.
//
// Parse is total: lines that don't match the `Key: Value` grammar, keys
// that aren't known, and values that aren't parseable as finite floats
// are all silently skipped. Whatever remains is returned - possibly an
// empty map, never nil, never an error.
//
func Parse(raw string) map[string]float64 {
	metrics := map[string]float64{}

	for _, line := range strings.Split(raw, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		name, known := fields[strings.TrimSpace(key)]
		if !known {
			continue
		}

		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}

		metrics[name] = v
	}

	return metrics
}
