package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/statuspoll/apache-exporter/pkg/config"
	"github.com/statuspoll/apache-exporter/pkg/modstatus"
	"github.com/statuspoll/apache-exporter/pkg/registry"
)

const localhostReport = "Total Accesses: 12345\n" +
	"CPU Load: .05\n" +
	"Uptime: 600\n" +
	"ReqPerSec: 3.2\n" +
	"BytesPerSec: 1024\n" +
	"BusyWorkers: 4\n" +
	"IdleWorkers: 16\n"

func newTestCollector(
	t *testing.T, snapshot *registry.Registry,
	targets []config.Target, opts ...Option,
) *Collector {
	t.Helper()

	opts = append([]Option{WithLogger(logr.Discard())}, opts...)

	c, err := New(targets, snapshot, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return c
}

func valuesOf(snapshot *registry.Registry, target string) map[string]float64 {
	values := map[string]float64{}

	for _, sample := range snapshot.ReadAll() {
		if sample.Target == target {
			values[sample.Metric] = sample.Value
		}
	}

	return values
}

func TestRunCycle_AppliesParsedReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, localhostReport)
		},
	))
	defer srv.Close()

	snapshot := registry.New()

	c := newTestCollector(t, snapshot, []config.Target{
		{Name: "localhost", URL: srv.URL + "/server-status?auto"},
	})

	c.runCycle(context.Background())

	expected := map[string]float64{
		modstatus.MetricTotalAccesses: 12345,
		modstatus.MetricCPULoad:       0.05,
		modstatus.MetricUptime:        600,
		modstatus.MetricReqPerSec:     3.2,
		modstatus.MetricBytesPerSec:   1024,
		modstatus.MetricBusyWorkers:   4,
		modstatus.MetricIdleWorkers:   16,
		modstatus.MetricWorkerRatio:   0.25,
	}

	actual := valuesOf(snapshot, "localhost")

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("snapshot = %v, want %v", actual, expected)
	}
}

func TestRunCycle_NoRatioWithoutIdleWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "BusyWorkers: 4\nIdleWorkers: 0\n")
		},
	))
	defer srv.Close()

	snapshot := registry.New()

	c := newTestCollector(t, snapshot, []config.Target{
		{Name: "saturated", URL: srv.URL + "?auto"},
	})

	c.runCycle(context.Background())

	values := valuesOf(snapshot, "saturated")

	if _, found := values[modstatus.MetricWorkerRatio]; found {
		t.Error("worker_ratio present, want it omitted when idle == 0")
	}

	if values[modstatus.MetricBusyWorkers] != 4 {
		t.Errorf("busy_workers = %v, want 4",
			values[modstatus.MetricBusyWorkers])
	}
}

func TestRunCycle_FailureKeepsPreviousSamples(t *testing.T) {
	var failing atomic.Bool

	flappy := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if failing.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			fmt.Fprint(w, "BusyWorkers: 4\nIdleWorkers: 16\n")
		},
	))
	defer flappy.Close()

	var uptime atomic.Int64

	healthy := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, "Uptime: %d\n", uptime.Add(100))
		},
	))
	defer healthy.Close()

	snapshot := registry.New()

	c := newTestCollector(t, snapshot, []config.Target{
		{Name: "flappy", URL: flappy.URL + "?auto"},
		{Name: "healthy", URL: healthy.URL + "?auto"},
	})

	c.runCycle(context.Background())

	// the flappy target goes down; its samples must survive while the
	// healthy one keeps moving.
	failing.Store(true)

	c.runCycle(context.Background())

	flappyValues := valuesOf(snapshot, "flappy")

	if flappyValues[modstatus.MetricBusyWorkers] != 4 ||
		flappyValues[modstatus.MetricIdleWorkers] != 16 {
		t.Errorf("flappy samples = %v, want the pre-failure values",
			flappyValues)
	}

	healthyValues := valuesOf(snapshot, "healthy")

	if healthyValues[modstatus.MetricUptime] != 200 {
		t.Errorf("healthy uptime = %v, want 200 (second cycle)",
			healthyValues[modstatus.MetricUptime])
	}
}

func TestRunCycle_FetchesConcurrently(t *testing.T) {
	slow := func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "Uptime: 1\n")
	}

	srv1 := httptest.NewServer(http.HandlerFunc(slow))
	defer srv1.Close()

	srv2 := httptest.NewServer(http.HandlerFunc(slow))
	defer srv2.Close()

	snapshot := registry.New()

	c := newTestCollector(t, snapshot, []config.Target{
		{Name: "one", URL: srv1.URL + "?auto"},
		{Name: "two", URL: srv2.URL + "?auto"},
	})

	started := time.Now()
	c.runCycle(context.Background())
	elapsed := time.Since(started)

	// sequential fetches would take >= 400ms.
	if elapsed >= 350*time.Millisecond {
		t.Errorf("cycle took %v, want close to the slowest fetch",
			elapsed)
	}

	if len(snapshot.ReadAll()) != 2 {
		t.Errorf("len(ReadAll()) = %d, want both targets applied",
			len(snapshot.ReadAll()))
	}
}

func TestRunCycle_PerTargetProxyRouting(t *testing.T) {
	direct := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "BusyWorkers: 2\n")
		},
	))
	defer direct.Close()

	// the proxy records every host requested through it and answers
	// the status report itself.
	var (
		mu      sync.Mutex
		proxied []string
	)

	proxy := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			proxied = append(proxied, r.Host)
			mu.Unlock()

			fmt.Fprint(w, "BusyWorkers: 8\n")
		},
	))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}

	snapshot := registry.New()

	c := newTestCollector(t, snapshot, []config.Target{
		{
			Name:      "proxied",
			URL:       "http://apache.internal/server-status?auto",
			HTTPProxy: proxyURL,
		},
		{Name: "direct", URL: direct.URL + "?auto"},
	})

	c.runCycle(context.Background())

	mu.Lock()
	defer mu.Unlock()

	// only the overriding target may have gone through the proxy.
	if len(proxied) != 1 || proxied[0] != "apache.internal" {
		t.Errorf("proxy saw %v, want exactly [apache.internal]", proxied)
	}

	proxiedValues := valuesOf(snapshot, "proxied")

	if proxiedValues[modstatus.MetricBusyWorkers] != 8 {
		t.Errorf("proxied busy_workers = %v, want 8 (the proxy's answer)",
			proxiedValues[modstatus.MetricBusyWorkers])
	}

	directValues := valuesOf(snapshot, "direct")

	if directValues[modstatus.MetricBusyWorkers] != 2 {
		t.Errorf("direct busy_workers = %v, want 2 (the endpoint's answer)",
			directValues[modstatus.MetricBusyWorkers])
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			fmt.Fprint(w, "Uptime: 1\n")
		},
	))
	defer srv.Close()

	c := newTestCollector(t, registry.New(), []config.Target{
		{Name: "localhost", URL: srv.URL + "?auto"},
	}, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- c.Run(ctx)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if hits.Load() < 2 {
		t.Errorf("target hit %d times, want repeated cycles",
			hits.Load())
	}
}

func TestRegister_ExposesTelemetryAndTargetInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, localhostReport)
		},
	))
	defer srv.Close()

	snapshot := registry.New()

	c := newTestCollector(t, snapshot, []config.Target{
		{Name: "localhost", URL: srv.URL + "?auto"},
	}, WithInterval(10*time.Millisecond))

	promRegistry := prometheus.NewPedanticRegistry()

	if err := c.Register(promRegistry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- c.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	families, err := promRegistry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, family := range families {
		byName[family.GetName()] = family
	}

	cycles, found := byName["apache_exporter_scrape_cycles_total"]
	if !found {
		t.Fatal("apache_exporter_scrape_cycles_total not exposed")
	}

	if v := cycles.GetMetric()[0].GetCounter().GetValue(); v < 1 {
		t.Errorf("scrape_cycles_total = %v, want >= 1", v)
	}

	for _, name := range []string{
		"apache_exporter_cycle_duration_seconds",
		"apache_exporter_fetch_duration_seconds",
		"apache_exporter_last_cycle_completed_timestamp_seconds",
	} {
		if _, found := byName[name]; !found {
			t.Errorf("%s not exposed", name)
		}
	}

	info, found := byName["apache_target_info"]
	if !found {
		t.Fatal("apache_target_info not exposed")
	}

	labels := map[string]string{}
	for _, label := range info.GetMetric()[0].GetLabel() {
		labels[label.GetName()] = label.GetValue()
	}

	if labels["target"] != "localhost" {
		t.Errorf("target label = %q, want localhost", labels["target"])
	}

	// no country mapper configured, so the label falls back.
	if labels["country"] != "unknown" {
		t.Errorf("country label = %q, want unknown", labels["country"])
	}
}

func TestAddWorkerRatio(t *testing.T) {
	cases := []struct {
		name     string
		values   map[string]float64
		expected float64
		derived  bool
	}{
		{
			name: "both counts present",
			values: map[string]float64{
				modstatus.MetricBusyWorkers: 4,
				modstatus.MetricIdleWorkers: 16,
			},
			expected: 0.25,
			derived:  true,
		},
		{
			name: "no idle workers",
			values: map[string]float64{
				modstatus.MetricBusyWorkers: 4,
				modstatus.MetricIdleWorkers: 0,
			},
			derived: false,
		},
		{
			name: "busy count missing",
			values: map[string]float64{
				modstatus.MetricIdleWorkers: 16,
			},
			derived: false,
		},
		{
			name: "idle count missing",
			values: map[string]float64{
				modstatus.MetricBusyWorkers: 4,
			},
			derived: false,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			addWorkerRatio(tc.values)

			ratio, found := tc.values[modstatus.MetricWorkerRatio]

			if found != tc.derived {
				t.Fatalf("ratio present = %v, want %v",
					found, tc.derived)
			}

			if tc.derived && ratio != tc.expected {
				t.Errorf("worker_ratio = %v, want %v",
					ratio, tc.expected)
			}
		})
	}
}
