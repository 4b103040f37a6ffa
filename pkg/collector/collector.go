package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/statuspoll/apache-exporter/pkg/config"
	"github.com/statuspoll/apache-exporter/pkg/fetcher"
	"github.com/statuspoll/apache-exporter/pkg/modstatus"
	"github.com/statuspoll/apache-exporter/pkg/registry"
)

const (
	defaultInterval = 300 * time.Second
	defaultTimeout  = 10 * time.Second
)

// CountryMapper defines the signature of a function that given an IP,
// translates it into a country name.
//
//	f(ip) -> CN
//
type CountryMapper func(net.IP) (string, error)

// Collector owns the scrape loop: it periodically fans one fetch per
// configured target out, parses the reports that come back, and lands
// the values in the snapshot registry that the exposition endpoint
// serves from.
//
type Collector struct {
	// fetchers hold one ready-made http client per target, proxy
	// choice and all.
	//
	fetchers []*fetcher.Fetcher

	// snapshot is where successfully scraped values land. It is a
	// prometheus collector of its own and registers separately.
	//
	snapshot *registry.Registry

	interval time.Duration
	timeout  time.Duration

	// countryMapper is a function that knows how to translate IPs to
	// country codes.
	//
	// optional: if nil, target info is exposed without resolving
	// anything.
	//
	countryMapper CountryMapper

	telemetry  *telemetryCollector
	targetInfo *targetInfoCollector

	log logr.Logger
}

// Option is a type used by functional arguments to mutate the collector
// to override default behavior.
//
type Option func(c *Collector)

// WithInterval overrides the default delay between two scrape cycles.
//
func WithInterval(v time.Duration) Option {
	return func(c *Collector) {
		c.interval = v
	}
}

// WithFetchTimeout overrides the default per-fetch time budget.
//
func WithFetchTimeout(v time.Duration) Option {
	return func(c *Collector) {
		c.timeout = v
	}
}

// WithCountryMapper provides an ip-to-country function used to enrich
// the per-target info series.
//
func WithCountryMapper(v CountryMapper) Option {
	return func(c *Collector) {
		c.countryMapper = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) Option {
	return func(c *Collector) {
		c.log = v
	}
}

func New(
	targets []config.Target, snapshot *registry.Registry, opts ...Option,
) (*Collector, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	c := &Collector{
		snapshot: snapshot,
		interval: defaultInterval,
		timeout:  defaultTimeout,
		log:      zapr.NewLogger(defaultLogger.Named("collector")),
	}

	for _, opt := range opts {
		opt(c)
	}

	for _, target := range targets {
		c.fetchers = append(c.fetchers, fetcher.New(target, c.timeout))
	}

	c.telemetry = newTelemetryCollector()
	c.targetInfo = newTargetInfoCollector(targets, c.countryMapper, c.log)

	return c, nil
}

// Register makes the collector's own series - scrape telemetry and
// per-target info - available on the given prometheus registry.
//
func (c *Collector) Register(reg prometheus.Registerer) error {
	if err := reg.Register(c.telemetry); err != nil {
		return fmt.Errorf("register telemetry: %w", err)
	}

	if err := reg.Register(c.targetInfo); err != nil {
		return fmt.Errorf("register target info: %w", err)
	}

	return nil
}

// Run executes scrape cycles until the context is cancelled.
//
// ps.: this is a BLOCKING method - make sure you either make use of
// goroutines to not block if needed.
//
func (c *Collector) Run(ctx context.Context) error {
	c.log.WithValues(
		"interval", c.interval.String(),
		"targets", len(c.fetchers),
	).Info("starting scrape loop")

	for {
		started := time.Now()

		c.runCycle(ctx)

		elapsed := time.Since(started)
		c.telemetry.cycleCompleted(elapsed)
		c.log.V(1).Info("cycle completed", "elapsed", elapsed.String())

		// a slow cycle eats into its own interval rather than
		// letting cycles pile up.
		sleep := c.interval - elapsed
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("ctx err: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// runCycle fans one fetch per target out, waits for all of them, then
// applies the results.
//
// The cycle's wall clock is bounded by its slowest fetch, not by the
// sum of them.
//
func (c *Collector) runCycle(ctx context.Context) {
	results := make([]fetcher.Result, len(c.fetchers))

	var g errgroup.Group

	for i, f := range c.fetchers {
		i, f := i, f

		g.Go(func() error {
			results[i] = f.Fetch(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.log.Error(err, "wait")
	}

	for _, result := range results {
		c.apply(result)
	}
}

// apply lands one fetch outcome in the snapshot.
//
// Failures are contained here: the target's previous samples stay
// untouched and nothing else in the cycle is affected.
//
func (c *Collector) apply(result fetcher.Result) {
	target := result.Target.Name

	c.telemetry.fetchCompleted(result.Duration)

	if result.Err != nil {
		c.log.Error(result.Err, "scrape failed",
			"target", target,
			"kind", string(result.Err.Kind),
		)

		return
	}

	values := modstatus.Parse(result.Body)
	if len(values) == 0 {
		c.log.V(1).Info("no recognized fields in report",
			"target", target)

		return
	}

	addWorkerRatio(values)

	c.snapshot.Update(target, values)

	c.log.V(1).Info("updated snapshot",
		"target", target,
		"fields", len(values),
		"duration", result.Duration.String(),
	)
}

// addWorkerRatio derives busy/idle from the two worker counts.
//
// The ratio is only defined when both counts came in the same report
// and there are idle workers to divide by - otherwise the field is left
// out and whatever ratio the snapshot holds survives as-is.
//
func addWorkerRatio(values map[string]float64) {
	busy, busyFound := values[modstatus.MetricBusyWorkers]
	idle, idleFound := values[modstatus.MetricIdleWorkers]

	if !busyFound || !idleFound || idle == 0 {
		return
	}

	values[modstatus.MetricWorkerRatio] = busy / idle
}
