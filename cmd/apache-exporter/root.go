package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/statuspoll/apache-exporter/pkg/collector"
	"github.com/statuspoll/apache-exporter/pkg/config"
	"github.com/statuspoll/apache-exporter/pkg/exporter"
	"github.com/statuspoll/apache-exporter/pkg/registry"
)

type command struct {
	configPath string
}

func (c *command) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "apache-exporter",
		Short:        "Prometheus exporter for apache mod_status metrics",
		RunE:         c.RunE,
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&c.configPath, "config",
		"config.ini", "path of the INI file declaring the targets "+
			"to scrape and the exporter settings")
	_ = cmd.MarkFlagFilename("config")

	return cmd
}

func (c *command) RunE(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	zapLogger, err := newZapLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	log := zapr.NewLogger(zapLogger)

	if len(cfg.Targets) == 0 {
		log.Info("no targets configured - serving an empty snapshot")
	}

	collectorOpts := []collector.Option{
		collector.WithInterval(cfg.ScrapeInterval),
		collector.WithFetchTimeout(cfg.FetchTimeout),
		collector.WithLogger(log.WithName("collector")),
	}

	if cfg.GeoIPFilepath != "" {
		db, err := geoip2.Open(cfg.GeoIPFilepath)
		if err != nil {
			return fmt.Errorf("geoip open: %w", err)
		}
		defer db.Close()

		countryMapper := func(ip net.IP) (string, error) {
			res, err := db.Country(ip)
			if err != nil {
				return "", fmt.Errorf(
					"country '%s': %w", ip, err,
				)
			}

			return res.RegisteredCountry.IsoCode, nil
		}

		collectorOpts = append(collectorOpts,
			collector.WithCountryMapper(countryMapper),
		)
	}

	snapshot := registry.New()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := promRegistry.Register(snapshot); err != nil {
		return fmt.Errorf("register snapshot: %w", err)
	}

	statusCollector, err := collector.New(
		cfg.Targets, snapshot, collectorOpts...,
	)
	if err != nil {
		return fmt.Errorf("new collector: %w", err)
	}

	if err := statusCollector.Register(promRegistry); err != nil {
		return fmt.Errorf("collector register: %w", err)
	}

	prometheusExporter, err := exporter.New(
		exporter.WithBindAddress(cfg.ListenAddress),
		exporter.WithTelemetryPath(cfg.TelemetryPath),
		exporter.WithGatherer(promRegistry),
		exporter.WithLogger(log.WithName("exporter")),
	)
	if err != nil {
		return fmt.Errorf("new exporter: %w", err)
	}
	defer prometheusExporter.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return statusCollector.Run(gctx)
	})

	g.Go(func() error {
		return prometheusExporter.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}

	return nil
}

// newZapLogger builds the process logger: human-oriented development
// output when verbose, JSON production logging otherwise.
//
func newZapLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
