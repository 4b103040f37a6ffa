package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// shutdownTimeout bounds how long in-flight scrapes may delay process
// termination.
//
const shutdownTimeout = 5 * time.Second

// landingPage is what `/` serves: a pointer to wherever the metrics
// actually live.
//
const landingPage = `<html>
<head><title>Apache Exporter</title></head>
<body>
<h1>Apache Exporter</h1>
<p><a href="%s">Metrics</a></p>
</body>
</html>
`

// Exporter is responsible for bringing up the web server that serves
// the metrics gathered from an explicitly provided registry (e.g., see
// `pkg/registry` and `pkg/collector`).
//
type Exporter struct {
	// listenAddress is the full address used by prometheus
	// to listen for scraping requests.
	//
	// Examples:
	// - 127.0.0.1:9081
	// - :9081
	//
	listenAddress string

	// telemetryPath configures the path under which
	// the prometheus metrics are reported.
	//
	// For instance:
	// - /metrics
	// - /telemetry
	//
	telemetryPath string

	// gatherer is the prometheus registry whose metrics get served.
	//
	// always an explicit registry - the exporter never reaches for
	// the global default one.
	//
	gatherer prometheus.Gatherer

	// listener is the TCP listener used by the webserver. `nil` if no
	// server is running.
	//
	mu       sync.Mutex
	listener net.Listener

	log logr.Logger
}

// Option.
//
type Option func(e *Exporter)

// WithBindAddress overrides the default address to listen on.
//
func WithBindAddress(v string) Option {
	return func(e *Exporter) {
		e.listenAddress = v
	}
}

// WithTelemetryPath overrides the default path under which metrics are
// served.
//
func WithTelemetryPath(v string) Option {
	return func(e *Exporter) {
		e.telemetryPath = v
	}
}

// WithGatherer provides the registry whose metrics this exporter
// serves.
//
func WithGatherer(v prometheus.Gatherer) Option {
	return func(e *Exporter) {
		e.gatherer = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) Option {
	return func(e *Exporter) {
		e.log = v
	}
}

// New.
//
func New(opts ...Option) (*Exporter, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	e := &Exporter{
		listenAddress: "127.0.0.1:9081",
		telemetryPath: "/metrics",
		gatherer:      prometheus.NewRegistry(),
		log:           zapr.NewLogger(defaultLogger.Named("exporter")),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run initiates the HTTP server to serve the metrics and blocks until
// the context is cancelled (shutting the server down gracefully) or
// the server dies on its own.
//
// ps.: this is a BLOCKING method - make sure you either make use of
// goroutines to not block if needed.
//
func (e *Exporter) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return fmt.Errorf("listen on '%s': %w", e.listenAddress, err)
	}

	e.mu.Lock()
	e.listener = listener
	e.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(e.telemetryPath, promhttp.HandlerFor(
		e.gatherer, promhttp.HandlerOpts{},
	))

	if e.telemetryPath != "/" {
		// "/" is a catch-all pattern: anything unmatched lands here.
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}

			fmt.Fprintf(w, landingPage, e.telemetryPath)
		})
	}

	server := &http.Server{Handler: mux}

	doneChan := make(chan error, 1)

	go func() {
		defer close(doneChan)

		e.log.WithValues(
			"addr", listener.Addr().String(),
			"path", e.telemetryPath,
		).Info("listening")

		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			doneChan <- fmt.Errorf(
				"serve on '%s': %w", e.listenAddress, err,
			)
		}
	}()

	select {
	case err := <-doneChan:
		if err != nil {
			return fmt.Errorf("donechan err: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	e.log.Info("shutting down")

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return fmt.Errorf("ctx err: %w", ctx.Err())
}

// Addr is the address the exporter actually listens on - nil before
// Run bound it. Useful when binding to port 0.
//
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Close gracefully closes the tcp listener associated with it.
//
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return nil
	}

	e.log.Info("closing")

	err := e.listener.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close: %w", err)
	}

	e.listener = nil

	return nil
}
