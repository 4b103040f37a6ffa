package collector

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/statuspoll/apache-exporter/pkg/config"
)

const (
	unknownCountry = "unknown"

	resolveTimeout = 2 * time.Second
)

// targetInfoCollector exposes one constant `apache_target_info` series
// per configured target: the value is always 1, the labels carry the
// payload (currently the country the target's address maps to).
//
type targetInfoCollector struct {
	// countries maps target name to country code, resolved once at
	// construction: targets come from configuration, which is
	// immutable for the process lifetime.
	//
	countries map[string]string
}

var _ prometheus.Collector = (*targetInfoCollector)(nil)

func newTargetInfoCollector(
	targets []config.Target, mapper CountryMapper, log logr.Logger,
) *targetInfoCollector {
	countries := make(map[string]string, len(targets))

	for _, target := range targets {
		countries[target.Name] = countryOf(target, mapper, log)
	}

	return &targetInfoCollector{
		countries: countries,
	}
}

// countryOf resolves a target's host and maps the first address to a
// country. Without a mapper there is nothing to map to, so the lookup
// is skipped entirely.
//
func countryOf(
	target config.Target, mapper CountryMapper, log logr.Logger,
) string {
	if mapper == nil {
		return unknownCountry
	}

	endpoint, err := url.Parse(target.URL)
	if err != nil {
		return unknownCountry
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), resolveTimeout,
	)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, endpoint.Hostname())
	if err != nil || len(addrs) == 0 {
		log.V(1).Info("could not resolve target host",
			"target", target.Name,
			"host", endpoint.Hostname(),
		)

		return unknownCountry
	}

	country, err := mapper(addrs[0].IP)
	if err != nil || country == "" {
		log.V(1).Info("could not map target address to a country",
			"target", target.Name,
		)

		return unknownCountry
	}

	return country
}

// Describe implements the Describe function of the Collector interface.
//
func (t *targetInfoCollector) Describe(_ chan<- *prometheus.Desc) {
}

// Collect implements the Collect function of the Collector interface.
//
func (t *targetInfoCollector) Collect(ch chan<- prometheus.Metric) {
	desc := prometheus.NewDesc(
		"apache_target_info",
		"static information about a configured target",
		[]string{"target", "country"}, nil,
	)

	for name, country := range t.countries {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.GaugeValue, 1, name, country,
		)
	}
}
