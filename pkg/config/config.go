// Package config loads the exporter's INI configuration file: a reserved
// `[config]` section with exporter-wide settings, and one section per
// target to scrape.
//
package config

import (
	"fmt"
	"net/url"
	"time"

	"gopkg.in/ini.v1"
)

const (
	// settingsSection is the reserved section carrying exporter-wide
	// settings - every other section declares a target.
	//
	settingsSection = "config"

	// noProxy is the literal value that marks a proxy key as
	// explicitly unset, overriding any exporter-wide proxy.
	//
	noProxy = "None"

	DefaultListenAddress = "127.0.0.1:9081"
	DefaultTelemetryPath = "/metrics"

	defaultScrapeInterval = 300 * time.Second
	defaultFetchTimeout   = 10 * time.Second
)

// Target is a single status endpoint to scrape, as declared by one INI
// section.
//
// Proxy fields hold the effective per-target values: the section's own
// keys when present, otherwise the exporter-wide ones. `nil` means a
// direct connection.
//
type Target struct {
	// Name is the INI section name, unique within the file. It becomes
	// the `target` label on every metric scraped from this endpoint.
	//
	Name string

	// URL is the status endpoint, guaranteed to carry the `auto` query
	// parameter that switches mod_status to its machine-readable form.
	//
	URL string

	HTTPProxy  *url.URL
	HTTPSProxy *url.URL
}

// Config is the fully-resolved configuration: all defaults applied, all
// proxy inheritance flattened into the targets.
//
type Config struct {
	ScrapeInterval time.Duration
	FetchTimeout   time.Duration
	Verbose        bool

	ListenAddress string
	TelemetryPath string
	GeoIPFilepath string

	Targets []Target
}

// Load reads and validates the configuration file at `path`.
//
// Any problem - unreadable file, malformed INI, missing target url,
// unparseable values - is a fatal load error: the process should not
// start with a half-understood configuration.
//
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load '%s': %w", path, err)
	}

	cfg, err := parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse '%s': %w", path, err)
	}

	return cfg, nil
}

func parse(file *ini.File) (*Config, error) {
	cfg := &Config{
		ScrapeInterval: defaultScrapeInterval,
		FetchTimeout:   defaultFetchTimeout,
	}

	settings := file.Section(settingsSection)

	if settings.HasKey("scrape_time_delay") {
		secs, err := settings.Key("scrape_time_delay").Int()
		if err != nil {
			return nil, fmt.Errorf("scrape_time_delay: %w", err)
		}

		if secs <= 0 {
			return nil, fmt.Errorf(
				"scrape_time_delay: must be positive, got %d",
				secs,
			)
		}

		cfg.ScrapeInterval = time.Duration(secs) * time.Second
	}

	if settings.HasKey("scrape_timeout") {
		secs, err := settings.Key("scrape_timeout").Int()
		if err != nil {
			return nil, fmt.Errorf("scrape_timeout: %w", err)
		}

		if secs <= 0 {
			return nil, fmt.Errorf(
				"scrape_timeout: must be positive, got %d",
				secs,
			)
		}

		cfg.FetchTimeout = time.Duration(secs) * time.Second
	}

	if settings.HasKey("verbose") {
		verbose, err := settings.Key("verbose").Bool()
		if err != nil {
			return nil, fmt.Errorf("verbose: %w", err)
		}

		cfg.Verbose = verbose
	}

	cfg.ListenAddress = settings.Key("listen_address").
		MustString(DefaultListenAddress)
	cfg.TelemetryPath = settings.Key("telemetry_path").
		MustString(DefaultTelemetryPath)
	cfg.GeoIPFilepath = settings.Key("geoip_db").String()

	globalHTTPProxy, err := proxyFromKey(settings, "http_proxy", nil)
	if err != nil {
		return nil, err
	}

	globalHTTPSProxy, err := proxyFromKey(settings, "https_proxy", nil)
	if err != nil {
		return nil, err
	}

	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == settingsSection {
			continue
		}

		target, err := targetFromSection(
			section, globalHTTPProxy, globalHTTPSProxy,
		)
		if err != nil {
			return nil, fmt.Errorf("target '%s': %w", name, err)
		}

		cfg.Targets = append(cfg.Targets, target)
	}

	return cfg, nil
}

func targetFromSection(
	section *ini.Section, httpProxy, httpsProxy *url.URL,
) (Target, error) {
	if !section.HasKey("url") {
		return Target{}, fmt.Errorf("missing 'url' key")
	}

	endpoint, err := ensureAutoParam(section.Key("url").String())
	if err != nil {
		return Target{}, err
	}

	target := Target{
		Name: section.Name(),
		URL:  endpoint,
	}

	target.HTTPProxy, err = proxyFromKey(section, "http_proxy", httpProxy)
	if err != nil {
		return Target{}, err
	}

	target.HTTPSProxy, err = proxyFromKey(section, "https_proxy", httpsProxy)
	if err != nil {
		return Target{}, err
	}

	return target, nil
}

// proxyFromKey resolves a proxy key down to its effective value: the
// fallback when the key is absent, `nil` when the key is the `None`
// literal (or empty), the parsed url otherwise.
//
func proxyFromKey(
	section *ini.Section, key string, fallback *url.URL,
) (*url.URL, error) {
	if !section.HasKey(key) {
		return fallback, nil
	}

	raw := section.Key(key).String()
	if raw == noProxy || raw == "" {
		return nil, nil
	}

	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s '%s': %w", key, raw, err)
	}

	if proxyURL.Scheme == "" || proxyURL.Host == "" {
		return nil, fmt.Errorf(
			"%s '%s': proxy url must be absolute", key, raw,
		)
	}

	return proxyURL, nil
}

// ensureAutoParam guarantees that the endpoint url asks mod_status for
// its machine-readable report by carrying the `auto` query parameter,
// appending it when absent.
//
func ensureAutoParam(raw string) (string, error) {
	endpoint, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("url '%s': %w", raw, err)
	}

	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return "", fmt.Errorf(
			"url '%s': scheme must be http or https", raw,
		)
	}

	if endpoint.Host == "" {
		return "", fmt.Errorf("url '%s': missing host", raw)
	}

	query, err := url.ParseQuery(endpoint.RawQuery)
	if err != nil {
		return "", fmt.Errorf("url '%s': query: %w", raw, err)
	}

	if _, found := query["auto"]; found {
		return raw, nil
	}

	if endpoint.RawQuery == "" {
		endpoint.RawQuery = "auto"
	} else {
		endpoint.RawQuery += "&auto"
	}

	return endpoint.String(), nil
}
