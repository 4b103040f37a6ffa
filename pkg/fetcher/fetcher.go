// Package fetcher retrieves raw status reports over HTTP, one fetcher
// per configured target.
//
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/statuspoll/apache-exporter/pkg/config"
)

// Fetcher performs the HTTP GETs against a single target's status
// endpoint.
//
// The http client - and with it the target's proxy choice - is built
// once here, not per fetch.
//
type Fetcher struct {
	target  config.Target
	client  *http.Client
	timeout time.Duration
}

// Result is the outcome of a single fetch attempt: either Body or Err
// is meaningful, never both.
//
type Result struct {
	Target    config.Target
	Body      string
	Err       *Error
	FetchedAt time.Time
	Duration  time.Duration
}

func New(target config.Target, timeout time.Duration) *Fetcher {
	return &Fetcher{
		target:  target,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: proxySelector(target),
			},
		},
	}
}

// proxySelector builds the transport's proxy function for a target:
// https requests go through the target's https proxy, everything else
// through its http proxy. nil means a direct connection.
//
func proxySelector(target config.Target) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return target.HTTPSProxy, nil
		}

		return target.HTTPProxy, nil
	}
}

// Fetch performs one GET against the target's status endpoint.
//
// Fetch never returns a Go error: failures are classified and carried
// in the result's Err field, so a scrape cycle can treat all of its
// targets' outcomes uniformly.
//
func (f *Fetcher) Fetch(ctx context.Context) Result {
	started := time.Now()

	body, fetchErr := f.get(ctx)

	return Result{
		Target:    f.target,
		Body:      body,
		Err:       fetchErr,
		FetchedAt: started,
		Duration:  time.Since(started),
	}
}

func (f *Fetcher) get(ctx context.Context) (string, *Error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, f.target.URL, nil,
	)
	if err != nil {
		return "", &Error{
			Kind:  KindOther,
			URL:   f.target.URL,
			cause: err,
		}
	}

	res, err := f.client.Do(req)
	if err != nil {
		return "", &Error{
			Kind:  f.classify(err),
			URL:   f.target.URL,
			cause: err,
		}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &Error{
			Kind:       KindNonSuccessStatus,
			URL:        f.target.URL,
			StatusCode: res.StatusCode,
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &Error{
			Kind:  f.classify(err),
			URL:   f.target.URL,
			cause: err,
		}
	}

	return string(body), nil
}
