package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind buckets a fetch failure into the categories that matter for
// operating the exporter: they drive log fields, nothing else.
//
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection-refused"
	KindTLS               Kind = "tls"
	KindNonSuccessStatus  Kind = "non-success-status"
	KindProxy             Kind = "proxy"

	// KindOther catches everything else, e.g. DNS resolution
	// failures.
	//
	KindOther Kind = "other"
)

// Error is a classified fetch failure.
//
type Error struct {
	Kind Kind
	URL  string

	// StatusCode is set only for KindNonSuccessStatus.
	//
	StatusCode int

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.Kind == KindNonSuccessStatus {
		return fmt.Sprintf("fetch '%s': unexpected status %d",
			e.URL, e.StatusCode)
	}

	return fmt.Sprintf("fetch '%s': %s: %v", e.URL, e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// classify maps a transport-level error to its Kind.
//
// Proxy failures are detected first: https ones carry Go's
// `proxyconnect` marker, plain-http ones surface as ordinary dial errors
// against the proxy's address - both would otherwise fall into the
// refused/timeout buckets.
//
func (f *Fetcher) classify(err error) Kind {
	if strings.Contains(err.Error(), "proxyconnect") {
		return KindProxy
	}

	if f.proxyDialFailure(err) {
		return KindProxy
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return KindTimeout
	}

	if isTLSError(err) {
		return KindTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}

	return KindOther
}

// proxyDialFailure reports whether the error names one of the target's
// proxies, which is how failures to reach a plain-http proxy look.
//
func (f *Fetcher) proxyDialFailure(err error) bool {
	msg := err.Error()

	for _, proxy := range []*url.URL{
		f.target.HTTPProxy, f.target.HTTPSProxy,
	} {
		if proxy != nil && strings.Contains(msg, proxy.Host) {
			return true
		}
	}

	return false
}

func isTLSError(err error) bool {
	var (
		recordHeaderErr tls.RecordHeaderError
		unknownAuthErr  x509.UnknownAuthorityError
		hostnameErr     x509.HostnameError
		certInvalidErr  x509.CertificateInvalidError
	)

	if errors.As(err, &recordHeaderErr) ||
		errors.As(err, &unknownAuthErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalidErr) {
		return true
	}

	// tls alert errors don't export a matchable type.
	msg := err.Error()

	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}
