package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the build version embedded in the binary.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent on every upstream request.
func UserAgent() string {
	return "OVOEnergyAU/" + Version()
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the request may be reused by redirect handling so clone before mutating
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: WithUserAgent(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// WithUserAgent wraps rt so every request carries the default user-agent.
func WithUserAgent(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if _, ok := rt.(*userAgentTransport); ok {
		return rt
	}
	return &userAgentTransport{
		transport: rt,
		userAgent: UserAgent(),
	}
}
