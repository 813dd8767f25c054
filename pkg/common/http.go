package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded build version.
func Version() string {
	return strings.TrimSpace(version)
}

type headerTransport struct {
	transport http.RoundTripper
	headers   http.Header
}

// RoundTrip implements http.RoundTripper by setting the configured headers on
// a clone of the request.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header[k] = v
	}
	return t.transport.RoundTrip(req)
}

func newClient(timeout time.Duration, headers http.Header) *http.Client {
	headers.Set("User-Agent", "FreePhase/"+Version())
	return &http.Client{
		Transport: &headerTransport{
			transport: http.DefaultTransport,
			headers:   headers,
		},
		Timeout: timeout,
	}
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return newClient(timeout, http.Header{})
}

// BearerHTTPClient returns an http client that also sends the token as a
// bearer Authorization header.
func BearerHTTPClient(timeout time.Duration, token string) *http.Client {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return newClient(timeout, h)
}
