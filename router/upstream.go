package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/fieldsync/telemetry"
)

// DefaultTimeout is the default timeout for origin requests.
const DefaultTimeout = 30 * time.Second

// Upstream proxies requests to the application origin.
type Upstream struct {
	baseURL string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithOriginURL sets the application origin URL.
func WithOriginURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// NewUpstream creates a new origin client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "origin"),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Forward replays an incoming request against the origin, preserving
// headers and cookies so credentialed endpoints keep working.
func (u *Upstream) Forward(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := u.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("creating origin request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Connection")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to origin: %w", err)
	}
	return resp, nil
}

// Fetch issues a plain GET against the origin, used by shell precaching and
// background refreshes where there is no incoming request to replay.
func (u *Upstream) Fetch(ctx context.Context, pathAndQuery string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("creating origin request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching from origin: %w", err)
	}
	return resp, nil
}
