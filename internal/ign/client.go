// Package ign talks to the IGN geoservices: download pages listing dataset
// archives, the archives themselves and the orthophoto WMS.
package ign

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"geoslice/internal/retry"
)

// UserAgent is sent with every request
const UserAgent = "geoslice/1.0 (+https://geoservices.ign.fr)"

// Options configures a Client
type Options struct {
	// Timeout bounds page and WMS requests. Archive downloads are bounded by
	// their context only.
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int

	// Transport replaces the default proxy-aware transport, mainly in tests
	Transport http.RoundTripper
}

// Client is a rate-limited HTTP client for IGN endpoints
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	limiter        *rate.Limiter
}

// NewClient creates a new IGN client with system proxy support
func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		// Use http.ProxyFromEnvironment to respect system proxy settings
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 8,
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		downloadClient: &http.Client{Transport: transport},
		limiter:        rate.NewLimiter(limit, burst),
	}
}

// get issues a rate-limited GET. Non-2xx responses are returned as
// *retry.StatusError (permanent when not transient) with the body closed.
func (c *Client) get(ctx context.Context, hc *http.Client, rawURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	if err := retry.CheckResponse(resp); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
