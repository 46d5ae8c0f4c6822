package edge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

// Fetcher is the network behind the cache.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

const maxResponseBytes = 32 << 20

// Hop-by-hop headers are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream forwards requests to the backend origin.
type Upstream struct {
	base   *url.URL
	client *http.Client
	logger *events.Logger
}

// NewUpstream creates a fetcher for baseURL.
func NewUpstream(baseURL string, timeout time.Duration, logger *events.Logger) (*Upstream, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: upstream must be an absolute url", models.ErrInvalidConfig)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &Upstream{
		base: base,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// Redirects go back to the page unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger: logger.WithField("component", "edge_upstream"),
	}, nil
}

// Fetch performs req against the origin. A failure to get any response is
// a *models.NetworkError.
func (u *Upstream) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	target := *u.base
	target.Path = strings.TrimRight(u.base.Path, "/") + req.URL.Path
	target.RawQuery = req.URL.RawQuery

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		body = bytes.NewReader(data)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	out.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}

	resp, err := u.client.Do(out)
	if err != nil {
		return nil, &models.NetworkError{Method: req.Method, URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &models.NetworkError{Method: req.Method, URL: target.String(), Err: err}
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	u.logger.WithFields(map[string]interface{}{
		"method": req.Method,
		"url":    target.String(),
		"status": resp.StatusCode,
		"size":   len(data),
	}).Debug("Upstream response")

	return &Response{
		URL:    req.URL.RequestURI(),
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}

// Close releases idle connections.
func (u *Upstream) Close() {
	u.client.CloseIdleConnections()
}
