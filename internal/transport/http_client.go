package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

// HTTPClient handles HTTP communication with the backend API. Session
// cookies are kept in a jar so every call carries credentials.
type HTTPClient struct {
	client    *http.Client
	baseURL   *url.URL
	userAgent string
	logger    *events.Logger

	mu           sync.RWMutex
	connectivity []func(bool)
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos:         []string{"h2", "http/1.1"},
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for local backends
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			Jar:       jar,
		},
		baseURL:   base,
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "http_client"),
	}, nil
}

// OnConnectivity registers a connectivity callback.
func (c *HTTPClient) OnConnectivity(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectivity = append(c.connectivity, fn)
}

// SetCookies seeds the jar, e.g. with a session cookie from a login flow.
func (c *HTTPClient) SetCookies(cookies []*http.Cookie) {
	c.client.Jar.SetCookies(c.baseURL, cookies)
}

// BaseURL returns the backend root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL.String()
}

// Request performs one JSON call.
func (c *HTTPClient) Request(ctx context.Context, path string, opts RequestOptions) (json.RawMessage, error) {
	method := opts.method()
	target := c.buildURL(path, opts.Params)

	var body io.Reader
	var size int
	if opts.Body != nil {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
		size = len(data)
	}

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    target,
		"size":   size,
	}).Debug("Sending request")

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// A cancelled caller says nothing about the network.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.notify(false)
		return nil, &models.NetworkError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	c.notify(true)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &models.APIError{Code: models.ErrCodeHTTP}
		_ = json.Unmarshal(respBody, apiErr)
		apiErr.StatusCode = resp.StatusCode
		apiErr.Path = path
		if resp.StatusCode >= 500 {
			apiErr.Code = models.ErrCodeServerError
		}
		return nil, apiErr
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("parse response: invalid JSON from %s", path)
	}

	return json.RawMessage(respBody), nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// buildURL resolves path against the base URL and adds non-empty params.
func (c *HTTPClient) buildURL(path string, params map[string]string) string {
	u := *c.baseURL
	ref, err := url.Parse(path)
	if err == nil {
		u.Path = strings.TrimRight(c.baseURL.Path, "/") + ref.Path
		u.RawQuery = ref.RawQuery
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			if v == "" {
				continue
			}
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u.String()
}

func (c *HTTPClient) notify(online bool) {
	c.mu.RLock()
	fns := make([]func(bool), len(c.connectivity))
	copy(fns, c.connectivity)
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(online)
	}
}
