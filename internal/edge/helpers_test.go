package edge_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/TheMichaelB/parksync/internal/edge"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/test/testutil"
)

// origin is an in-process backend for strategy tests.
type origin struct {
	mu     sync.Mutex
	down   bool
	pages  map[string]*edge.Response
	calls  map[string]int
	bodies []string
}

func newOrigin() *origin {
	return &origin{
		pages: make(map[string]*edge.Response),
		calls: make(map[string]int),
	}
}

func (o *origin) set(uri, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[uri] = &edge.Response{
		URL:    uri,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
	}
}

func (o *origin) setDown(down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down = down
}

func (o *origin) count(method, uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[method+" "+uri]
}

func (o *origin) received() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.bodies...)
}

func (o *origin) Fetch(_ context.Context, req *http.Request) (*edge.Response, error) {
	uri := req.URL.RequestURI()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[req.Method+" "+uri]++

	if o.down {
		return nil, &models.NetworkError{Method: req.Method, URL: uri, Err: errors.New("connection refused")}
	}
	if req.Method != http.MethodGet {
		if req.Body != nil {
			data, _ := io.ReadAll(req.Body)
			o.bodies = append(o.bodies, string(data))
		}
		return &edge.Response{URL: uri, Status: http.StatusCreated, Header: http.Header{}, Body: []byte(`{}`)}, nil
	}
	if resp, ok := o.pages[uri]; ok {
		return resp.Clone(), nil
	}
	return &edge.Response{URL: uri, Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
}

type harness struct {
	manager *edge.Manager
	storage edge.CacheStorage
	origin  *origin
	clock   *testutil.Clock
}

func newHarness(t *testing.T, version string, storage edge.CacheStorage) *harness {
	t.Helper()
	if storage == nil {
		storage = edge.NewMemoryStorage()
	}
	clock := testutil.NewClock()
	o := newOrigin()

	cfg := edge.DefaultConfig()
	cfg.AppVersion = version
	cfg.Now = clock.Now

	m := edge.New(storage, o, cfg, testutil.NewTestLogger())
	t.Cleanup(m.Close)

	return &harness{manager: m, storage: storage, origin: o, clock: clock}
}

func get(uri string, header ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, uri, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func navigate(uri string) *http.Request {
	return get(uri, "Accept", "text/html,application/xhtml+xml", "Sec-Fetch-Mode", "navigate")
}
