package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TheMichaelB/parksync/internal/models"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Responses keyed by "METHOD path"; values are JSON-encoded on return.
	Responses map[string]interface{}

	// Error injection: Errors by "METHOD path", Err for every call.
	Errors map[string]error
	Err    error

	// Request tracking
	Requests []RecordedRequest

	connectivity []func(bool)
	closed       bool
}

// RecordedRequest tracks a call.
type RecordedRequest struct {
	Method string
	Path   string
	Params map[string]string
	Body   interface{}
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Responses: make(map[string]interface{}),
		Errors:    make(map[string]error),
	}
}

// Request mocks a backend call.
func (m *MockTransport) Request(ctx context.Context, path string, opts RequestOptions) (json.RawMessage, error) {
	m.mu.Lock()
	key := opts.method() + " " + path
	m.Requests = append(m.Requests, RecordedRequest{
		Method: opts.method(),
		Path:   path,
		Params: opts.Params,
		Body:   opts.Body,
	})

	err := m.Err
	if e, ok := m.Errors[key]; ok {
		err = e
	}
	resp, ok := m.Responses[key]
	fns := append([]func(bool){}, m.connectivity...)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err != nil {
		if models.IsConnectivityError(err) {
			for _, fn := range fns {
				fn(false)
			}
		}
		return nil, err
	}

	for _, fn := range fns {
		fn(true)
	}

	if !ok {
		return nil, &models.APIError{Code: models.ErrCodeHTTP, StatusCode: 404, Path: path, Message: "Not found."}
	}

	if raw, isRaw := resp.(json.RawMessage); isRaw {
		return raw, nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal mock response: %w", err)
	}
	return data, nil
}

// OnConnectivity registers a connectivity callback.
func (m *MockTransport) OnConnectivity(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = append(m.connectivity, fn)
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Helper methods for testing

// SetResponse configures the body returned for method and path.
func (m *MockTransport) SetResponse(method, path string, body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[method+" "+path] = body
}

// SetError makes calls to method and path fail with err. Pass nil to clear.
func (m *MockTransport) SetError(method, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, method+" "+path)
		return
	}
	m.Errors[method+" "+path] = err
}

// SetOffline makes every call fail with a network error.
func (m *MockTransport) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offline {
		m.Err = &models.NetworkError{Method: "*", URL: "*", Err: models.ErrOffline}
		return
	}
	m.Err = nil
}

// Calls counts recorded requests for method and path.
func (m *MockTransport) Calls(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.Requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// Reset clears recorded requests.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = nil
}
