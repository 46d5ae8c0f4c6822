package transport

import (
	"context"
	"encoding/json"
	"net/http"
)

// Transport performs JSON calls against the backend.
type Transport interface {
	// Request performs one call and returns the raw JSON body. Non-2xx
	// responses return *models.APIError; failures without a response
	// return *models.NetworkError. Nothing is retried.
	Request(ctx context.Context, path string, opts RequestOptions) (json.RawMessage, error)

	// OnConnectivity registers a callback invoked with true after any
	// response and with false after a network failure.
	OnConnectivity(fn func(online bool))

	// Close releases idle connections.
	Close() error
}

// RequestOptions describe a single call.
type RequestOptions struct {
	Method string
	Body   interface{}
	Params map[string]string
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

// Get is shorthand for a GET with query params.
func Get(params map[string]string) RequestOptions {
	return RequestOptions{Method: http.MethodGet, Params: params}
}

// Post is shorthand for a JSON POST.
func Post(body interface{}) RequestOptions {
	return RequestOptions{Method: http.MethodPost, Body: body}
}

// Delete is shorthand for a DELETE with a JSON body.
func Delete(body interface{}) RequestOptions {
	return RequestOptions{Method: http.MethodDelete, Body: body}
}
