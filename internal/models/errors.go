package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeHTTP        = "HTTP_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeState       = "STATE_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeReplay      = "REPLAY_ERROR"
	ErrCodeCache       = "CACHE_ERROR"
	ErrCodeServerError = "SERVER_ERROR"
)

// Sentinel errors
var (
	ErrOffline           = errors.New("client is offline")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrQueueItemNotFound = errors.New("queue item not found")
	ErrUnknownAction     = errors.New("unknown queue action type")
	ErrCacheMiss         = errors.New("cache miss")
	ErrCacheExpired      = errors.New("cached entry expired")
	ErrNoOfflinePage     = errors.New("no offline page cached")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// APIError represents a non-2xx response from the backend.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"detail"`
	StatusCode int    `json:"status_code"`
	Path       string `json:"path,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API %d: %s", e.StatusCode, e.Path)
	}
	return fmt.Sprintf("API %d: %s: %s", e.StatusCode, e.Path, e.Message)
}

// NetworkError wraps a transport failure where no response was received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ReplayError describes a failed offline queue replay.
type ReplayError struct {
	ItemID   string
	Type     ActionType
	Attempts int
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s [%s] attempt %d: %v", e.ItemID, e.Type, e.Attempts, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsConnectivityError reports whether err means the backend was unreachable.
func IsConnectivityError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) || errors.Is(err, ErrOffline)
}
