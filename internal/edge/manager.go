package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/transport"
)

// SourceHeader reports where the edge found a response.
const SourceHeader = "X-PS-Source"

// QueuedHeader carries the retry queue id of a mutation accepted offline.
const QueuedHeader = "X-PS-Queued"

const maxQueuedBody = 1 << 20

// ErrReservedPath is returned for requests into the edge's own namespace.
var ErrReservedPath = errors.New("reserved edge path")

// Config contains manager configuration.
type Config struct {
	AppVersion   string
	CachePrefix  string
	OfflineURL   string
	PrecacheURLs []string
	ShellURLs    []string

	PrivateTTL        time.Duration
	PrivateMaxEntries int
	TileMaxEntries    int
	SessionCookie     string

	SyncQueueMax    int
	SyncQueueTTL    time.Duration
	SyncMaxAttempts int

	// Routes overrides DefaultRoutes.
	Routes []Route

	// PrecacheConcurrency bounds parallel fetches during Install.
	PrecacheConcurrency int

	// OpenWindow is called when a notification click finds no page.
	OpenWindow func(ctx context.Context, url string) error

	Now     func() time.Time
	Metrics *metrics.Metrics
}

// ConfigFrom maps the edge section of the application config.
func ConfigFrom(cfg config.EdgeConfig) *Config {
	return &Config{
		AppVersion:          cfg.AppVersion,
		CachePrefix:         cfg.CachePrefix,
		OfflineURL:          cfg.OfflineURL,
		PrecacheURLs:        append([]string(nil), cfg.PrecacheURLs...),
		ShellURLs:           append([]string(nil), cfg.ShellURLs...),
		PrivateTTL:          cfg.PrivateTTL,
		PrivateMaxEntries:   cfg.PrivateMaxEntries,
		TileMaxEntries:      cfg.TileMaxEntries,
		SessionCookie:       "sessionid",
		SyncQueueMax:        cfg.SyncQueueMax,
		SyncQueueTTL:        cfg.SyncQueueTTL,
		SyncMaxAttempts:     cfg.SyncMaxAttempts,
		PrecacheConcurrency: 4,
	}
}

// DefaultConfig returns the standard edge configuration.
func DefaultConfig() *Config {
	return ConfigFrom(config.DefaultConfig().Edge)
}

// State is the lifecycle state of a manager version.
type State string

const (
	StateNew       State = "new"
	StateInstalled State = "installed" // waiting for activation
	StateActive    State = "active"
)

// Manager is one version of the edge worker.
type Manager struct {
	cfg     *Config
	env     *Env
	routes  []Route
	queue   *SyncQueue
	clients *Clients
	logger  *events.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State

	upstreamDown atomic.Bool
	background   sync.WaitGroup
}

// New creates a manager over storage, fetching misses through fetcher.
func New(storage CacheStorage, fetcher Fetcher, cfg *Config, logger *events.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger = logger.WithFields(map[string]interface{}{
		"component": "edge",
		"version":   cfg.AppVersion,
	})

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		state:   StateNew,
	}
	m.env = &Env{
		Storage: storage,
		Names:   Names{Prefix: cfg.CachePrefix, Version: cfg.AppVersion},
		Fetcher: fetcher,
		Now:     now,
		Logger:  logger,
		Metrics: cfg.Metrics,
		Go:      m.goBackground,
	}

	m.routes = cfg.Routes
	if m.routes == nil {
		m.routes = DefaultRoutes(cfg)
	}
	m.queue = newSyncQueue(m.env, cfg)
	m.clients = newClients(logger, m.onClientMessage)

	return m
}

// Names returns the bucket names of this version.
func (m *Manager) Names() Names {
	return m.env.Names
}

// Routes returns the routing table.
func (m *Manager) Routes() []Route {
	return m.routes
}

// SyncQueue returns the edge retry queue.
func (m *Manager) SyncQueue() *SyncQueue {
	return m.queue
}

// Clients returns the page registry.
func (m *Manager) Clients() *Clients {
	return m.clients
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) goBackground(fn func()) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		fn()
	}()
}

// Wait blocks until background work such as revalidation has finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

// Close disconnects pages and waits for background work.
func (m *Manager) Close() {
	m.clients.Close()
	m.Wait()
}

// Handle answers a GET request through the routing table.
func (m *Manager) Handle(ctx context.Context, req *http.Request) (*Response, Source, Route, error) {
	if Reserved(req) {
		return nil, "", Route{}, ErrReservedPath
	}
	route, ok := Classify(m.routes, req)
	if !ok {
		return nil, "", Route{}, models.ErrCacheMiss
	}

	start := time.Now()
	resp, source, err := route.Strategy.Handle(ctx, m.env, req)
	if err != nil {
		m.noteUpstream(err)
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"route": route.Name,
			"url":   RequestKey(req),
		}).Warn("Request failed with no cached fallback")
		return nil, "", route, err
	}

	if source == SourceNetwork {
		m.noteUpstream(nil)
	}
	if isFallback(route.Strategy, source) {
		m.metrics.EdgeFallback(route.Name, string(source))
	}
	m.metrics.EdgeServed(route.Name, string(source), time.Since(start).Seconds())

	m.logger.WithFields(map[string]interface{}{
		"route":  route.Name,
		"url":    RequestKey(req),
		"source": string(source),
		"status": resp.Status,
	}).Debug("Served request")

	return resp, source, route, nil
}

// isFallback reports whether source answered for a failed network call.
func isFallback(s Strategy, source Source) bool {
	if source == SourceOffline {
		return true
	}
	switch s.(type) {
	case *NetworkFirst, *PrivateNetworkFirst:
		return source == SourceCache
	}
	return false
}

// noteUpstream tracks origin reachability. The first success after a
// connectivity failure fires the background sync.
func (m *Manager) noteUpstream(err error) {
	if err != nil {
		if models.IsConnectivityError(err) {
			m.upstreamDown.Store(true)
		}
		return
	}
	if m.upstreamDown.CompareAndSwap(true, false) {
		m.logger.Info("Upstream reachable again, running background sync")
		m.goBackground(func() {
			if _, err := m.HandleSync(context.Background(), SyncTag); err != nil &&
				!errors.Is(err, models.ErrSyncInProgress) {
				m.logger.WithError(err).Warn("Background sync failed")
			}
		})
	}
}

// ServeHTTP makes the manager a caching reverse proxy. GET requests go
// through the routing table; other methods pass through, and a mutation
// that cannot reach the origin is queued for background sync.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == transport.WorkerPath {
		m.clients.ServeWS(w, r)
		return
	}
	if Reserved(r) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if r.Method != http.MethodGet {
		m.passThrough(w, r)
		return
	}

	resp, source, _, err := m.Handle(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "upstream unreachable")
		return
	}
	writeResponse(w, resp, source)
}

func (m *Manager) passThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueuedBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxQueuedBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	resp, err := m.env.Fetcher.Fetch(r.Context(), r)
	if err == nil {
		m.noteUpstream(nil)
		writeResponse(w, resp, SourceNetwork)
		return
	}

	m.noteUpstream(err)
	if !models.IsConnectivityError(err) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	id, qerr := m.queue.Enqueue(r.Context(), QueuedRequest{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	if qerr != nil {
		m.logger.WithError(qerr).Error("Failed to queue request for background sync")
		writeError(w, http.StatusServiceUnavailable, "upstream unreachable")
		return
	}

	w.Header().Set(QueuedHeader, id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"queued": true, "id": id})
}

// HandleSync runs the background sync registered under tag.
func (m *Manager) HandleSync(ctx context.Context, tag string) (SyncResult, error) {
	if tag != SyncTag {
		m.logger.WithField("tag", tag).Debug("Ignoring unknown sync tag")
		return SyncResult{}, nil
	}

	result, err := m.queue.Replay(ctx, m.replayQueued)
	if err != nil {
		return result, err
	}
	if result.Replayed+result.Retained+result.Dropped > 0 {
		m.logger.WithFields(map[string]interface{}{
			"replayed": result.Replayed,
			"retained": result.Retained,
			"dropped":  result.Dropped,
		}).Info("Background sync completed")
	}
	return result, nil
}

// replayQueued sends one queued mutation. Only an unreachable origin counts
// as a failure; the origin's answer, whatever the status, is final.
func (m *Manager) replayQueued(ctx context.Context, item QueuedRequest) error {
	req, err := item.Request(ctx)
	if err != nil {
		return err
	}
	resp, err := m.env.Fetcher.Fetch(ctx, req)
	if err != nil {
		m.metrics.Replay("edge:"+item.Method, "retry")
		return err
	}
	m.metrics.Replay("edge:"+item.Method, "synced")
	if resp.Status >= 400 {
		m.logger.WithFields(map[string]interface{}{
			"id":     item.ID,
			"status": resp.Status,
		}).Warn("Origin rejected replayed request")
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp *Response, source Source) {
	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set(SourceHeader, string(source))
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
