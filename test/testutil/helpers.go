package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/models"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Time      time.Time `json:"time"`
	Component string    `json:"component,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type favoriteRecord struct {
	ID   int       `json:"id"`
	Spot models.ID `json:"spot"`
}

type failure struct {
	remaining int
	status    int
}

// TestServer is a fake parking backend with failure injection.
type TestServer struct {
	*httptest.Server

	mu          sync.RWMutex
	spots       []models.Spot
	favorites   []favoriteRecord
	savedPlaces []models.Place
	features    []models.Feature
	themeConfig models.ThemeConfig
	pages       map[string]page
	pushSubs    []json.RawMessage
	nextID      int
	hits        map[string]int
	failures    map[string]*failure
	down        bool
}

type page struct {
	contentType string
	body        string
}

// NewTestServer creates a new fake backend.
func NewTestServer() *TestServer {
	ts := &TestServer{
		spots:       SampleSpots(),
		features:    SampleFeatures(),
		themeConfig: models.ThemeConfig{LayoutProfile: "compact", Theme: "dark", Platform: "ios"},
		pages:       make(map[string]page),
		nextID:      100,
		hits:        make(map[string]int),
		failures:    make(map[string]*failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/parking/spots/", ts.handleSpots)
	mux.HandleFunc("/api/parking/favorites/", ts.handleFavorites)
	mux.HandleFunc("/api/parking/saved-places/", ts.handleSavedPlaces)
	mux.HandleFunc("/api/parking/map/", ts.handleMap)
	mux.HandleFunc("/api/parking/push-subscriptions/", ts.handlePush)
	mux.HandleFunc("/api/ai/parkmate/config/", ts.handleAIConfig)
	mux.HandleFunc("/api/ai/recommendations/", ts.handleRecommendations)
	mux.HandleFunc("/api/ai/stress-index/", ts.handleStressIndex)
	mux.HandleFunc("/", ts.handlePage)

	ts.Server = httptest.NewServer(ts.middleware(mux))
	return ts
}

// middleware counts hits and applies injected failures.
func (ts *TestServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		ts.mu.Lock()
		ts.hits[key]++
		down := ts.down
		var status int
		if f, ok := ts.failures[key]; ok && f.remaining != 0 {
			if f.remaining > 0 {
				f.remaining--
			}
			status = f.status
		}
		ts.mu.Unlock()

		if down || status < 0 {
			dropConnection(w)
			return
		}
		if status > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = writeJSONBody(w, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// dropConnection closes the socket without a response so the client sees
// a network failure.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// SetDown makes every request fail at the connection level.
func (ts *TestServer) SetDown(down bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.down = down
}

// Fail makes the next n calls to method and path fail. A status of -1 drops
// the connection; n < 0 fails forever.
func (ts *TestServer) Fail(method, path string, n, status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failures[method+" "+path] = &failure{remaining: n, status: status}
}

// Hits returns how many times method and path were requested.
func (ts *TestServer) Hits(method, path string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.hits[method+" "+path]
}

// SetPage serves body at path with contentType.
func (ts *TestServer) SetPage(path, contentType, body string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pages[path] = page{contentType: contentType, body: body}
}

// SetSpots replaces the spot catalogue.
func (ts *TestServer) SetSpots(spots []models.Spot) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.spots = spots
}

// AddFavorite seeds a favorite record for spotID.
func (ts *TestServer) AddFavorite(spotID models.ID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.nextID++
	ts.favorites = append(ts.favorites, favoriteRecord{ID: ts.nextID, Spot: spotID})
}

// Favorites returns the favorited spot ids.
func (ts *TestServer) Favorites() []models.ID {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	ids := make([]models.ID, 0, len(ts.favorites))
	for _, f := range ts.favorites {
		ids = append(ids, f.Spot)
	}
	return ids
}

// SavedPlaces returns the stored places.
func (ts *TestServer) SavedPlaces() []models.Place {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]models.Place(nil), ts.savedPlaces...)
}

// PushSubscriptions returns the raw subscriptions received.
func (ts *TestServer) PushSubscriptions() []json.RawMessage {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]json.RawMessage(nil), ts.pushSubs...)
}

func (ts *TestServer) handleSpots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNum := atoiDefault(q.Get("page"), 1)
	size := atoiDefault(q.Get("page_size"), 20)

	ts.mu.RLock()
	spots := append([]models.Spot(nil), ts.spots...)
	ts.mu.RUnlock()

	start := (pageNum - 1) * size
	if start > len(spots) {
		start = len(spots)
	}
	end := start + size
	if end > len(spots) {
		end = len(spots)
	}

	var next, previous *string
	if end < len(spots) {
		link := fmt.Sprintf("%s/api/parking/spots/?page=%d&page_size=%d", ts.URL, pageNum+1, size)
		next = &link
	}
	if pageNum > 1 {
		link := fmt.Sprintf("%s/api/parking/spots/?page=%d&page_size=%d", ts.URL, pageNum-1, size)
		previous = &link
	}

	_ = writeJSONBody(w, map[string]interface{}{
		"results":  spots[start:end],
		"next":     next,
		"previous": previous,
		"count":    len(spots),
	})
}

func (ts *TestServer) handleFavorites(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/parking/favorites/"), "/")

	switch {
	case r.Method == http.MethodGet && rest == "":
		ts.mu.RLock()
		records := append([]favoriteRecord{}, ts.favorites...)
		ts.mu.RUnlock()
		_ = writeJSONBody(w, map[string]interface{}{
			"count":    len(records),
			"next":     nil,
			"previous": nil,
			"results":  records,
		})

	case r.Method == http.MethodPost && rest == "":
		var body struct {
			Spot models.ID `json:"spot"`
		}
		if err := decodeJSON(r.Body, &body); err != nil || body.Spot == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = writeJSONBody(w, map[string]string{"detail": "spot is required"})
			return
		}

		ts.mu.Lock()
		for _, f := range ts.favorites {
			if f.Spot == body.Spot {
				ts.mu.Unlock()
				w.WriteHeader(http.StatusBadRequest)
				_ = writeJSONBody(w, map[string]string{"detail": "already in favorites"})
				return
			}
		}
		ts.nextID++
		record := favoriteRecord{ID: ts.nextID, Spot: body.Spot}
		ts.favorites = append(ts.favorites, record)
		ts.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = writeJSONBody(w, record)

	case r.Method == http.MethodDelete && rest != "":
		id, err := strconv.Atoi(rest)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for i, f := range ts.favorites {
			if f.ID == id {
				ts.favorites = append(ts.favorites[:i], ts.favorites[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = writeJSONBody(w, map[string]string{"detail": "Not found."})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ts *TestServer) handleSavedPlaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ts.mu.RLock()
		places := append([]models.Place{}, ts.savedPlaces...)
		ts.mu.RUnlock()
		_ = writeJSONBody(w, places)

	case http.MethodPost:
		var place models.Place
		if err := decodeJSON(r.Body, &place); err != nil || place.Title == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = writeJSONBody(w, map[string]string{"detail": "title is required"})
			return
		}
		ts.mu.Lock()
		ts.nextID++
		place.ID = models.ID(strconv.Itoa(ts.nextID))
		ts.savedPlaces = append(ts.savedPlaces, place)
		ts.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = writeJSONBody(w, place)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ts *TestServer) handleMap(w http.ResponseWriter, r *http.Request) {
	ts.mu.RLock()
	features := append([]models.Feature{}, ts.features...)
	ts.mu.RUnlock()
	_ = writeJSONBody(w, models.FeatureCollection{Type: "FeatureCollection", Features: features})
}

func (ts *TestServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ts.mu.Lock()
	ts.pushSubs = append(ts.pushSubs, body)
	ts.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	_ = writeJSONBody(w, map[string]bool{"ok": true})
}

func (ts *TestServer) handleAIConfig(w http.ResponseWriter, r *http.Request) {
	ts.mu.RLock()
	cfg := ts.themeConfig
	ts.mu.RUnlock()
	_ = writeJSONBody(w, cfg)
}

func (ts *TestServer) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	limit := atoiDefault(r.URL.Query().Get("limit"), 20)
	city := r.URL.Query().Get("city")

	results := make([]map[string]interface{}, 0, limit)
	for i := 0; i < limit && i < 3; i++ {
		results = append(results, map[string]interface{}{
			"spot_id": i + 1,
			"city":    city,
			"score":   0.9 - float64(i)*0.1,
		})
	}
	_ = writeJSONBody(w, map[string]interface{}{"results": results})
}

func (ts *TestServer) handleStressIndex(w http.ResponseWriter, r *http.Request) {
	_ = writeJSONBody(w, map[string]interface{}{
		"city":  r.URL.Query().Get("city"),
		"index": 0.42,
		"level": "moderate",
	})
}

func (ts *TestServer) handlePage(w http.ResponseWriter, r *http.Request) {
	ts.mu.RLock()
	p, ok := ts.pages[r.URL.Path]
	ts.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", p.contentType)
	_, _ = io.WriteString(w, p.body)
}

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// TestConfigWithDir creates a test configuration rooted at dataDir.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = "https://api.test.com"
	cfg.API.Timeout = 5 * time.Second
	cfg.Storage.Driver = "json"
	cfg.Storage.DataDir = dataDir
	cfg.Storage.StateDir = filepath.Join(dataDir, "state")
	cfg.Storage.SQLitePath = filepath.Join(dataDir, "state.db")
	cfg.Sync.Interval = 0
	cfg.Log = config.LogConfig{
		Level:  "debug",
		Format: "json",
		Color:  false,
	}
	return cfg
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// LogOutput captures log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

// utility functions
func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func writeJSONBody(w http.ResponseWriter, v interface{}) error {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	return json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
