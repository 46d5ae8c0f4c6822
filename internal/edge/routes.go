package edge

import (
	"net/http"
	"path"
	"regexp"
	"strings"
)

// Route pairs a request predicate with the strategy that answers it.
type Route struct {
	Name     string
	Match    func(*http.Request) bool
	Strategy Strategy
}

// Route names of the default table.
const (
	RoutePrivateAPI = "private-api"
	RoutePublicAPI  = "public-api"
	RouteTiles      = "tiles"
	RouteNavigation = "navigation"
	RouteStatic     = "static"
	RouteRuntime    = "runtime"
)

// Classify returns the first route matching req.
func Classify(routes []Route, req *http.Request) (Route, bool) {
	for _, r := range routes {
		if r.Match(req) {
			return r, true
		}
	}
	return Route{}, false
}

// DefaultRoutes builds the standard table from cfg. Order matters: private
// endpoints are API endpoints too, and the runtime route matches anything.
func DefaultRoutes(cfg *Config) []Route {
	return []Route{
		{
			Name:  RoutePrivateAPI,
			Match: IsPrivateAPI,
			Strategy: &PrivateNetworkFirst{
				Bucket:        BucketPrivateAPI,
				TTL:           cfg.PrivateTTL,
				MaxEntries:    cfg.PrivateMaxEntries,
				SessionCookie: cfg.SessionCookie,
			},
		},
		{
			Name:     RoutePublicAPI,
			Match:    IsAPI,
			Strategy: &StaleWhileRevalidate{Bucket: BucketPublicAPI},
		},
		{
			Name:     RouteTiles,
			Match:    IsTile,
			Strategy: &CacheFirst{Bucket: BucketTiles, MaxEntries: cfg.TileMaxEntries},
		},
		{
			Name:     RouteNavigation,
			Match:    IsNavigation,
			Strategy: &NetworkFirst{Bucket: BucketShell, Fallback: cfg.OfflineURL},
		},
		{
			Name:     RouteStatic,
			Match:    IsStatic,
			Strategy: &CacheFirst{Bucket: BucketStatic, Fallback: cfg.OfflineURL},
		},
		{
			Name:     RouteRuntime,
			Match:    func(*http.Request) bool { return true },
			Strategy: &StaleWhileRevalidate{Bucket: BucketRuntime},
		},
	}
}

// Auth-scoped API path segments.
var privateSegments = map[string]bool{
	"favorites":          true,
	"saved-places":       true,
	"push-subscriptions": true,
	"profile":            true,
	"me":                 true,
}

// IsAPI matches backend API calls.
func IsAPI(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/api/")
}

// IsPrivateAPI matches API calls whose response depends on the session.
func IsPrivateAPI(req *http.Request) bool {
	if !IsAPI(req) {
		return false
	}
	for _, seg := range strings.Split(req.URL.Path, "/") {
		if privateSegments[seg] {
			return true
		}
	}
	return false
}

var tilePattern = regexp.MustCompile(`/\d+/\d+/\d+(@2x)?\.(png|jpe?g|webp|pbf|mvt)$`)

// IsTile matches z/x/y map tiles.
func IsTile(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/tiles/") || tilePattern.MatchString(req.URL.Path)
}

// IsNavigation matches same-origin page loads.
func IsNavigation(req *http.Request) bool {
	if !sameOrigin(req) {
		return false
	}
	return req.Header.Get("Sec-Fetch-Mode") == "navigate" || acceptsHTML(req)
}

var staticExtensions = map[string]bool{
	".css": true, ".js": true, ".mjs": true,
	".woff": true, ".woff2": true, ".ttf": true,
	".png": true, ".jpg": true, ".jpeg": true, ".svg": true, ".ico": true, ".webp": true,
	".webmanifest": true,
}

// IsStatic matches scripts, styles, icons and fonts.
func IsStatic(req *http.Request) bool {
	p := req.URL.Path
	return strings.HasPrefix(p, "/static/") || staticExtensions[strings.ToLower(path.Ext(p))]
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func sameOrigin(req *http.Request) bool {
	return req.URL.Host == "" || strings.EqualFold(req.URL.Host, req.Host)
}

// ReservedPrefix is the path namespace owned by the edge itself.
const ReservedPrefix = "/__ps/"

// Reserved reports whether req must never reach the routing table: edge
// paths and request targets that are not in origin form.
func Reserved(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, ReservedPrefix) ||
		!strings.HasPrefix(RequestKey(req), "/")
}

// RequestKey is the cache key of req: path plus query.
func RequestKey(req *http.Request) string {
	return req.URL.RequestURI()
}
