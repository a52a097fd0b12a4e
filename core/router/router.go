// Package router maps method and path to a handler, with a fallback for
// everything unmatched.
package router

import (
	"sort"
	"strings"

	"github.com/searchktools/proactor/core/http"
)

type routeKey struct {
	method http.Method
	path   string
}

type prefixRoute struct {
	method  http.Method
	prefix  string
	pattern string
	handler http.Handler
}

// FallbackRoute labels requests that no registered route matched
const FallbackRoute = "fallback"

// Router is a static-path router. Exact routes win over prefix routes, and
// longer prefixes win over shorter ones. Routes are registered before the
// server starts; lookups are read-only.
type Router struct {
	static   map[routeKey]http.Handler
	prefixes []prefixRoute
	fallback http.Handler
}

// New creates a router whose unmatched requests get 404
func New() *Router {
	return &Router{
		static:   make(map[routeKey]http.Handler, 16),
		fallback: http.HandlerFunc(notFound),
	}
}

func notFound(*http.Request) *http.Response {
	return http.Text(http.StatusNotFound, "Not Found")
}

// Handle registers h for method and path. A path ending in "/*" matches
// every path under that prefix.
func (r *Router) Handle(method http.Method, path string, h http.Handler) {
	if path == "" || path[0] != '/' {
		panic("router: path must begin with '/'")
	}

	if prefix, ok := strings.CutSuffix(path, "*"); ok {
		r.prefixes = append(r.prefixes, prefixRoute{method: method, prefix: prefix, pattern: path, handler: h})
		sort.SliceStable(r.prefixes, func(i, j int) bool {
			return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
		})
		return
	}
	r.static[routeKey{method, path}] = h
}

// GET registers a GET route
func (r *Router) GET(path string, h http.HandlerFunc) {
	r.Handle(http.MethodGET, path, h)
}

// POST registers a POST route
func (r *Router) POST(path string, h http.HandlerFunc) {
	r.Handle(http.MethodPOST, path, h)
}

// Fallback sets the handler for unmatched requests
func (r *Router) Fallback(h http.Handler) {
	r.fallback = h
}

// Find returns the handler registered for method and path, or nil
func (r *Router) Find(method http.Method, path string) http.Handler {
	h, _ := r.match(method, path)
	return h
}

// Pattern returns the registered pattern that method and path resolve to,
// or FallbackRoute. The result is always one of a fixed set of strings.
func (r *Router) Pattern(method http.Method, path string) string {
	if _, pattern := r.match(method, path); pattern != "" {
		return pattern
	}
	return FallbackRoute
}

// Route labels req as "<method> <pattern>" for metrics
func (r *Router) Route(req *http.Request) string {
	return req.Method.String() + " " + r.Pattern(req.Method, req.Path())
}

func (r *Router) match(method http.Method, path string) (http.Handler, string) {
	if h, ok := r.static[routeKey{method, path}]; ok {
		return h, path
	}
	for _, p := range r.prefixes {
		if p.method == method && strings.HasPrefix(path, p.prefix) {
			return p.handler, p.pattern
		}
	}
	return nil, ""
}

// Serve dispatches req to its route or to the fallback
func (r *Router) Serve(req *http.Request) *http.Response {
	if h := r.Find(req.Method, req.Path()); h != nil {
		return h.Serve(req)
	}
	return r.fallback.Serve(req)
}
