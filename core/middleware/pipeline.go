// Package middleware wraps request handlers with cross-cutting behaviour.
package middleware

import (
	"log"
	"time"

	"github.com/searchktools/proactor/core/http"
)

// Middleware decorates a handler
type Middleware func(next http.Handler) http.Handler

// Pipeline is an ordered list of middleware. The first one added is the
// outermost.
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{middlewares: make([]Middleware, 0, 8)}
}

// Use appends middleware to the pipeline
func (p *Pipeline) Use(m ...Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, m...)
	return p
}

// Len returns the number of middleware in the pipeline
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// Then wraps final with every middleware in the pipeline
func (p *Pipeline) Then(final http.Handler) http.Handler {
	h := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

// Chain is shorthand for NewPipeline().Use(m...).Then(final)
func Chain(final http.Handler, m ...Middleware) http.Handler {
	return NewPipeline().Use(m...).Then(final)
}

// Recovery turns a panicking handler into a 500
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) (resp *http.Response) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("Panic recovered: %s %s: %v", req.Method, req.URI, err)
					resp = http.Text(http.StatusInternalServerError, "Internal Server Error")
				}
			}()
			return next.Serve(req)
		})
	}
}

// Logger logs one line per request
func Logger() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) *http.Response {
			start := time.Now()
			resp := next.Serve(req)
			log.Printf("[%s] %s %d %v", req.Method, req.URI, statusOf(resp), time.Since(start))
			return resp
		})
	}
}

// Recorder receives one observation per request
type Recorder interface {
	RecordRequest(route string, status int, latency time.Duration)
}

// RouteFunc names the route a request belongs to. It must map requests
// onto a bounded set of labels, such as registered route patterns.
type RouteFunc func(req *http.Request) string

// Metrics reports every request to rec under the label route gives it.
// A nil route labels requests by method alone.
func Metrics(rec Recorder, route RouteFunc) Middleware {
	if route == nil {
		route = func(req *http.Request) string { return req.Method.String() }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) *http.Response {
			start := time.Now()
			resp := next.Serve(req)
			rec.RecordRequest(route(req), statusOf(resp), time.Since(start))
			return resp
		})
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return http.StatusInternalServerError
	}
	return resp.Status
}
