// Package observability collects per-route request metrics and publishes
// them, together with registered stats sources, as a protobuf Struct.
package observability

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/proactor/core/http"
)

// Source contributes one section of the snapshot. Values must be
// representable in a structpb.Value.
type Source func() (map[string]any, error)

// Monitor records request latency and status per route
type Monitor struct {
	enabled  atomic.Bool
	handlers sync.Map // route -> *RouteMetrics
	started  time.Time
	global   struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64
		totalErrors   atomic.Uint64
	}

	mu      sync.RWMutex
	sources map[string]Source
}

// RouteMetrics stores per-route metrics
type RouteMetrics struct {
	Name           string
	Count          atomic.Uint64
	ClientErrors   atomic.Uint64
	ServerErrors   atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [len(bucketBounds) + 1]atomic.Uint64
}

// upper bounds of the latency histogram; the last bucket is open-ended
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Bottleneck is a route whose latency or error rate is out of line
type Bottleneck struct {
	Type     string
	Location string
	Severity int
	Details  string
}

// NewMonitor creates an enabled monitor
func NewMonitor() *Monitor {
	m := &Monitor{
		started: time.Now(),
		sources: make(map[string]Source),
	}
	m.enabled.Store(true)
	return m
}

// SetEnabled turns recording on or off
func (m *Monitor) SetEnabled(on bool) {
	m.enabled.Store(on)
}

// AddSource registers a named snapshot section
func (m *Monitor) AddSource(name string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = src
}

// RecordRequest records one served request
func (m *Monitor) RecordRequest(route string, status int, latency time.Duration) {
	if !m.enabled.Load() {
		return
	}

	val, ok := m.handlers.Load(route)
	if !ok {
		val, _ = m.handlers.LoadOrStore(route, &RouteMetrics{Name: route})
	}
	rm := val.(*RouteMetrics)

	rm.Count.Add(1)
	switch {
	case status >= 500:
		rm.ServerErrors.Add(1)
		m.global.totalErrors.Add(1)
	case status >= 400:
		rm.ClientErrors.Add(1)
	}

	d := uint64(max(latency, 0))
	rm.TotalDuration.Add(d)
	updateMinMax(rm, d)
	rm.latencyBuckets[bucketFor(latency)].Add(1)

	m.global.totalRequests.Add(1)
	m.global.totalDuration.Add(d)
}

func updateMinMax(rm *RouteMetrics, d uint64) {
	for {
		cur := rm.MinDuration.Load()
		if (cur != 0 && d >= cur) || rm.MinDuration.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := rm.MaxDuration.Load()
		if d <= cur || rm.MaxDuration.CompareAndSwap(cur, d) {
			break
		}
	}
}

func bucketFor(latency time.Duration) int {
	for i, bound := range bucketBounds {
		if latency < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Route returns the metrics recorded for route
func (m *Monitor) Route(route string) (*RouteMetrics, bool) {
	val, ok := m.handlers.Load(route)
	if !ok {
		return nil, false
	}
	return val.(*RouteMetrics), true
}

// TotalRequests returns the number of recorded requests
func (m *Monitor) TotalRequests() uint64 {
	return m.global.totalRequests.Load()
}

// Bottlenecks reports routes averaging over 100ms or failing more than 5%
// of the time with a server error.
func (m *Monitor) Bottlenecks() []Bottleneck {
	var out []Bottleneck

	m.handlers.Range(func(_, value any) bool {
		rm := value.(*RouteMetrics)
		count := rm.Count.Load()
		if count == 0 {
			return true
		}

		avg := time.Duration(rm.TotalDuration.Load() / count)
		if avg > 100*time.Millisecond {
			out = append(out, Bottleneck{
				Type:     "latency",
				Location: rm.Name,
				Severity: 8,
				Details:  fmt.Sprintf("High latency (%v avg)", avg),
			})
		}

		errs := rm.ServerErrors.Load()
		if rate := float64(errs) / float64(count); rate > 0.05 {
			out = append(out, Bottleneck{
				Type:     "errors",
				Location: rm.Name,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// Snapshot returns every metric and source section as a protobuf Struct
func (m *Monitor) Snapshot() (*structpb.Struct, error) {
	routes := make(map[string]any)
	m.handlers.Range(func(key, value any) bool {
		routes[key.(string)] = value.(*RouteMetrics).snapshot()
		return true
	})

	doc := map[string]any{
		"uptime_seconds": time.Since(m.started).Seconds(),
		"requests":       m.global.totalRequests.Load(),
		"server_errors":  m.global.totalErrors.Load(),
		"routes":         routes,
	}

	m.mu.RLock()
	for name, src := range m.sources {
		section, err := src()
		if err != nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("stats source %s: %w", name, err)
		}
		doc[name] = section
	}
	m.mu.RUnlock()

	return structpb.NewStruct(doc)
}

func (rm *RouteMetrics) snapshot() map[string]any {
	count := rm.Count.Load()
	var avg time.Duration
	if count > 0 {
		avg = time.Duration(rm.TotalDuration.Load() / count)
	}

	buckets := make(map[string]any, len(rm.latencyBuckets))
	for i := range rm.latencyBuckets {
		label := "inf"
		if i < len(bucketBounds) {
			label = "lt_" + bucketBounds[i].String()
		}
		buckets[label] = rm.latencyBuckets[i].Load()
	}

	return map[string]any{
		"count":         count,
		"client_errors": rm.ClientErrors.Load(),
		"server_errors": rm.ServerErrors.Load(),
		"avg_ms":        float64(avg) / float64(time.Millisecond),
		"min_ms":        float64(rm.MinDuration.Load()) / float64(time.Millisecond),
		"max_ms":        float64(rm.MaxDuration.Load()) / float64(time.Millisecond),
		"latency":       buckets,
	}
}

// MarshalJSON renders the snapshot with protojson
func (m *Monitor) MarshalJSON() ([]byte, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(snap)
}

// Handler serves the snapshot as JSON
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(*http.Request) *http.Response {
		data, err := m.MarshalJSON()
		if err != nil {
			log.Printf("stats snapshot: %v", err)
			return http.Text(http.StatusInternalServerError, "Internal Server Error")
		}
		return http.Bytes(http.StatusOK, "application/json", data)
	})
}
