package core

import (
	"fmt"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/searchktools/proactor/core/pools"
)

type serverCounters struct {
	accepted     atomic.Uint64
	acceptErrors atomic.Uint64
	closed       atomic.Uint64
	timedOut     atomic.Uint64
	requests     atomic.Uint64
	badRequests  atomic.Uint64
}

// ServerStats is a point-in-time view of the server and its pools
type ServerStats struct {
	Running      bool                  `json:"running"`
	Connections  int                   `json:"connections"`
	Accepted     uint64                `json:"accepted"`
	AcceptErrors uint64                `json:"accept_errors"`
	Closed       uint64                `json:"closed"`
	TimedOut     uint64                `json:"timed_out"`
	Requests     uint64                `json:"requests"`
	BadRequests  uint64                `json:"bad_requests"`
	PendingTimer int                   `json:"pending_timers"`
	Workers      pools.WorkerPoolStats `json:"workers"`
	Parsers      pools.SmartPoolStats  `json:"parsers"`
	Buffers      pools.BytePoolStats   `json:"buffers"`
}

// Stats returns server statistics. It never blocks on the lifecycle lock,
// so handlers may call it.
func (s *Server) Stats() ServerStats {
	stats := ServerStats{
		Running:      s.running.Load(),
		Accepted:     s.stats.accepted.Load(),
		AcceptErrors: s.stats.acceptErrors.Load(),
		Closed:       s.stats.closed.Load(),
		TimedOut:     s.stats.timedOut.Load(),
		Requests:     s.stats.requests.Load(),
		BadRequests:  s.stats.badRequests.Load(),
	}
	if !s.initialized.Load() {
		return stats
	}

	stats.Connections = s.registry.Len()
	stats.PendingTimer = s.wheel.Len()
	stats.Workers = s.workers.Stats()
	stats.Parsers = s.parsers.Stats()
	stats.Buffers = s.buffers.Stats()
	return stats
}

// StatsJSON returns server statistics as indented JSON
func (s *Server) StatsJSON() ([]byte, error) {
	return json.MarshalIndent(s.Stats(), "", "  ")
}

// StatsText returns server statistics as human-readable text
func (s *Server) StatsText() string {
	stats := s.Stats()
	return fmt.Sprintf(`Server Statistics
=================

Connections:
  Open:      %d
  Accepted:  %d
  Errors:    %d
  Closed:    %d
  Timed out: %d

Requests:
  Served:    %d
  Rejected:  %d

Workers:
  Active:    %d/%d
  Completed: %d
  Pending:   %d

Parser Pool:
  Gets:      %d
  Hit Rate:  %.2f%%
`,
		stats.Connections, stats.Accepted, stats.AcceptErrors, stats.Closed, stats.TimedOut,
		stats.Requests, stats.BadRequests,
		stats.Workers.ActiveWorkers, stats.Workers.NumWorkers, stats.Workers.TasksCompleted, stats.Workers.TasksPending,
		stats.Parsers.Gets, stats.Parsers.HitRate*100,
	)
}
