package pools

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Handler processes one queued item. Returning false stops the calling
// worker; the other workers keep running.
type Handler[T any] func(item T) bool

// WorkerPool runs a fixed set of OS-thread-pinned goroutines that all
// dequeue from one shared queue. Each worker handles an item to completion
// before taking the next one.
type WorkerPool[T any] struct {
	numWorkers int
	queue      chan T
	handle     Handler[T]

	group   errgroup.Group
	startMu sync.Mutex
	started bool

	// Statistics
	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		rejected  atomic.Uint64
		exited    atomic.Int64
	}
}

// DefaultWorkers is max(2*NumCPU, 4)
func DefaultWorkers() int {
	return max(2*runtime.NumCPU(), 4)
}

// NewWorkerPool creates a stopped pool. The queue holds at least numWorkers
// items so that one stop signal per worker always fits.
func NewWorkerPool[T any](numWorkers, queueSize int, handle Handler[T]) *WorkerPool[T] {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers()
	}
	if queueSize < numWorkers {
		queueSize = numWorkers
	}

	return &WorkerPool[T]{
		numWorkers: numWorkers,
		queue:      make(chan T, queueSize),
		handle:     handle,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *WorkerPool[T]) Start() {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.numWorkers; i++ {
		p.group.Go(p.run)
	}
}

func (p *WorkerPool[T]) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer p.stats.exited.Add(1)

	for item := range p.queue {
		ok := p.handle(item)
		p.stats.completed.Add(1)
		if !ok {
			return nil
		}
	}
	return nil
}

// Submit blocks until item is queued or ctx is done
func (p *WorkerPool[T]) Submit(ctx context.Context, item T) bool {
	select {
	case p.queue <- item:
		p.stats.submitted.Add(1)
		return true
	case <-ctx.Done():
		p.stats.rejected.Add(1)
		return false
	}
}

// TrySubmit queues item only if there is room
func (p *WorkerPool[T]) TrySubmit(item T) bool {
	select {
	case p.queue <- item:
		p.stats.submitted.Add(1)
		return true
	default:
		p.stats.rejected.Add(1)
		return false
	}
}

// Wait blocks until every started worker has returned
func (p *WorkerPool[T]) Wait() error {
	return p.group.Wait()
}

// NumWorkers returns the configured worker count
func (p *WorkerPool[T]) NumWorkers() int {
	return p.numWorkers
}

// Stats returns pool statistics
func (p *WorkerPool[T]) Stats() WorkerPoolStats {
	submitted := p.stats.submitted.Load()
	completed := p.stats.completed.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		ActiveWorkers:  p.activeWorkers(),
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   len(p.queue),
		TasksRejected:  p.stats.rejected.Load(),
	}
}

func (p *WorkerPool[T]) activeWorkers() int {
	p.startMu.Lock()
	started := p.started
	p.startMu.Unlock()
	if !started {
		return 0
	}
	return p.numWorkers - int(p.stats.exited.Load())
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksPending   int    `json:"tasks_pending"`
	TasksRejected  uint64 `json:"tasks_rejected"`
}
