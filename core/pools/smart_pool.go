package pools

import (
	"sync"
	"sync/atomic"
	"time"
)

// SmartPool is a typed object pool with warmup and hit-rate statistics
type SmartPool[T any] struct {
	pool      sync.Pool
	newFunc   func() T
	resetFunc func(T)

	// Statistics
	gets      atomic.Uint64
	puts      atomic.Uint64
	news      atomic.Uint64
	startTime time.Time

	warmupSize int
}

// SmartPoolConfig configures a smart pool
type SmartPoolConfig[T any] struct {
	New        func() T
	Reset      func(T) // run on Put
	WarmupSize int     // objects to pre-allocate
}

// NewSmartPool creates a new smart pool and warms it up
func NewSmartPool[T any](config SmartPoolConfig[T]) *SmartPool[T] {
	sp := &SmartPool[T]{
		newFunc:    config.New,
		resetFunc:  config.Reset,
		warmupSize: config.WarmupSize,
		startTime:  time.Now(),
	}

	sp.pool.New = func() any {
		sp.news.Add(1)
		return config.New()
	}

	sp.Warmup()
	return sp
}

// Get acquires an object from the pool
func (sp *SmartPool[T]) Get() T {
	sp.gets.Add(1)
	return sp.pool.Get().(T)
}

// Put resets obj and returns it to the pool
func (sp *SmartPool[T]) Put(obj T) {
	sp.puts.Add(1)
	if sp.resetFunc != nil {
		sp.resetFunc(obj)
	}
	sp.pool.Put(obj)
}

// Warmup pre-allocates objects in the pool
func (sp *SmartPool[T]) Warmup() {
	for i := 0; i < sp.warmupSize; i++ {
		sp.pool.Put(sp.newFunc())
	}
}

// Stats returns pool statistics
func (sp *SmartPool[T]) Stats() SmartPoolStats {
	gets := sp.gets.Load()
	puts := sp.puts.Load()
	news := sp.news.Load()

	hitRate := 0.0
	if gets > news {
		// objects served from the pool vs newly created
		hitRate = float64(gets-news) / float64(gets)
	}

	return SmartPoolStats{
		Gets:    gets,
		Puts:    puts,
		News:    news,
		HitRate: hitRate,
		Uptime:  time.Since(sp.startTime),
	}
}

// SmartPoolStats contains smart pool statistics
type SmartPoolStats struct {
	Gets    uint64        `json:"gets"`
	Puts    uint64        `json:"puts"`
	News    uint64        `json:"news"`
	HitRate float64       `json:"hit_rate"`
	Uptime  time.Duration `json:"uptime"`
}
