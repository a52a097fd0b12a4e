// Package timer provides a slotted timer wheel for cheap per-connection
// timeouts.
//
// One clock goroutine advances the wheel by one slot per tick. Tasks are
// placed ceil(delay/tick) slots ahead of the current position, so the
// longest delay that can be represented is Slots()*Tick(). Longer delays wrap
// around and fire early; callers that need them must re-arm on expiry.
package timer

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults match a 600ms horizon at 10ms resolution
const (
	DefaultSlots = 60
	DefaultTick  = 10 * time.Millisecond
)

var (
	ErrInvalidSlots = errors.New("timer wheel slots must be positive")
	ErrInvalidTick  = errors.New("timer wheel tick must be positive")
)

// Callback is run once when a timeout expires
type Callback func()

// ErrorHandler receives the value recovered from a panicking callback
type ErrorHandler func(id uint64, recovered any)

// Option configures a Wheel
type Option func(*Wheel)

// WithErrorHandler installs the hook that observes panicking callbacks.
// The clock keeps running regardless of what the hook does.
func WithErrorHandler(h ErrorHandler) Option {
	return func(w *Wheel) {
		if h != nil {
			w.onError = h
		}
	}
}

type task struct {
	id uint64
	cb Callback
}

// Wheel is a fixed-size circular array of slots advanced on every tick
type Wheel struct {
	mu      sync.Mutex
	slots   []map[uint64]task
	index   map[uint64]int // task id -> slot
	current int

	tick    time.Duration
	nextID  atomic.Uint64
	running atomic.Bool
	onError ErrorHandler

	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewWheel creates a stopped wheel
func NewWheel(slots int, tick time.Duration, opts ...Option) (*Wheel, error) {
	if slots <= 0 {
		return nil, ErrInvalidSlots
	}
	if tick <= 0 {
		return nil, ErrInvalidTick
	}

	w := &Wheel{
		slots:   make([]map[uint64]task, slots),
		index:   make(map[uint64]int),
		tick:    tick,
		onError: logPanic,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = make(map[uint64]task)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func logPanic(id uint64, recovered any) {
	log.Printf("timer: task %d panicked: %v", id, recovered)
}

// Start launches the clock goroutine. Calling it again is a no-op.
func (w *Wheel) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return
	}
	w.started = true
	w.running.Store(true)
	go w.run()
}

// Stop halts the clock and waits for it to exit. Pending tasks are neither
// fired nor cancelled; they are abandoned. Stop must not be called from a
// timeout callback.
func (w *Wheel) Stop() {
	w.mu.Lock()
	started := w.started
	if w.running.CompareAndSwap(true, false) {
		close(w.stopCh)
	}
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

func (w *Wheel) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	next := time.Now().Add(w.tick)
	sleep := time.NewTimer(w.tick)
	defer sleep.Stop()

	for {
		w.advance()

		select {
		case <-w.stopCh:
			return
		case <-sleep.C:
		}

		next = next.Add(w.tick)
		sleep.Reset(time.Until(next))
	}
}

// advance drains the current slot, moves the pointer on and runs the drained
// callbacks after the lock is released, so callbacks may add or cancel.
func (w *Wheel) advance() {
	w.mu.Lock()
	slot := w.slots[w.current]
	var due []task
	if len(slot) > 0 {
		due = make([]task, 0, len(slot))
		for id, t := range slot {
			due = append(due, t)
			delete(w.index, id)
		}
		w.slots[w.current] = make(map[uint64]task)
	}
	w.current = (w.current + 1) % len(w.slots)
	w.mu.Unlock()

	for _, t := range due {
		w.invoke(t)
	}
}

func (w *Wheel) invoke(t task) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(t.id, r)
		}
	}()
	t.cb()
}

// AddTimeout schedules cb to run once after delay and returns its id.
// A delay <= 0 runs cb synchronously before AddTimeout returns.
func (w *Wheel) AddTimeout(delay time.Duration, cb Callback) uint64 {
	id := w.nextID.Add(1)

	if delay <= 0 {
		w.invoke(task{id: id, cb: cb})
		return id
	}

	ticks := int((delay + w.tick - 1) / w.tick)

	w.mu.Lock()
	target := (w.current + ticks) % len(w.slots)
	w.slots[target][id] = task{id: id, cb: cb}
	w.index[id] = target
	w.mu.Unlock()

	return id
}

// CancelTimeout removes a pending task. It reports whether the task was
// still pending; cancelling a fired or unknown id does nothing. A task
// cancelled here is guaranteed never to run.
func (w *Wheel) CancelTimeout(id uint64) bool {
	if id == 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	slot, ok := w.index[id]
	if !ok {
		return false
	}
	delete(w.slots[slot], id)
	delete(w.index, id)
	return true
}

// CurrentSlot returns the slot the next tick will drain
func (w *Wheel) CurrentSlot() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Slots returns the wheel size
func (w *Wheel) Slots() int {
	return len(w.slots)
}

// Tick returns the slot interval
func (w *Wheel) Tick() time.Duration {
	return w.tick
}

// MaxDelay is the longest delay the wheel represents without wrapping
func (w *Wheel) MaxDelay() time.Duration {
	return time.Duration(len(w.slots)) * w.tick
}

// IsRunning reports whether the clock goroutine is active
func (w *Wheel) IsRunning() bool {
	return w.running.Load()
}

// Len returns the number of pending tasks
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// DebugString describes the wheel's occupancy
func (w *Wheel) DebugString() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "current slot: %d\nrunning: %t\ntotal tasks: %d\ntasks per slot:",
		w.current, w.running.Load(), len(w.index))
	for i, slot := range w.slots {
		if len(slot) > 0 {
			fmt.Fprintf(&b, "\n  slot %d: %d tasks", i, len(slot))
		}
	}
	return b.String()
}
