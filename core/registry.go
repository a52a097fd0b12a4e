package core

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/proactor/core/timer"
)

// Handle identifies a registered connection. Handles are never reused.
type Handle uint64

// Outstanding operation kinds
const (
	opNone uint32 = iota
	opRecv
	opSend
)

// Connection is the per-client state owned by the Registry
type Connection struct {
	handle  Handle
	conn    net.Conn
	buf     []byte // bytes received for the current request
	timerID uint64 // 0 = no idle timeout armed

	pending atomic.Uint32
}

// Handle returns the connection's registry handle
func (c *Connection) Handle() Handle { return c.handle }

// Conn returns the transport
func (c *Connection) Conn() net.Conn { return c.conn }

// Buffered returns the number of bytes held for the request being assembled
func (c *Connection) Buffered() int { return len(c.buf) }

// beginOp marks an operation as outstanding. Only one receive or send may
// be in flight at a time.
func (c *Connection) beginOp(kind uint32) error {
	if !c.pending.CompareAndSwap(opNone, kind) {
		return ErrOperationInFlight
	}
	return nil
}

func (c *Connection) endOp() {
	c.pending.Store(opNone)
}

// Registry maps handles to live connections and keeps each connection's
// idle timeout armed in the timer wheel.
//
// Lock order is registry then wheel. Timeouts are armed with the registry
// lock released because a non-positive delay runs the callback inline.
type Registry struct {
	mu     sync.Mutex
	conns  map[Handle]*Connection
	nextID atomic.Uint64

	wheel  *timer.Wheel
	idle   time.Duration
	onIdle func(Handle)
}

// NewRegistry creates a registry. onIdle is invoked from the wheel's clock
// goroutine when a connection's idle timeout fires. An idle duration <= 0
// disables idle timeouts.
func NewRegistry(wheel *timer.Wheel, idle time.Duration, onIdle func(Handle)) *Registry {
	return &Registry{
		conns:  make(map[Handle]*Connection, 1024),
		wheel:  wheel,
		idle:   idle,
		onIdle: onIdle,
	}
}

// Register adds conn under a fresh handle and arms its idle timeout
func (r *Registry) Register(conn net.Conn) *Connection {
	c := &Connection{
		handle: Handle(r.nextID.Add(1)),
		conn:   conn,
	}

	r.mu.Lock()
	r.conns[c.handle] = c
	r.mu.Unlock()

	r.arm(c)
	return c
}

// Lookup returns the connection registered under h
func (r *Registry) Lookup(h Handle) (*Connection, bool) {
	r.mu.Lock()
	c, ok := r.conns[h]
	r.mu.Unlock()
	return c, ok
}

// Touch restarts h's idle timeout. It reports whether h is still registered.
func (r *Registry) Touch(h Handle) bool {
	r.mu.Lock()
	c, ok := r.conns[h]
	if ok && c.timerID != 0 {
		r.wheel.CancelTimeout(c.timerID)
		c.timerID = 0
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.arm(c)
	return true
}

func (r *Registry) arm(c *Connection) {
	if r.wheel == nil || r.idle <= 0 {
		return
	}

	h := c.handle
	id := r.wheel.AddTimeout(r.idle, func() { r.onIdle(h) })

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[h]; ok && cur == c {
		c.timerID = id
		return
	}
	// torn down while the timeout was being armed
	r.wheel.CancelTimeout(id)
}

// Deregister removes h and cancels its idle timeout in one step. Exactly
// one caller gets ok == true for a given handle; that caller owns the
// transport release.
func (r *Registry) Deregister(h Handle) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[h]
	if !ok {
		return nil, false
	}
	delete(r.conns, h)
	if c.timerID != 0 {
		r.wheel.CancelTimeout(c.timerID)
		c.timerID = 0
	}
	return c, true
}

// Drain deregisters every connection and returns them
func (r *Registry) Drain() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for h, c := range r.conns {
		delete(r.conns, h)
		if c.timerID != 0 {
			r.wheel.CancelTimeout(c.timerID)
			c.timerID = 0
		}
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
