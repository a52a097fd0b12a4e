package core

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/gaio"

	"github.com/searchktools/proactor/core/http"
	"github.com/searchktools/proactor/core/pools"
	"github.com/searchktools/proactor/core/timer"
)

// Options tunes a Server. Zero fields take the package defaults.
type Options struct {
	Workers         int           // completion workers, default max(2*NumCPU, 4)
	QueueSize       int           // completion queue capacity, at least Workers
	IdleTimeout     time.Duration // no-receive limit per connection
	WheelSlots      int
	WheelTick       time.Duration
	MaxRequestBytes int // largest request accepted before 400
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		Workers:         pools.DefaultWorkers(),
		IdleTimeout:     DefaultIdleTimeout,
		WheelSlots:      DefaultWheelSlots,
		WheelTick:       DefaultWheelTick,
		MaxRequestBytes: DefaultMaxRequestBytes,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueSize < o.Workers {
		o.QueueSize = max(o.Workers*64, 1024)
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.WheelSlots <= 0 {
		o.WheelSlots = d.WheelSlots
	}
	if o.WheelTick <= 0 {
		o.WheelTick = d.WheelTick
	}
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = d.MaxRequestBytes
	}
	return o
}

// Validate rejects an idle timeout the wheel would wrap around on
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.IdleTimeout <= 0 {
		return nil
	}
	ticks := (o.IdleTimeout + o.WheelTick - 1) / o.WheelTick
	if int64(ticks) >= int64(o.WheelSlots) {
		return fmt.Errorf("%w: %v needs %d slots of %v, wheel has %d",
			ErrIdleTimeoutTooLong, o.IdleTimeout, ticks, o.WheelTick, o.WheelSlots)
	}
	return nil
}

// Server is a completion-driven HTTP/1.1 server. Accepts, receives and
// sends are asynchronous; their completions are queued and handled by a
// fixed set of workers.
type Server struct {
	opts    Options
	handler http.Handler

	mu          sync.Mutex
	initialized atomic.Bool
	running     atomic.Bool
	stopOnce    sync.Once
	finished    chan struct{}

	ln       net.Listener
	watcher  *gaio.Watcher
	wheel    *timer.Wheel
	registry *Registry
	workers  *pools.WorkerPool[Completion]
	parsers  *pools.SmartPool[*http.Parser]
	buffers  *pools.BytePool

	arm     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	helpers sync.WaitGroup

	stats serverCounters
}

// NewServer creates a server that answers every request with handler
func NewServer(opts Options, handler http.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts.withDefaults(),
		handler:  handler,
		finished: make(chan struct{}),
		arm:      make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize binds the listener on port (0 picks a free port) and creates
// the completion machinery. Nothing is served until Run.
func (s *Server) Initialize(port int) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if err := s.opts.Validate(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			s.closeTransport()
			s.ln, s.watcher = nil, nil
		}
	}()

	if s.ln, err = listen(port); err != nil {
		return err
	}
	if s.watcher, err = gaio.NewWatcher(); err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.wheel, err = timer.NewWheel(s.opts.WheelSlots, s.opts.WheelTick, timer.WithErrorHandler(func(id uint64, r any) {
		log.Printf("idle timeout task %d panicked: %v", id, r)
	}))
	if err != nil {
		return fmt.Errorf("create timer wheel: %w", err)
	}

	s.registry = NewRegistry(s.wheel, s.opts.IdleTimeout, func(h Handle) {
		s.stats.timedOut.Add(1)
		s.closeConnection(h, errIdleTimeout)
	})
	s.workers = pools.NewWorkerPool(s.opts.Workers, s.opts.QueueSize, s.handleCompletion)
	s.parsers = pools.NewSmartPool(pools.SmartPoolConfig[*http.Parser]{
		New:        http.NewParser,
		Reset:      (*http.Parser).Reset,
		WarmupSize: s.opts.Workers,
	})
	s.buffers = pools.NewBytePool()

	s.initialized.Store(true)
	log.Printf("proactor listening on %s (%d workers, idle timeout %v)", s.ln.Addr(), s.opts.Workers, s.opts.IdleTimeout)
	return nil
}

// Addr returns the bound listener address, or nil before Initialize
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run starts the clock, the workers and the acceptor, then blocks until
// Stop has finished tearing the server down.
func (s *Server) Run() error {
	s.mu.Lock()
	if !s.initialized.Load() {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.ctx.Err() != nil || !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrServerClosed
	}

	s.wheel.Start()
	s.workers.Start()
	s.helpers.Add(2)
	go s.acceptLoop()
	go s.pump()
	s.rearmAccept()
	s.mu.Unlock()

	<-s.finished
	return nil
}

// Stop shuts the server down and waits for it. It is safe to call more
// than once and from any goroutine except a completion worker.
func (s *Server) Stop() {
	s.stopOnce.Do(s.shutdown)
	<-s.finished
}

func (s *Server) shutdown() {
	defer close(s.finished)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running.Store(false)
	if !s.initialized.Load() {
		s.cancel()
		return
	}

	s.wheel.Stop()

	// one wakeup per worker; the queue is sized to hold them
	for i := 0; i < s.workers.NumWorkers(); i++ {
		s.workers.TrySubmit(wakeup{})
	}
	if err := s.workers.Wait(); err != nil {
		log.Printf("worker exit: %v", err)
	}

	conns := s.registry.Drain()
	for _, c := range conns {
		s.release(c)
	}

	s.closeTransport()
	s.cancel()
	s.helpers.Wait()

	log.Printf("proactor stopped (%d connections closed at shutdown)", len(conns))
}

func (s *Server) closeTransport() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// pump is the watcher's single WaitIO consumer. It turns results into
// completions for the workers.
func (s *Server) pump() {
	defer s.helpers.Done()

	for {
		results, err := s.watcher.WaitIO()
		if err != nil {
			return
		}

		for _, res := range results {
			var c Completion
			switch res.Operation {
			case gaio.OpRead:
				op, ok := res.Context.(*recvOp)
				if !ok {
					continue
				}
				c = RecvCompletion{Op: op, N: res.Size, Err: res.Error}
			case gaio.OpWrite:
				op, ok := res.Context.(*sendOp)
				if !ok {
					continue
				}
				c = SendCompletion{Op: op, N: res.Size, Err: res.Error}
			default:
				continue
			}

			if !s.workers.Submit(s.ctx, c) {
				return
			}
		}
	}
}

// handleCompletion runs on a worker. Returning false retires the worker.
func (s *Server) handleCompletion(c Completion) bool {
	if _, ok := c.(wakeup); ok {
		return false
	}
	if !s.running.Load() {
		s.discard(c)
		return false
	}

	switch c := c.(type) {
	case AcceptCompletion:
		s.onAccept(c)
	case RecvCompletion:
		s.onRecv(c)
	case SendCompletion:
		s.onSend(c)
	}
	return true
}

// discard releases what a completion owns once the server is stopping.
// Registered connections are closed by the shutdown drain.
func (s *Server) discard(c Completion) {
	switch c := c.(type) {
	case AcceptCompletion:
		if c.Conn != nil {
			c.Conn.Close()
		}
	case RecvCompletion:
		s.buffers.Put(c.Op.buf)
	}
}

func (s *Server) newRecvOp(h Handle) *recvOp {
	return &recvOp{handle: h, buf: s.buffers.Get(RecvBufferSize)}
}

func (s *Server) issueRecv(c *Connection, op *recvOp) {
	if err := c.beginOp(opRecv); err != nil {
		log.Printf("conn %d: receive: %v", c.handle, err)
		s.buffers.Put(op.buf)
		return
	}
	if err := s.watcher.Read(op, c.conn, op.buf[:cap(op.buf)]); err != nil {
		c.endOp()
		s.buffers.Put(op.buf)
		s.closeConnection(c.handle, err)
	}
}

func (s *Server) issueSend(c *Connection, resp []byte, closeAfter bool) {
	if err := c.beginOp(opSend); err != nil {
		log.Printf("conn %d: send: %v", c.handle, err)
		return
	}
	op := &sendOp{handle: c.handle, buf: resp, closeAfter: closeAfter}
	if err := s.watcher.Write(op, c.conn, op.buf); err != nil {
		c.endOp()
		s.closeConnection(c.handle, err)
	}
}

func (s *Server) onRecv(rc RecvCompletion) {
	op := rc.Op
	c, ok := s.registry.Lookup(op.handle)
	if !ok {
		s.buffers.Put(op.buf)
		return
	}
	c.endOp()

	if rc.Err != nil || rc.N == 0 {
		s.buffers.Put(op.buf)
		reason := rc.Err
		if reason == nil {
			reason = errPeerClosed
		}
		s.closeConnection(op.handle, reason)
		return
	}

	c.buf = append(c.buf, op.buf[:rc.N]...)
	s.registry.Touch(op.handle)

	parser := s.parsers.Get()
	defer s.parsers.Put(parser)

	switch parser.Feed(c.buf) {
	case http.StatusSuccess:
		s.buffers.Put(op.buf)
		resp := s.dispatch(parser.Result())
		c.buf = c.buf[:0]
		s.stats.requests.Add(1)
		s.issueSend(c, resp.Bytes(), false)

	case http.StatusIncomplete:
		if len(c.buf) > s.opts.MaxRequestBytes {
			s.buffers.Put(op.buf)
			s.badRequest(c)
			return
		}
		s.issueRecv(c, op)

	default:
		s.buffers.Put(op.buf)
		s.badRequest(c)
	}
}

func (s *Server) badRequest(c *Connection) {
	s.stats.badRequests.Add(1)
	c.buf = nil
	s.issueSend(c, http.BadRequest().Bytes(), true)
}

// dispatch runs the handler on the worker. A panicking or silent handler
// produces a 500.
func (s *Server) dispatch(req *http.Request) (resp *http.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("handler panic on %s %s: %v", req.Method, req.URI, r)
			resp = http.Text(http.StatusInternalServerError, "Internal Server Error")
		}
	}()

	resp = s.handler.Serve(req)
	if resp == nil {
		resp = http.Text(http.StatusInternalServerError, "Internal Server Error")
	}
	return resp
}

func (s *Server) onSend(sc SendCompletion) {
	op := sc.Op
	c, ok := s.registry.Lookup(op.handle)
	if !ok {
		return
	}
	c.endOp()

	switch {
	case sc.Err != nil:
		s.closeConnection(op.handle, sc.Err)
	case op.closeAfter:
		s.closeConnection(op.handle, errBadRequest)
	default:
		s.issueRecv(c, s.newRecvOp(op.handle))
	}
}

// closeConnection tears h down. Only the first caller for a handle does any
// work; later calls are no-ops.
func (s *Server) closeConnection(h Handle, reason error) {
	c, ok := s.registry.Deregister(h)
	if !ok {
		return
	}
	if !isExpected(reason) {
		log.Printf("conn %d: closing: %v", h, reason)
	}
	s.release(c)
}

// release hands the transport back to the watcher. A conn that was never
// submitted is unknown to the watcher and is closed directly.
func (s *Server) release(c *Connection) {
	s.stats.closed.Add(1)
	_ = s.watcher.Free(c.conn)
	c.conn.Close()
}
