package core

import (
	"errors"
	"log"
	"net"
	"time"
)

// Accept retry backoff after a failed accept (EMFILE, ENFILE, ...)
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptLoop keeps exactly one accept outstanding. Each accept result is
// posted as an AcceptCompletion; the next accept starts only after a worker
// re-arms it through s.arm. After a failed accept the next attempt waits
// for a backoff that doubles up to maxAcceptDelay.
func (s *Server) acceptLoop() {
	defer s.helpers.Done()

	var delay time.Duration
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.arm:
		}

		if delay > 0 && !s.sleep(delay) {
			return
		}

		conn, err := s.ln.Accept()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			delay = nextAcceptDelay(delay)
		} else {
			delay = 0
		}

		if !s.workers.Submit(s.ctx, AcceptCompletion{Conn: conn, Err: err}) {
			if conn != nil {
				conn.Close()
			}
			return
		}
	}
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

// sleep waits for d and reports false if the server stopped meanwhile
func (s *Server) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// rearmAccept lets the acceptor start its next accept
func (s *Server) rearmAccept() {
	select {
	case s.arm <- struct{}{}:
	default:
	}
}

func (s *Server) onAccept(c AcceptCompletion) {
	if c.Err != nil {
		if errors.Is(c.Err, net.ErrClosed) {
			return
		}
		s.stats.acceptErrors.Add(1)
		log.Printf("accept: %v", c.Err)
		s.rearmAccept()
		return
	}

	tuneConn(c.Conn)
	conn := s.registry.Register(c.Conn)
	s.stats.accepted.Add(1)

	s.rearmAccept()
	s.issueRecv(conn, s.newRecvOp(conn.handle))
}
