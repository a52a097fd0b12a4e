package core

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Completion is one finished asynchronous operation. The concrete types are
// AcceptCompletion, RecvCompletion, SendCompletion and the internal wakeup.
type Completion interface {
	completion()
}

// AcceptCompletion carries a newly accepted connection or the accept error
type AcceptCompletion struct {
	Conn net.Conn
	Err  error
}

// RecvCompletion hands a receive buffer back to the server
type RecvCompletion struct {
	Op  *recvOp
	N   int
	Err error
}

// SendCompletion hands a send buffer back to the server
type SendCompletion struct {
	Op  *sendOp
	N   int
	Err error
}

// wakeup makes one worker return during shutdown
type wakeup struct{}

func (AcceptCompletion) completion() {}
func (RecvCompletion) completion()   {}
func (SendCompletion) completion()   {}
func (wakeup) completion()           {}

// recvOp is the descriptor of an outstanding receive. It belongs to the
// watcher from submission until its completion is dequeued.
type recvOp struct {
	handle Handle
	buf    []byte
}

// sendOp is the descriptor of an outstanding send
type sendOp struct {
	handle     Handle
	buf        []byte
	closeAfter bool
}

// isExpected reports errors that just mean the peer went away
func isExpected(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, errPeerClosed) ||
		errors.Is(err, errIdleTimeout) ||
		errors.Is(err, errBadRequest) ||
		errors.Is(err, errShuttingDown) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EPIPE)
}
