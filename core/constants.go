package core

import (
	"errors"
	"time"
)

// Server defaults
const (
	DefaultPort            = 8080
	DefaultIdleTimeout     = 120 * time.Second
	DefaultWheelSlots      = 128
	DefaultWheelTick       = time.Second
	DefaultMaxRequestBytes = 1 << 20

	// RecvBufferSize is the size of the buffer handed to every receive
	RecvBufferSize = 8192

	listenerRecvBuffer = 64 << 10
)

// Error definitions
var (
	ErrServerClosed       = errors.New("server closed")
	ErrNotInitialized     = errors.New("server not initialized")
	ErrAlreadyInitialized = errors.New("server already initialized")
	ErrOperationInFlight  = errors.New("operation already in flight on connection")
	ErrInvalidPort        = errors.New("invalid port")
	ErrIdleTimeoutTooLong = errors.New("idle timeout exceeds timer wheel horizon")

	errPeerClosed   = errors.New("peer closed connection")
	errIdleTimeout  = errors.New("idle timeout")
	errBadRequest   = errors.New("malformed request")
	errShuttingDown = errors.New("server shutting down")
)
