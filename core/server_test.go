package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/proactor/core/http"
)

func testHandler() http.Handler {
	return http.HandlerFunc(func(req *http.Request) *http.Response {
		switch {
		case strings.Contains(req.URI, ".."):
			return http.BadRequest()
		case req.Path() == "/panic":
			panic("handler blew up")
		case req.Path() == "/nil":
			return nil
		case req.Method == http.MethodPOST:
			return http.Bytes(http.StatusOK, "application/octet-stream", req.Body)
		case req.Path() == "/":
			return http.Text(http.StatusOK, "hi")
		}
		return http.Text(http.StatusNotFound, "Not Found")
	})
}

func testOptions() Options {
	return Options{
		Workers:     4,
		IdleTimeout: 2 * time.Second,
		WheelSlots:  64,
		WheelTick:   50 * time.Millisecond,
	}
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()

	s := NewServer(opts, testHandler())
	require.NoError(t, s.Initialize(0))

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	t.Cleanup(func() {
		s.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after Stop")
		}
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp4", s.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) (*nethttp.Response, string) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	return readResponse(t, br)
}

func readResponse(t *testing.T, br *bufio.Reader) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

// waitClosed reads until the server closes the connection
func waitClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 512)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection was not closed by the server")
		}
		assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET), "unexpected error: %v", err)
		return
	}
}

func TestServerGETRoot(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)

	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", status)

	headers := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		k, v, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ": ")
		require.True(t, ok, line)
		headers[k] = v
	}
	assert.Equal(t, "2", headers["Content-Length"])
	assert.Equal(t, "text/plain", headers["Content-Type"])
	assert.Equal(t, "keep-alive", headers["Connection"])

	body := make([]byte, 2)
	_, err = io.ReadFull(br, body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
}

func TestServerTraversalIsBadRequest(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	resp, _ := roundTrip(t, conn, br, "GET /../secret HTTP/1.1\r\n\r\n")
	assert.Equal(t, 400, resp.StatusCode)

	// a handler-level 400 keeps the connection usable
	resp, body := roundTrip(t, conn, br, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hi", body)
}

func TestServerPOSTBody(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	resp, body := roundTrip(t, conn, br, "POST /upload HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello world", body)
	assert.Equal(t, int64(11), resp.ContentLength)
}

func TestServerFragmentedRequest(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)

	raw := "POST /echo HTTP/1.1\r\nHost: test\r\nContent-Length: 5\r\n\r\nhello"
	for _, frag := range []string{raw[:3], raw[3:20], raw[20 : len(raw)-2], raw[len(raw)-2:]} {
		_, err := io.WriteString(conn, frag)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	resp, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

func TestServerKeepAlive(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	for i := 0; i < 5; i++ {
		resp, body := roundTrip(t, conn, br, "GET / HTTP/1.1\r\n\r\n")
		assert.Equal(t, 200, resp.StatusCode, "request %d", i)
		assert.Equal(t, "hi", body)
	}
	assert.Equal(t, uint64(5), s.Stats().Requests)
	assert.Equal(t, 1, s.Stats().Connections)
}

func TestServerMalformedRequestCloses(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	resp, body := roundTrip(t, conn, br, "BREW /pot HTTP/1.1\r\n\r\n")
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "Bad Request", body)

	waitClosed(t, conn)
	assert.Eventually(t, func() bool { return s.Stats().BadRequests == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerOversizedRequest(t *testing.T) {
	opts := testOptions()
	opts.MaxRequestBytes = 1024
	s := startServer(t, opts)
	conn := dial(t, s)

	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nX-Big: "+strings.Repeat("a", 2000))
	require.NoError(t, err)

	resp, _ := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 400, resp.StatusCode)
	waitClosed(t, conn)
}

func TestServerHandlerFailures(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	for _, path := range []string{"/panic", "/nil"} {
		resp, _ := roundTrip(t, conn, br, fmt.Sprintf("GET %s HTTP/1.1\r\n\r\n", path))
		assert.Equal(t, 500, resp.StatusCode, path)
	}

	resp, _ := roundTrip(t, conn, br, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServerClientCloseTearsDown(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	roundTrip(t, conn, br, "GET / HTTP/1.1\r\n\r\n")
	require.Equal(t, 1, s.Stats().Connections)

	conn.Close()
	assert.Eventually(t, func() bool { return s.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Stats().PendingTimer)
}

func TestServerIdleConnectionClosed(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 200 * time.Millisecond
	opts.WheelTick = 10 * time.Millisecond
	s := startServer(t, opts)

	conn := dial(t, s)
	start := time.Now()
	waitClosed(t, conn)

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Stats().TimedOut == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerActivityDefersIdleTimeout(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 300 * time.Millisecond
	opts.WheelTick = 10 * time.Millisecond
	s := startServer(t, opts)

	conn := dial(t, s)
	br := bufio.NewReader(conn)

	// well past one idle period in total, but never idle for a whole one
	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		resp, _ := roundTrip(t, conn, br, "GET / HTTP/1.1\r\n\r\n")
		require.Equal(t, 200, resp.StatusCode, "request %d", i)
	}
	assert.Zero(t, s.Stats().TimedOut)
}

func TestServerConcurrentClients(t *testing.T) {
	s := startServer(t, testOptions())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			conn, err := net.Dial("tcp4", s.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			br := bufio.NewReader(conn)

			for j := 0; j < 5; j++ {
				payload := fmt.Sprintf("client-%d-%d", i, j)
				raw := fmt.Sprintf("POST /echo HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(payload), payload)
				if _, err := io.WriteString(conn, raw); !assert.NoError(t, err) {
					return
				}
				resp, err := nethttp.ReadResponse(br, nil)
				if !assert.NoError(t, err) {
					return
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				assert.Equal(t, payload, string(body))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(100), s.Stats().Requests)
}

func TestServerStopClosesConnections(t *testing.T) {
	s := NewServer(testOptions(), testHandler())
	require.NoError(t, s.Initialize(0))

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	conn := dial(t, s)
	br := bufio.NewReader(conn)
	roundTrip(t, conn, br, "GET / HTTP/1.1\r\n\r\n")

	s.Stop()
	s.Stop()
	require.NoError(t, <-done)

	waitClosed(t, conn)
	stats := s.Stats()
	assert.False(t, stats.Running)
	assert.Zero(t, stats.Connections)
	assert.Zero(t, stats.Workers.ActiveWorkers)

	assert.ErrorIs(t, s.Run(), ErrServerClosed)
	assert.ErrorIs(t, s.Initialize(0), ErrAlreadyInitialized)
}

func TestServerStopWithoutRun(t *testing.T) {
	s := NewServer(testOptions(), testHandler())
	require.NoError(t, s.Initialize(0))
	addr := s.Addr().String()

	s.Stop()
	assert.ErrorIs(t, s.Run(), ErrServerClosed)

	_, err := net.DialTimeout("tcp4", addr, time.Second)
	assert.Error(t, err, "listener closed")
}

func TestServerStopBeforeInitialize(t *testing.T) {
	s := NewServer(Options{}, testHandler())
	s.Stop()

	assert.ErrorIs(t, s.Initialize(0), ErrServerClosed)
	assert.ErrorIs(t, s.Run(), ErrNotInitialized)
	assert.Nil(t, s.Addr())
}

func TestServerInitializeErrors(t *testing.T) {
	s := NewServer(testOptions(), testHandler())
	assert.ErrorIs(t, s.Initialize(-1), ErrInvalidPort)
	assert.ErrorIs(t, s.Initialize(70000), ErrInvalidPort)
	assert.ErrorIs(t, s.Run(), ErrNotInitialized)

	opts := testOptions()
	opts.IdleTimeout = time.Minute
	opts.WheelTick = 10 * time.Millisecond
	s = NewServer(opts, testHandler())
	assert.ErrorIs(t, s.Initialize(0), ErrIdleTimeoutTooLong)

	// port already bound by a listener without SO_REUSEPORT
	first := startServer(t, testOptions())
	port := first.Addr().(*net.TCPAddr).Port
	s = NewServer(testOptions(), testHandler())
	assert.Error(t, s.Initialize(port))
	assert.Nil(t, s.Addr())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		ok   bool
	}{
		{"defaults", Options{}, true},
		{"idle fits", Options{IdleTimeout: 630 * time.Millisecond, WheelSlots: 64, WheelTick: 10 * time.Millisecond}, true},
		{"idle equals horizon", Options{IdleTimeout: 640 * time.Millisecond, WheelSlots: 64, WheelTick: 10 * time.Millisecond}, false},
		{"idle wraps", Options{IdleTimeout: 120 * time.Second, WheelSlots: 60, WheelTick: 10 * time.Millisecond}, false},
		{"disabled", Options{IdleTimeout: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIdleTimeoutTooLong)
			}
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.GreaterOrEqual(t, o.Workers, 4)
	assert.GreaterOrEqual(t, o.QueueSize, o.Workers)
	assert.Equal(t, DefaultIdleTimeout, o.IdleTimeout)
	assert.Equal(t, DefaultMaxRequestBytes, o.MaxRequestBytes)
}

func TestIsExpected(t *testing.T) {
	for _, err := range []error{nil, io.EOF, net.ErrClosed, unix.ECONNRESET, unix.EPIPE,
		fmt.Errorf("read: %w", unix.ECONNABORTED), errIdleTimeout} {
		assert.True(t, isExpected(err), "%v", err)
	}
	assert.False(t, isExpected(errors.New("disk on fire")))
}

// flakyListener fails its first accepts the way a process out of file
// descriptors does
type flakyListener struct {
	net.Listener
	failures atomic.Int32
	calls    atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", unix.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestServerAcceptErrorsBackOff(t *testing.T) {
	s := NewServer(testOptions(), testHandler())
	require.NoError(t, s.Initialize(0))
	fl := &flakyListener{Listener: s.ln}
	fl.failures.Store(3)
	s.ln = fl

	start := time.Now()
	go s.Run()
	t.Cleanup(s.Stop)

	conn := dial(t, s)
	resp, body := roundTrip(t, conn, bufio.NewReader(conn), "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hi", body)

	// retries waited 5ms, 10ms and 20ms instead of spinning
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.LessOrEqual(t, fl.calls.Load(), int32(5))
	assert.Equal(t, uint64(3), s.Stats().AcceptErrors)
	assert.Equal(t, uint64(1), s.Stats().Accepted)
}

func TestNextAcceptDelay(t *testing.T) {
	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 10; i++ {
		d = nextAcceptDelay(d)
		got = append(got, d)
	}
	assert.Equal(t, minAcceptDelay, got[0])
	assert.Equal(t, 2*minAcceptDelay, got[1])
	assert.Equal(t, maxAcceptDelay, got[len(got)-1])
}

func TestServerStatsJSON(t *testing.T) {
	s := startServer(t, testOptions())
	conn := dial(t, s)
	roundTrip(t, conn, bufio.NewReader(conn), "GET / HTTP/1.1\r\n\r\n")

	data, err := s.StatsJSON()
	require.NoError(t, err)

	var stats ServerStats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.True(t, stats.Running)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, 1, stats.Connections)
}
