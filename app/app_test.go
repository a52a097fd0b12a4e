package app

import (
	"bufio"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/proactor/config"
	"github.com/searchktools/proactor/core"
	"github.com/searchktools/proactor/core/http"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Port = 0
	cfg.DocumentRoot = t.TempDir()
	cfg.IdleTimeout = 2 * time.Second
	cfg.WheelSlots = 64
	cfg.WheelTick = 50 * time.Millisecond
	cfg.Workers = 4
	cfg.GCPercent = 0
	return cfg
}

func serve(a *App, method http.Method, uri string) *http.Response {
	return a.Handler().Serve(&http.Request{Method: method, URI: uri, Version: "HTTP/1.1"})
}

func TestHandlerRoutes(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DocumentRoot, "index.html"), []byte("<p>home</p>"), 0o644))
	a := New(cfg)

	resp := serve(a, http.MethodGET, "/")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/html", resp.ContentType)
	assert.Equal(t, "<p>home</p>", string(resp.Body))

	resp = serve(a, http.MethodPOST, "/upload")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Image processed successfully", string(resp.Body))

	resp = serve(a, http.MethodGET, "/missing.png")
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = serve(a, http.MethodGET, "/../etc/passwd")
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	rm, ok := a.Monitor().Route("GET fallback")
	require.True(t, ok)
	assert.Equal(t, uint64(3), rm.Count.Load())
	assert.Equal(t, uint64(2), rm.ClientErrors.Load())
	rm, ok = a.Monitor().Route("POST /upload")
	require.True(t, ok)
	assert.Equal(t, uint64(1), rm.Count.Load())
	assert.Equal(t, uint64(4), a.Monitor().TotalRequests())
}

func TestMetricsRoutesStayBounded(t *testing.T) {
	a := New(testConfig(t))
	a.Router().GET("/assets/*", func(*http.Request) *http.Response {
		return http.Text(http.StatusOK, "asset")
	})

	for i := 0; i < 2000; i++ {
		serve(a, http.MethodGET, fmt.Sprintf("/missing-%d?x=1", i))
		serve(a, http.MethodGET, fmt.Sprintf("/assets/%d.css", i))
	}

	snap, err := a.Monitor().Snapshot()
	require.NoError(t, err)
	routes := snap.Fields["routes"].GetStructValue().GetFields()
	assert.Len(t, routes, 2)
	assert.Contains(t, routes, "GET fallback")
	assert.Contains(t, routes, "GET /assets/*")
	assert.Equal(t, uint64(4000), a.Monitor().TotalRequests())
}

func TestCustomRoutesAndMiddleware(t *testing.T) {
	a := New(testConfig(t))
	a.Router().GET("/hello", func(*http.Request) *http.Response {
		return http.Text(http.StatusOK, "hello")
	})
	a.Router().GET("/boom", func(*http.Request) *http.Response {
		panic("boom")
	})

	var seen []string
	a.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request) *http.Response {
			seen = append(seen, req.Path())
			return next.Serve(req)
		})
	})

	assert.Equal(t, "hello", string(serve(a, http.MethodGET, "/hello").Body))
	assert.Equal(t, http.StatusInternalServerError, serve(a, http.MethodGET, "/boom").Status)
	assert.Equal(t, []string{"/hello", "/boom"}, seen)
}

func TestStartCreatesDocumentRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.DocumentRoot = filepath.Join(cfg.DocumentRoot, "nested", "www")
	a := New(cfg)
	t.Cleanup(a.Stop)

	require.NoError(t, a.Start())
	info, err := os.Stat(cfg.DocumentRoot)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.ErrorIs(t, a.Start(), core.ErrAlreadyInitialized)
}

func TestStartErrors(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(cfg.DocumentRoot, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.DocumentRoot = file
	assert.ErrorContains(t, New(cfg).Start(), "not a directory")

	cfg = testConfig(t)
	cfg.IdleTimeout = time.Hour
	assert.ErrorIs(t, New(cfg).Start(), core.ErrIdleTimeoutTooLong)
}

func TestStopBeforeStart(t *testing.T) {
	a := New(testConfig(t))
	assert.Nil(t, a.Server())
	a.Stop()
}

func TestRunServesOverTCP(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DocumentRoot, "app.js"), []byte("run()"), 0o644))
	a := New(cfg)
	require.NoError(t, a.Start())

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	base := fmt.Sprintf("http://%s", a.Server().Addr())
	client := &nethttp.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/app.js")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
	assert.Equal(t, "run()", string(body))

	resp, err = client.Post(base+"/upload", "image/png", strings.NewReader("\x89PNG"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "Image processed successfully", string(body))

	resp, err = client.Get(base + StatsPath)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	server, ok := doc["server"].(map[string]any)
	require.True(t, ok, "snapshot has a server section")
	assert.Equal(t, true, server["running"])
	assert.Contains(t, doc["routes"], "GET fallback")
	assert.Contains(t, doc["routes"], "POST /upload")

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunServesDocumentRoot(t *testing.T) {
	parent := t.TempDir()
	cfg := testConfig(t)
	cfg.DocumentRoot = filepath.Join(parent, "www")
	require.NoError(t, os.MkdirAll(cfg.DocumentRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DocumentRoot, "index.html"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("top secret"), 0o644))

	a := New(cfg)
	require.NoError(t, a.Start())
	go a.Run()
	t.Cleanup(a.Stop)

	conn, err := net.Dial("tcp4", a.Server().Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	br := bufio.NewReader(conn)

	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	resp, err := nethttp.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, int64(2), resp.ContentLength)
	assert.Equal(t, "hi", string(body))

	_, err = io.WriteString(conn, "GET /../secret HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	resp, err = nethttp.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.NotContains(t, string(body), "top secret")
}

func TestStatsMap(t *testing.T) {
	data, err := json.Marshal(core.ServerStats{Running: true, Accepted: 7})
	require.NoError(t, err)
	m, err := statsMap(data)
	require.NoError(t, err)
	assert.Equal(t, true, m["running"])
	assert.Equal(t, float64(7), m["accepted"])
	assert.Contains(t, m, "workers")

	_, err = statsMap([]byte("not json"))
	assert.Error(t, err)
}

func TestServerStatsSource(t *testing.T) {
	a := New(testConfig(t))
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	snap, err := a.Monitor().Snapshot()
	require.NoError(t, err)
	server := snap.Fields["server"].GetStructValue().AsMap()
	assert.Equal(t, false, server["running"])
	assert.Equal(t, float64(0), server["accept_errors"])
	assert.Contains(t, server, "parsers")
}
