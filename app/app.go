package app

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/searchktools/proactor/config"
	"github.com/searchktools/proactor/core"
	"github.com/searchktools/proactor/core/http"
	"github.com/searchktools/proactor/core/middleware"
	"github.com/searchktools/proactor/core/observability"
	"github.com/searchktools/proactor/core/pools"
	"github.com/searchktools/proactor/core/router"
	"github.com/searchktools/proactor/core/sendfile"
)

// StatsPath serves the monitor snapshot
const StatsPath = "/_stats"

// App wires the server to the router, static files and metrics
type App struct {
	cfg      *config.Config
	router   *router.Router
	pipeline *middleware.Pipeline
	files    *sendfile.FileServer
	monitor  *observability.Monitor

	mu     sync.Mutex
	server *core.Server
}

// New creates an application with the built-in routes registered
func New(cfg *config.Config) *App {
	a := &App{
		cfg:      cfg,
		router:   router.New(),
		pipeline: middleware.NewPipeline(),
		files:    sendfile.NewFileServer(cfg.DocumentRoot, sendfile.NewFileCache(cfg.FileCacheSize)),
		monitor:  observability.NewMonitor(),
	}

	a.pipeline.Use(middleware.Recovery(), middleware.Metrics(a.monitor, a.router.Route))
	if cfg.AccessLog {
		a.pipeline.Use(middleware.Logger())
	}

	a.router.POST("/upload", uploadImage)
	a.router.Handle(http.MethodGET, StatsPath, a.monitor.Handler())
	a.router.Fallback(a.files)
	return a
}

// Router returns the router for route registration
func (a *App) Router() *router.Router {
	return a.router
}

// Use appends middleware. It has no effect once the server is started.
func (a *App) Use(m ...middleware.Middleware) {
	a.pipeline.Use(m...)
}

// Monitor returns the request metrics collector
func (a *App) Monitor() *observability.Monitor {
	return a.monitor
}

// Handler returns the router wrapped in the middleware pipeline
func (a *App) Handler() http.Handler {
	return a.pipeline.Then(a.router)
}

// Server returns the server, or nil before Start
func (a *App) Server() *core.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server
}

// Start prepares the document root, applies GC tuning and binds the
// listener. Requests are served once Run is called.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return core.ErrAlreadyInitialized
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := ensureDir(a.cfg.DocumentRoot); err != nil {
		return err
	}

	if prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: a.cfg.GCPercent}); prev >= 0 {
		log.Printf("GOGC set to %d (was %d)", a.cfg.GCPercent, prev)
	}

	server := core.NewServer(a.cfg.ServerOptions(), a.Handler())
	if err := server.Initialize(a.cfg.Port); err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	a.monitor.AddSource("server", func() (map[string]any, error) {
		data, err := server.StatsJSON()
		if err != nil {
			return nil, err
		}
		return statsMap(data)
	})
	a.server = server
	return nil
}

// Run starts the server if needed and serves until Stop or SIGINT/SIGTERM
func (a *App) Run() error {
	server := a.Server()
	if server == nil {
		if err := a.Start(); err != nil {
			return err
		}
		server = a.Server()
	}

	log.Printf("serving %s on %s [%s]", a.cfg.DocumentRoot, server.Addr(), a.cfg.Env)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-quit:
			log.Printf("Signal received: %v. Shutting down...", sig)
			server.Stop()
		case <-done:
		}
	}()

	if err := server.Run(); err != nil {
		return err
	}
	a.logFinalStats(server)
	return nil
}

// logFinalStats logs JSON in production, where logs are machine-read, and
// the text table otherwise
func (a *App) logFinalStats(server *core.Server) {
	if !a.cfg.IsProduction() {
		log.Printf("server stopped\n%s", server.StatsText())
		return
	}
	data, err := server.StatsJSON()
	if err != nil {
		log.Printf("server stopped (stats: %v)", err)
		return
	}
	log.Printf("server stopped %s", data)
}

// Stop shuts the server down. It is a no-op before Start.
func (a *App) Stop() {
	if server := a.Server(); server != nil {
		server.Stop()
	}
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("document root %s is not a directory", dir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("document root: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document root: %w", err)
	}
	log.Printf("created document root %s", dir)
	return nil
}

// structpb only takes plain maps, so decode the JSON form
func statsMap(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func uploadImage(req *http.Request) *http.Response {
	return http.Text(http.StatusOK, "Image processed successfully")
}
