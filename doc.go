/*
Package proactor provides a completion-driven HTTP/1.1 server for Go.

Accepts, receives and sends are issued asynchronously and their completions
are queued to a fixed set of workers, so no goroutine ever blocks on a single
connection. Idle connections are closed by a slotted timer wheel.

Features

  - Completion-driven I/O on top of gaio, one outstanding operation per connection
  - Incremental HTTP/1.1 parser (GET and POST, Content-Length bodies)
  - Slotted timer wheel for idle timeouts with O(1) add and cancel
  - Connection registry with exactly-once teardown
  - Static files with an LRU file cache, plus a built-in upload endpoint
  - Middleware pipeline, route metrics and a JSON stats endpoint

Quick Start

Basic usage example:

	package main

	import (
	    "github.com/searchktools/proactor/app"
	    "github.com/searchktools/proactor/config"
	    "github.com/searchktools/proactor/core/http"
	)

	func main() {
	    cfg := config.New()
	    application := app.New(cfg)

	    application.Router().GET("/hello", func(*http.Request) *http.Response {
	        return http.Text(http.StatusOK, "Hello, World!")
	    })

	    application.Run()
	}

Modules

  - app: Application lifecycle, built-in routes and signal handling
  - config: Flags, environment and JSON configuration
  - core: Server, completion queue, connection registry
  - core/http: Request parser and response builder
  - core/timer: Timer wheel
  - core/router: Exact and prefix routing
  - core/middleware: Middleware pipeline
  - core/pools: Worker, object and byte pools, GC tuning
  - core/sendfile: Static file serving
  - core/observability: Request metrics and stats snapshot
*/
package proactor
