// Package proxy implements the reverse-proxy session engine.
//
// A session (Conn) carries one client request to a backend and streams the
// answer back. The engine selects the backend through a Router, takes a
// connection from the backend pool, encodes the request with the backend's
// codec (plain HTTP or FastCGI) and decodes the response into a chunk queue
// handed to the caller's FrontEnd. Nothing blocks: every step either makes
// progress, registers interest with the event multiplexer or parks the
// session in the backend's backlog.
//
// # Architecture
//
//   - Router: picks the route for a request (virtual host, path prefix, default)
//   - Route: a backend with its codec, rewrites and keep-alive policy
//   - Engine: the session state machine and the periodic maintenance
//   - Loop: the goroutine that owns an Engine and its multiplexer
//   - FrontEnd: the caller-side sink for the response head, body and outcome
//
// # Basic Usage
//
//	mux, err := fdevent.New(fdevent.DefaultKind(), cfg.Engine.MaxFDs)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	var routes []*proxy.Route
//	for _, b := range cfg.Backends {
//	    r, err := proxy.NewRoute(b, logger.Slog())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    routes = append(routes, r)
//	}
//	router, _ := proxy.NewRouter(routes, nil)
//
//	loop, err := proxy.NewLoop(proxy.NewEngine(mux, router, proxy.Options{}), proxy.LoopOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(ctx)
//
//	req, body, err := proxy.ParseHTTPRequest(r, cfg.Server.MaxBodyBytes)
//	c := proxy.NewConn(ctx, req, body, frontEnd)
//	err = loop.Submit(c)
//	if !body.IsClosed() {
//	    go proxy.CopyRequestBody(loop, c, r.Body, cfg.Server.MaxBodyBytes)
//	}
//
// # Session States
//
// A session moves through
//
//	unset -> connecting -> connected -> write-header -> write-body
//	      -> read-header -> read-body -> finished
//
// A failed connect disables the address for a cooldown and restarts the
// session on another one. A reused keep-alive connection that turns out to
// be closed restarts the session as well. Restarts and internal redirects
// share one budget (Options.MaxInternalRedirects); past it the session
// fails with ErrRedirectLoop.
//
// The request body streams through write-body as the front end receives it.
// A copy is kept for restarts until the first body byte went to a backend;
// after that a backend that hangs up fails the session with 502.
//
// # Error Handling
//
// Failures reach FrontEnd.Done as a *GatewayError whose status the front
// end answers with when no response head was sent yet:
//
//   - 404: no route (ErrNoRoute)
//   - 502: malformed response, early close, too many restarts
//   - 503: backlog wait exceeded (ErrBacklogTimeout)
//   - 504: connect timeout (ErrConnectTimeout)
//
// HandleError renders the JSON body for such a failure.
//
// # Thread Safety
//
// Engine and Conn are confined to the loop goroutine. Loop.Submit,
// Loop.Abort, Loop.Post, Loop.Snapshot and Loop.Active may be called from
// any goroutine; FrontEnd methods are always called on the loop goroutine.
package proxy
