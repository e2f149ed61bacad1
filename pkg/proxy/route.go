package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/balancer"
	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/protocol"
	"mercator-hq/conduit/pkg/protocol/fastcgi"
	"mercator-hq/conduit/pkg/protocol/httpproto"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/rewrite"
)

// ErrUnknownProtocol is returned for backend protocols other than "http" and
// "fastcgi".
var ErrUnknownProtocol = errors.New("unknown backend protocol")

// Route binds a backend to its codec and per-backend options.
type Route struct {
	Name string

	// Prefix selects requests whose path starts with it. Empty matches
	// nothing by prefix; such a route is only reachable as the default or
	// through the resolver.
	Prefix string

	Backend  *backend.Backend
	Protocol protocol.Protocol
	Options  *protocol.Options

	// MaxKeepAliveRequests bounds the requests per backend connection;
	// zero means unlimited.
	MaxKeepAliveRequests int

	// DocumentRoot is passed to FastCGI backends when the request carries
	// none.
	DocumentRoot string

	// Debug logs session state transitions at info level.
	Debug bool
}

// NewRoute builds a route from its configuration.
func NewRoute(cfg config.BackendConfig, logger *slog.Logger) (*Route, error) {
	addrs, err := backend.NewAddressPool(cfg.Addresses)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	bal, err := balancer.New(cfg.Balancer)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	proto, err := NewProtocol(cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	reqRewrites, err := rewrite.Compile(cfg.RewriteRequest)
	if err != nil {
		return nil, fmt.Errorf("backend %s: request rewrites: %w", cfg.Name, err)
	}
	respRewrites, err := rewrite.Compile(cfg.RewriteResponse)
	if err != nil {
		return nil, fmt.Errorf("backend %s: response rewrites: %w", cfg.Name, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", cfg.Name)

	return &Route{
		Name:     cfg.Name,
		Prefix:   cfg.Match,
		Backend:  backend.New(cfg.Name, addrs, cfg.MaxPoolSize, bal),
		Protocol: proto,
		Options: &protocol.Options{
			AllowXSendfile:   cfg.AllowXSendfile,
			AllowXRewrite:    cfg.AllowXRewrite,
			RequestRewrites:  reqRewrites,
			ResponseRewrites: respRewrites,
			KeepAlive:        cfg.KeepAlive,
			MaxPayload:       cfg.FastCGIMaxPayload,
			Logger:           logger,
		},
		MaxKeepAliveRequests: cfg.MaxKeepAliveRequests,
		DocumentRoot:         cfg.DocumentRoot,
		Debug:                cfg.Debug,
	}, nil
}

// NewProtocol returns the codec registered under name. The empty name
// selects HTTP.
func NewProtocol(name string) (protocol.Protocol, error) {
	switch strings.ToLower(name) {
	case "", httpproto.Name:
		return httpproto.New(), nil
	case fastcgi.Name:
		return fastcgi.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
}

// reusable reports whether bc may go back to the idle set after a clean
// response.
func (r *Route) reusable(bc *backend.Conn) bool {
	if r.Options == nil || !r.Options.KeepAlive {
		return false
	}
	return r.MaxKeepAliveRequests <= 0 || bc.Requests < r.MaxKeepAliveRequests
}

// Resolver maps a request host to a route name.
type Resolver interface {
	Resolve(host string) (name string, ok bool)
}

// Router selects the route of a request.
type Router struct {
	routes   []*Route
	byName   map[string]*Route
	resolver Resolver
}

// NewRouter indexes routes. resolver may be nil.
func NewRouter(routes []*Route, resolver Resolver) (*Router, error) {
	rt := &Router{
		routes:   routes,
		byName:   make(map[string]*Route, len(routes)),
		resolver: resolver,
	}
	for _, r := range routes {
		if _, dup := rt.byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", r.Name)
		}
		rt.byName[r.Name] = r
	}
	return rt, nil
}

// Routes returns the routes in configuration order.
func (rt *Router) Routes() []*Route { return rt.routes }

// Lookup returns the route named name, or nil.
func (rt *Router) Lookup(name string) *Route { return rt.byName[name] }

// Select picks the route for req: the resolver's answer for the request
// host first, then the longest matching path prefix, then the first route.
func (rt *Router) Select(req *types.Request) (*Route, error) {
	if len(rt.routes) == 0 {
		return nil, ErrNoRoute
	}

	if rt.resolver != nil && req.Host != "" {
		if name, ok := rt.resolver.Resolve(hostOnly(req.Host)); ok {
			if r := rt.byName[name]; r != nil {
				return r, nil
			}
		}
	}

	path := req.Path()
	var best *Route
	for _, r := range rt.routes {
		if r.Prefix == "" || !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	if best != nil {
		return best, nil
	}
	return rt.routes[0], nil
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
}
