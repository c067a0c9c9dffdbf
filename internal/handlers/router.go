package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront/orders-api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is one mount point under the API prefix.
type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

const (
	groupProducts = "products"
	groupOrders   = "orders"
	groupAdmin    = "admin"
	groupWebhooks = "webhooks"
	groupInternal = "internal"
)

// mount order is stable so route listings read the same between runs.
var groupOrder = []string{groupProducts, groupOrders, groupAdmin, groupWebhooks, groupInternal}

type routerConfig struct {
	prefix      string
	timeout     time.Duration
	middlewares []middlewareFunc
	health      *HealthHandlers
	metrics     http.Handler
	groups      map[string]*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: probes and metrics at the root, the order API under /api/v1.
// A group without a registrar answers 501 not_implemented for every path.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		prefix:  "/api/v1",
		timeout: 30 * time.Second,
		groups:  make(map[string]*routeGroup, len(groupOrder)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	useAll(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route(cfg.prefix, func(api chi.Router) {
		for _, name := range groupOrder {
			g := cfg.group(name)
			api.Route("/"+name, func(sub chi.Router) {
				useAll(sub, g.middlewares)
				if g.registrar == nil {
					notImplemented(sub, name)
					return
				}
				g.registrar(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplemented(r chi.Router, name string) {
	h := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not enabled", http.StatusNotImplemented))
	}
	r.HandleFunc("/", h)
	r.HandleFunc("/*", h)
	r.NotFound(h)
	r.MethodNotAllowed(h)
}

// WithMiddlewares appends global middleware after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithMetricsHandler exposes h on GET /metrics outside the API prefix.
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.metrics = h
	}
}

func WithProductRoutes(reg RouteRegistrar) Option { return withGroup(groupProducts, reg) }

func WithOrderRoutes(reg RouteRegistrar) Option { return withGroup(groupOrders, reg) }

// WithAdminRoutes mounts staff endpoints; authorization is done by the handlers.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup(groupAdmin, reg) }

func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroup(groupWebhooks, reg) }

// WithWebhookMiddlewares wraps /webhooks, typically with HMAC verification.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

func WithInternalRoutes(reg RouteRegistrar) Option { return withGroup(groupInternal, reg) }

// WithInternalMiddlewares wraps /internal, typically with OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}

func withGroup(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(name).registrar = reg
	}
}

func withGroupMiddlewares(name string, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}
